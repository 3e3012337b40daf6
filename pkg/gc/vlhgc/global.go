// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vlhgc

import (
	"context"
	"math"
	"time"

	"github.com/intel/gcsched/pkg/gc/scheduling"
	"github.com/intel/gcsched/pkg/instrumentation"
)

// runGlobalMarkPhaseIncrement runs a GMP increment, starting a new cycle if
// none is in progress.
func (g *GC) runGlobalMarkPhaseIncrement(ctx context.Context) {
	d := g.delegate

	if !g.cycle.Running() {
		g.cycle.start()
		g.marker.StartGlobalMark(ctx)
		g.Debug("GMP cycle started")
	}

	mark := scheduling.MarkStats{}

	// a concurrent pass might have already done the work of this increment
	if g.cycle.BytesStillToScan() != 0 || !g.cycle.Processing() {
		target := d.BytesToScanInNextGMPIncrement()
		deadline := g.incrementDeadline(d.CurrentGlobalMarkIncrementTimeMillis())

		ctx, span := instrumentation.StartSpan(ctx, "gmp-increment", "target", target)
		var done bool
		mark, done = g.marker.MarkIncrement(ctx, target, deadline)
		span.End()

		g.cycle.incrementDone(mark.BytesScanned, mark.ScanTime)
		if done {
			g.cycle.finish()
		}
		g.updateStats(func(s *Stats) { s.GMPIncrements++ })
	}

	d.GlobalMarkIncrementCompleted(mark)

	if g.cycle.Running() {
		g.cycle.setBytesStillToScan(d.BytesToScanInNextGMPIncrement())
	}
}

// incrementDeadline returns the end time of a GMP increment of the given
// length. The zero time stands for no deadline.
func (g *GC) incrementDeadline(millis uint64) time.Time {
	if millis > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Time{}
	}
	return g.clock().Add(time.Duration(millis) * time.Millisecond)
}

// globalMarkPhaseCompleted reports a finished GMP cycle to the delegate.
func (g *GC) globalMarkPhaseCompleted() {
	g.delegate.GlobalMarkPhaseCompleted(scheduling.GMPCycleStats{
		IncrementalScanTime:    g.cycle.IncrementalScanTime(),
		ConcurrentBytesScanned: g.cycle.ConcurrentBytesScanned(),
	})
	g.updateStats(func(s *Stats) { s.GMPCycles++ })

	g.Info("GMP cycle completed: %d increments, %d bytes scanned (%d concurrently)",
		g.cycle.Increments(), g.cycle.BytesScannedInGlobalMarkPhase(), g.cycle.ConcurrentBytesScanned())
}

// RunGlobalGarbageCollection collects the whole heap in a single pause. Any
// GMP cycle in progress is completed by the global mark. The taxation
// schedule restarts and every surviving region is considered old.
func (g *GC) RunGlobalGarbageCollection(ctx context.Context) {
	g.pauseConcurrent()
	defer g.resumeConcurrent()

	d := g.delegate
	start := g.clock()

	ctx, span := instrumentation.StartSpan(ctx, "global-gc", "gmpRunning", g.cycle.Running())
	defer span.End()

	g.alloc.FlushAllocationContexts()
	gmpRunning := g.cycle.Running()
	g.rs.PrepareForGlobalCollect(gmpRunning)

	mark := g.marker.MarkGlobal(ctx)
	if gmpRunning {
		g.cycle.finish()
	}
	g.sweeper.GlobalSweep(ctx)
	g.compactor.CompactAll(ctx)

	reclaimable, defragment := g.reclaimer.EstimateReclaimableRegions(0)
	d.GlobalGarbageCollectCompleted(reclaimable, defragment)

	g.attemptHeapResize()

	g.setThreshold(d.GetInitialTaxationThreshold(), true)
	g.setRegionAgesToMax()

	pause := g.clock().Sub(start)
	g.recordPause(pause, func(s *Stats) { s.GlobalCollections++ })

	g.Info("global collection: %d bytes marked, %d reclaimable regions, pause %v",
		mark.BytesScanned, reclaimable, pause)
}

// ConcurrentWorkAvailable returns true if there is GMP work that can be done
// concurrently with the mutator. It is safe for concurrent use.
func (g *GC) ConcurrentWorkAvailable() bool {
	return g.opts.ConcurrentGMP &&
		g.cycle.Running() &&
		g.cycle.Processing() &&
		!g.cycle.Terminating() &&
		g.cycle.BytesStillToScan() > 0
}

// RunConcurrentMark marks alongside the mutator until the scan budget of
// the next GMP increment is used up, a pause forces it to finish, or ctx
// is cancelled. It returns the number of bytes scanned. It can be called
// from any goroutine, but only one at a time does any marking.
func (g *GC) RunConcurrentMark(ctx context.Context) uint64 {
	g.concurrent.Lock()
	defer g.concurrent.Unlock()

	if !g.ConcurrentWorkAvailable() {
		return 0
	}

	budget := g.cycle.BytesStillToScan()
	ctx, span := instrumentation.StartSpan(ctx, "concurrent-mark", "budget", budget)
	defer span.End()

	stop := func() bool {
		return g.cycle.Terminating() || ctx.Err() != nil
	}
	scanned := g.marker.MarkConcurrent(ctx, budget, stop)
	g.cycle.concurrentDone(scanned)
	g.updateStats(func(s *Stats) { s.ConcurrentBytesScanned += scanned })

	g.Debug("concurrently marked %d of %d bytes", scanned, budget)

	return scanned
}

// ForceConcurrentFinish asks concurrent marking to stop at the next safe
// point. It is safe for concurrent use.
func (g *GC) ForceConcurrentFinish() {
	g.cycle.setTerminate(true)
}
