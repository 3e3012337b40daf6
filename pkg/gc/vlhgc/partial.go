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

	"github.com/intel/gcsched/pkg/gc/scheduling"
	"github.com/intel/gcsched/pkg/instrumentation"
)

// runPartialGarbageCollect retires allocation contexts and runs a PGC.
func (g *GC) runPartialGarbageCollect(ctx context.Context) scheduling.PGCPlan {
	g.alloc.FlushAllocationContexts()
	return g.partialGarbageCollect(ctx)
}

// partialGarbageCollect runs a PGC in the mode chosen by the delegate.
func (g *GC) partialGarbageCollect(ctx context.Context) scheduling.PGCPlan {
	d := g.delegate
	plan := d.DeterminePGCType()

	if d.GlobalSweepRequired() {
		g.runGlobalSweepBeforePGC(ctx)
	}

	// every allocation context needs a free region to copy survivors into
	if plan.CopyForward && g.alloc.FreeRegionCount() < g.alloc.AllocationContextCount() {
		plan = scheduling.PGCPlan{CopyForward: false, Reason: scheduling.ReasonInsufficientFree}
		d.OverridePGCType(plan)
		g.Debug("%d free regions for %d allocation contexts, compacting instead",
			g.alloc.FreeRegionCount(), g.alloc.AllocationContextCount())
	}

	ctx, span := instrumentation.StartSpan(ctx, "pgc", "mode", plan.String())
	defer span.End()

	if plan.CopyForward {
		g.copyForwardPartialCollect(ctx)
	} else {
		g.markCompactPartialCollect(ctx)
	}

	g.attemptHeapResize()

	return plan
}

// runGlobalSweepBeforePGC sweeps the heap using the results of the last
// GMP and retunes the defragmentation threshold for the new mark data.
func (g *GC) runGlobalSweepBeforePGC(ctx context.Context) {
	ctx, span := instrumentation.StartSpan(ctx, "global-sweep")
	defer span.End()

	d := g.delegate
	g.sweeper.GlobalSweep(ctx)

	s := d.State()
	threshold := g.reclaimer.OptimalEmptinessThreshold(s.RegionConsumptionRate,
		s.AvgSurvivorSetRegionCount, s.AvgCopyForwardRate, d.ScanTimeCostPerGMP())
	d.SetAutomaticDefragmentEmptinessThreshold(threshold)

	g.Debug("global sweep done, defragment emptiness threshold %.3f", d.DefragmentEmptinessThreshold())
}

// copyForwardPartialCollect evacuates the collection set.
func (g *GC) copyForwardPartialCollect(ctx context.Context) {
	d := g.delegate

	compactWork := d.DesiredCompactWork()
	survivorBytes := g.copier.EstimateRequiredSurvivorBytes()
	freeBytes := g.alloc.FreeRegionCount() * g.table.RegionSize()
	sliding := survivorBytes+compactWork > freeBytes

	d.PartialGarbageCollectStarted()
	g.rs.FlushIntoCardTable()
	g.rs.FlushBuffersForDecommittedRegions()

	cf := g.copier.CopyForward(ctx)
	d.CopyForwardCompleted(cf)

	switch {
	case sliding:
		freed := g.compactor.Compact(ctx, compactWork)
		g.Debug("survivors %d + compact work %d exceed %d free bytes, compacted %d regions",
			survivorBytes, compactWork, freeBytes, freed)
	case cf.Aborted:
		freed := g.compactor.CompactAborted(ctx)
		g.limited.Warn("copy-forward aborted, compacted %d regions in place", freed)
	}
	if cf.BytesScanned != 0 {
		// regions left in place were marked but never swept
		g.sweeper.AtomicSweep(ctx)
	}

	d.RecalculateRatesOnFirstPGCAfterGMP()
	reclaimable, defragment := g.reclaimer.EstimateReclaimableRegions(d.AverageEmptinessOfCopyForwardedRegions())
	d.PartialGarbageCollectCompleted(scheduling.PGCReport{
		CopyForward:                  true,
		CopyForwardStats:             cf,
		ReclaimableRegions:           reclaimable,
		DefragmentReclaimableRegions: defragment,
	})

	g.updateStats(func(s *Stats) {
		s.CopyForwardPGCs++
		if cf.Aborted {
			s.AbortedCopyForwards++
		}
	})
}

// markCompactPartialCollect marks, sweeps and compacts the collection set.
func (g *GC) markCompactPartialCollect(ctx context.Context) {
	d := g.delegate

	compactWork := d.DesiredCompactWork()
	d.PartialGarbageCollectStarted()
	g.rs.FlushIntoCardTable()

	mark := g.marker.MarkPartial(ctx)
	g.sweeper.Sweep(ctx)
	g.compactor.Compact(ctx, compactWork)

	d.RecalculateRatesOnFirstPGCAfterGMP()
	reclaimable, defragment := g.reclaimer.EstimateReclaimableRegions(0)
	d.PartialGarbageCollectCompleted(scheduling.PGCReport{
		Mark:                         mark,
		ReclaimableRegions:           reclaimable,
		DefragmentReclaimableRegions: defragment,
	})

	g.updateStats(func(s *Stats) { s.MarkCompactPGCs++ })
}
