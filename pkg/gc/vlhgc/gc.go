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

// Package vlhgc drives a region-based incremental-generational collector.
//
// The collector interleaves bounded pause partial collections (PGCs) with
// the increments of an incremental global mark phase (GMP), as decided by
// a scheduling delegate at taxation points. A taxation point is reached
// whenever the mutators have allocated the byte budget set at the previous
// point. The actual tracing, copying, compacting and sweeping is done by
// collaborators, GC only sequences them and feeds their statistics back to
// the delegate.
package vlhgc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
	"github.com/intel/gcsched/pkg/gc/scheduling"
	"github.com/intel/gcsched/pkg/instrumentation"
	logger "github.com/intel/gcsched/pkg/log"
	"github.com/intel/gcsched/pkg/metricsring"
)

// Environment provides the collaborators of a GC.
type Environment struct {
	// Regions is the heap region manager.
	Regions *region.Manager
	// Marker, CopyForwarder, Compactor, Sweeper and Reclaimer do the collection work.
	Marker        Marker
	CopyForwarder CopyForwarder
	Compactor     Compactor
	Sweeper       Sweeper
	Reclaimer     Reclaimer
	// Allocation owns the allocation contexts and the taxation budget.
	Allocation AllocationManager
	// RememberedSet tracks inter-region references.
	RememberedSet RememberedSet
	// Resizer, if set, resizes the heap after collections.
	Resizer HeapResizer
	// InitialHeapSize and MaximumHeapSize are the configured heap bounds.
	InitialHeapSize uint64
	MaximumHeapSize uint64
	// Observer is notified about scheduling decisions, nil for the default.
	Observer scheduling.Observer
	// Clock returns the current time, nil for time.Now.
	Clock func() time.Time
}

// IncrementResult describes the work done at a taxation point.
type IncrementResult struct {
	// Work is the work the delegate scheduled.
	Work scheduling.IncrementWork
	// PGC is the mode the PGC ran in, valid if Work includes a PGC.
	PGC scheduling.PGCPlan
	// GMPCompleted is true if the GMP cycle completed at this point.
	GMPCompleted bool
	// Threshold is the allocation budget until the next taxation point.
	Threshold uint64
	// Pause is the duration of the whole taxation point.
	Pause time.Duration
}

// Stats are the cumulative statistics of a GC.
type Stats struct {
	// TaxationPoints is the number of taxation points run.
	TaxationPoints uint64
	// CopyForwardPGCs and MarkCompactPGCs count PGCs by mode.
	CopyForwardPGCs uint64
	MarkCompactPGCs uint64
	// AbortedCopyForwards counts copy-forwards which ran out of survivor space.
	AbortedCopyForwards uint64
	// GMPIncrements and GMPCycles count GMP increments and completed cycles.
	GMPIncrements uint64
	GMPCycles     uint64
	// GlobalCollections counts global garbage collections.
	GlobalCollections uint64
	// ConcurrentBytesScanned is the number of bytes marked concurrently.
	ConcurrentBytesScanned uint64
	// HeapResizes counts successful heap expansions and contractions.
	HeapResizes uint64
	// AllocatedSinceLastPGC is the allocation budget handed out since the last PGC.
	AllocatedSinceLastPGC uint64
	// Threshold is the current taxation budget.
	Threshold uint64
	// GMPRunning is true while a GMP cycle is in progress.
	GMPRunning bool
	// LastPause is the duration of the latest pause.
	LastPause time.Duration
	// PauseAverage, PauseMean and PauseMax summarize recent pauses in milliseconds.
	PauseAverage float64
	PauseMean    float64
	PauseMax     float64
}

// GC is an incremental-generational collector. All methods except the
// concurrent marking ones, Stats and Snapshot must be called from a single
// master goroutine.
type GC struct {
	sync.Mutex // protects stats and pauses
	logger.Logger
	limited logger.Logger

	opts       *Options
	regions    *region.Manager
	table      *region.Table
	marker     Marker
	copier     CopyForwarder
	compactor  Compactor
	sweeper    Sweeper
	reclaimer  Reclaimer
	alloc      AllocationManager
	rs         RememberedSet
	resizer    HeapResizer
	clock      func() time.Time
	delegate   *scheduling.Delegate
	cycle      MarkCycle
	concurrent sync.Mutex // held while marking concurrently or pausing

	allocatedSinceLastPGC uint64
	threshold             uint64
	stats                 Stats
	pauses                metricsring.SampleBuffer
}

// our logger instance
var log = logger.NewLogger("vlhgc")

// New creates a collector, arming the first taxation point.
func New(env Environment, opts *Options, schedOpts *scheduling.Options) (*GC, error) {
	if env.Regions == nil || env.Marker == nil || env.CopyForwarder == nil || env.Compactor == nil ||
		env.Sweeper == nil || env.Reclaimer == nil || env.Allocation == nil || env.RememberedSet == nil {
		return nil, gcError("incomplete environment, missing collaborators")
	}
	if opts == nil {
		opts = GetOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, gcError("invalid options: %w", err)
	}

	g := &GC{
		Logger:    log,
		limited:   logger.RateLimit(log, logger.Interval(opts.WarningInterval.Std())),
		opts:      opts,
		regions:   env.Regions,
		table:     env.Regions.Table(),
		marker:    env.Marker,
		copier:    env.CopyForwarder,
		compactor: env.Compactor,
		sweeper:   env.Sweeper,
		reclaimer: env.Reclaimer,
		alloc:     env.Allocation,
		rs:        env.RememberedSet,
		resizer:   env.Resizer,
		clock:     env.Clock,
		pauses:    metricsring.NewMetricsRing(opts.PauseHistory),
	}
	if g.clock == nil {
		g.clock = time.Now
	}

	observer := env.Observer
	if observer == nil && opts.LogDecisions {
		observer = scheduling.NewLogObserver(logger.NewLogger("scheduling"), opts.WarningInterval.Std())
	}

	d, err := scheduling.NewDelegate(scheduling.Environment{
		Regions:         env.Regions,
		Allocation:      env.Allocation,
		GlobalMark:      &g.cycle,
		InitialHeapSize: env.InitialHeapSize,
		MaximumHeapSize: env.MaximumHeapSize,
		Observer:        observer,
		Clock:           g.clock,
	}, schedOpts)
	if err != nil {
		return nil, gcError("failed to create scheduling delegate: %w", err)
	}
	g.delegate = d
	g.delegate.HeapReconfigured()
	g.initializeTaxationThreshold()

	g.Info("collector created, Eden %d regions, first taxation after %d bytes",
		d.EdenRegionCount(), g.threshold)

	return g, nil
}

// Delegate returns the scheduling delegate of the collector.
func (g *GC) Delegate() *scheduling.Delegate {
	return g.delegate
}

// MarkCycle returns the global mark phase cycle state.
func (g *GC) MarkCycle() *MarkCycle {
	return &g.cycle
}

// Options returns the options of the collector.
func (g *GC) Options() *Options {
	return g.opts
}

// Threshold returns the current taxation budget.
func (g *GC) Threshold() uint64 {
	return g.threshold
}

// AllocatedSinceLastPGC returns the allocation budget handed out since the last PGC.
func (g *GC) AllocatedSinceLastPGC() uint64 {
	return g.allocatedSinceLastPGC
}

// initializeTaxationThreshold arms the first taxation point.
func (g *GC) initializeTaxationThreshold() {
	threshold := g.delegate.GetInitialTaxationThreshold()
	g.delegate.InitializeKickoffHeadroom()

	// leave room for at least a couple of allocation regions
	if min := 2 * g.table.RegionSize(); threshold < min {
		threshold = min
	}
	g.setThreshold(threshold, true)
}

// setThreshold arms the next taxation point.
func (g *GC) setThreshold(threshold uint64, pgc bool) {
	g.alloc.SetBytesRemainingBeforeTaxation(threshold)
	g.threshold = threshold
	if pgc {
		g.allocatedSinceLastPGC = threshold
	} else {
		g.allocatedSinceLastPGC += threshold
	}
	g.updateStats(func(s *Stats) {
		s.Threshold = g.threshold
		s.AllocatedSinceLastPGC = g.allocatedSinceLastPGC
	})
}

// TaxationEntryPoint runs the work scheduled for the taxation point the
// mutators just reached and arms the next one.
func (g *GC) TaxationEntryPoint(ctx context.Context) IncrementResult {
	g.pauseConcurrent()
	defer g.resumeConcurrent()

	start := g.clock()
	work := g.delegate.GetIncrementWork()
	result := IncrementResult{Work: work}

	ctx, span := instrumentation.StartSpan(ctx, "taxation",
		"index", g.delegate.TaxationIndex(), "work", work.String())
	defer span.End()

	if work.DoesPartial() {
		result.PGC = g.runPartialGarbageCollect(ctx)
	}
	if work.DoesGlobalMark() {
		g.runGlobalMarkPhaseIncrement(ctx)
		if !g.cycle.Running() {
			g.globalMarkPhaseCompleted()
			result.GMPCompleted = true
		}
	}

	result.Threshold = g.delegate.GetNextTaxationThreshold()
	g.setThreshold(result.Threshold, work.DoesPartial())
	g.incrementRegionAges(work.DoesPartial())

	result.Pause = g.clock().Sub(start)
	g.recordPause(result.Pause, func(s *Stats) {
		s.TaxationPoints++
	})

	g.Debug("taxation point %s: pause %v, next after %d bytes", work, result.Pause, result.Threshold)

	return result
}

// pauseConcurrent stops concurrent marking at a safe point for a pause.
func (g *GC) pauseConcurrent() {
	g.ForceConcurrentFinish()
	g.concurrent.Lock()
}

// resumeConcurrent lets concurrent marking proceed after a pause.
func (g *GC) resumeConcurrent() {
	g.cycle.setTerminate(false)
	g.concurrent.Unlock()
}

// attemptHeapResize resizes the heap if it is too empty or too full.
func (g *GC) attemptHeapResize() {
	if g.resizer == nil || !g.opts.ResizeHeap {
		return
	}

	before := g.resizer.CommittedSize()
	changed, err := g.resizer.Resize()
	if err != nil {
		g.limited.Warn("failed to resize heap: %v", err)
	}
	if !changed {
		return
	}

	after := g.resizer.CommittedSize()
	if after < before {
		g.rs.SetShouldFlushBuffersForDecommittedRegions()
	}
	g.delegate.HeapReconfigured()
	g.updateStats(func(s *Stats) { s.HeapResizes++ })

	g.Info("heap resized %d -> %d bytes", before, after)
}

// recordPause accounts a pause and updates the statistics.
func (g *GC) recordPause(pause time.Duration, update func(*Stats)) {
	g.Lock()
	defer g.Unlock()

	g.pauses.Push(float64(pause) / float64(time.Millisecond))
	g.stats.LastPause = pause
	if update != nil {
		update(&g.stats)
	}
}

// updateStats updates the statistics.
func (g *GC) updateStats(update func(*Stats)) {
	g.Lock()
	defer g.Unlock()
	update(&g.stats)
}

// Stats returns the current statistics. It is safe for concurrent use.
func (g *GC) Stats() Stats {
	g.Lock()
	defer g.Unlock()

	s := g.stats
	s.GMPRunning = g.cycle.Running()
	s.PauseAverage = g.pauses.EWMA()
	s.PauseMean = g.pauses.Mean()
	s.PauseMax = g.pauses.Max()

	return s
}

// gcError returns a formatted collector-specific error.
func gcError(format string, args ...interface{}) error {
	return fmt.Errorf("vlhgc: "+format, args...)
}
