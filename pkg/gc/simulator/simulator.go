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

// Package simulator runs an incremental-generational collector against a
// synthetic mutator. The heap is real, backed by simulated or mapped
// memory, while object survival and the cost of collection work are
// modeled, and time is virtual.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/gcsched/pkg/gc/heap"
	"github.com/intel/gcsched/pkg/gc/scheduling"
	"github.com/intel/gcsched/pkg/gc/vlhgc"
	"github.com/intel/gcsched/pkg/instrumentation"
)

// Config collects the options of all simulated components. Nil options
// stand for the current configuration.
type Config struct {
	Simulator  *Options
	Heap       *heap.Options
	Collector  *vlhgc.Options
	Scheduling *scheduling.Options
	// Observer is notified about scheduling decisions, nil for the default.
	Observer scheduling.Observer
}

// StepResult describes a single simulation step.
type StepResult struct {
	// Step is the sequence number of the step, starting at 1.
	Step uint64
	// Allocated is the number of bytes the mutator allocated.
	Allocated uint64
	// MutatorTime is the virtual time the mutator ran for.
	MutatorTime time.Duration
	// ConcurrentBytes is the number of bytes marked concurrently.
	ConcurrentBytes uint64
	// GlobalCollection is true if allocation failure forced a global collection.
	GlobalCollection bool
	// Increment is the work done at the taxation point, if one was reached.
	Increment vlhgc.IncrementResult
}

func (r StepResult) String() string {
	if r.GlobalCollection {
		return fmt.Sprintf("#%d: allocated %d, global collection", r.Step, r.Allocated)
	}
	return fmt.Sprintf("#%d: allocated %d, concurrent %d, %s, pause %s, next after %d",
		r.Step, r.Allocated, r.ConcurrentBytes, r.Increment.Work, r.Increment.Pause, r.Increment.Threshold)
}

// Summary is the state of a simulation.
type Summary struct {
	// Steps is the number of steps run.
	Steps uint64
	// Elapsed is the virtual time passed.
	Elapsed time.Duration
	// Allocated is the total number of bytes allocated.
	Allocated uint64
	// LiveBytes is the true amount of live data.
	LiveBytes uint64
	// Collector are the statistics of the collector.
	Collector vlhgc.Stats
	// Heap is the latest published heap status.
	Heap heap.Status
	// Model are the activity counters of the object model.
	Model Counters
}

// Simulator drives a collector with a synthetic mutator.
type Simulator struct {
	opts    *Options
	clock   *Clock
	start   time.Time
	heap    *heap.Heap
	model   *Model
	mutator *Mutator
	gc      *vlhgc.GC
	steps   uint64
}

// New bootstraps a heap and creates a collector and a mutator for it.
func New(cfg Config) (*Simulator, error) {
	if cfg.Simulator == nil {
		cfg.Simulator = GetOptions()
	}
	if cfg.Heap == nil {
		cfg.Heap = heap.GetOptions()
	}
	if cfg.Scheduling == nil {
		cfg.Scheduling = scheduling.GetOptions()
	}
	if err := cfg.Simulator.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid simulator options")
	}

	mem, err := heap.NewMemory(cfg.Heap)
	if err != nil {
		return nil, err
	}
	h, err := heap.Bootstrap(cfg.Heap, mem, cfg.Scheduling.RegionMaxAge)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bootstrap heap")
	}

	start := time.Unix(0, 0)
	s := &Simulator{
		opts:  cfg.Simulator,
		clock: NewClock(start),
		start: start,
		heap:  h,
	}
	s.model = NewModel(s.opts, s.clock, h.Table(), cfg.Scheduling.NurseryMaxAge, cfg.Scheduling.GCThreads)
	s.mutator = NewMutator(h, s.model)

	s.gc, err = vlhgc.New(vlhgc.Environment{
		Regions:         h.Regions(),
		Marker:          s.model,
		CopyForwarder:   s.model,
		Compactor:       s.model,
		Sweeper:         s.model,
		Reclaimer:       s.model,
		Allocation:      s.mutator,
		RememberedSet:   s.model,
		Resizer:         h,
		InitialHeapSize: h.InitialSize(),
		MaximumHeapSize: h.MaximumSize(),
		Observer:        cfg.Observer,
		Clock:           s.clock.Now,
	}, cfg.Collector, cfg.Scheduling)
	if err != nil {
		h.Shutdown()
		return nil, errors.Wrap(err, "failed to create collector")
	}

	h.Publish(s.gc.Delegate().EdenSizeBytes())

	return s, nil
}

// Heap returns the simulated heap.
func (s *Simulator) Heap() *heap.Heap {
	return s.heap
}

// GC returns the simulated collector.
func (s *Simulator) GC() *vlhgc.GC {
	return s.gc
}

// Model returns the object model.
func (s *Simulator) Model() *Model {
	return s.model
}

// Clock returns the virtual clock of the simulation.
func (s *Simulator) Clock() *Clock {
	return s.clock
}

// Step lets the mutator allocate the budget of the next taxation point,
// marking concurrently as it goes, then runs the taxation point. If the
// heap runs out of free regions, a global collection runs instead.
func (s *Simulator) Step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	ctx, span := instrumentation.StartSpan(ctx, "simulator-step")
	defer span.End()

	s.steps++
	res := StepResult{Step: s.steps}

	s.model.Age()
	allocated, err := s.mutator.Allocate(s.mutator.Remaining())
	res.Allocated = allocated
	res.MutatorTime = costOf(allocated, s.opts.AllocationRate.Value())
	s.clock.Advance(res.MutatorTime)

	s.model.Grant(res.MutatorTime)
	if s.gc.ConcurrentWorkAvailable() {
		res.ConcurrentBytes = s.gc.RunConcurrentMark(ctx)
	}

	if err != nil {
		if !errors.Is(err, ErrHeapExhausted) {
			return res, err
		}
		log.Warn("step %d: %v, running global collection", s.steps, err)
		s.gc.RunGlobalGarbageCollection(ctx)
		s.heap.Publish(s.gc.Delegate().EdenSizeBytes())
		res.GlobalCollection = true
		if s.heap.FreeRegionCount() == 0 {
			return res, errors.Wrap(err, "out of memory after global collection")
		}
		return res, nil
	}

	res.Increment = s.gc.TaxationEntryPoint(ctx)
	s.heap.Publish(s.gc.Delegate().EdenSizeBytes())

	log.Debug("%s", res)

	return res, nil
}

// Run runs the given number of steps, or the configured number if steps
// is not positive. It stops early if the context is cancelled or the
// heap runs out of memory.
func (s *Simulator) Run(ctx context.Context, steps int) (Summary, error) {
	if steps <= 0 {
		steps = s.opts.Steps
	}
	for i := 0; i < steps; i++ {
		if _, err := s.Step(ctx); err != nil {
			return s.Summary(), errors.Wrapf(err, "simulation stopped at step %d", s.steps)
		}
	}

	sum := s.Summary()
	log.Info("%d steps in %s: allocated %d, live %d, %d/%d copy-forward/mark-compact PGCs, %d GMPs, %d global",
		sum.Steps, sum.Elapsed, sum.Allocated, sum.LiveBytes, sum.Collector.CopyForwardPGCs,
		sum.Collector.MarkCompactPGCs, sum.Collector.GMPCycles, sum.Collector.GlobalCollections)

	return sum, nil
}

// Summary returns the current state of the simulation.
func (s *Simulator) Summary() Summary {
	return Summary{
		Steps:     s.steps,
		Elapsed:   s.clock.Now().Sub(s.start),
		Allocated: s.mutator.Allocated(),
		LiveBytes: s.model.LiveBytes(),
		Collector: s.gc.Stats(),
		Heap:      s.heap.Status(),
		Model:     s.model.Counters(),
	}
}

// Shutdown releases the memory of the simulated heap.
func (s *Simulator) Shutdown() error {
	return s.heap.Shutdown()
}

// simulatorError returns a formatted simulator-specific error.
func simulatorError(format string, args ...interface{}) error {
	return fmt.Errorf("simulator: "+format, args...)
}
