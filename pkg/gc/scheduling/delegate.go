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

package scheduling

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
	logger "github.com/intel/gcsched/pkg/log"
)

// AllocationStatus provides the allocation state the delegate relies on.
type AllocationStatus interface {
	// FreeRegionCount returns the number of free regions.
	FreeRegionCount() uint64
	// AllocationContextCount returns the number of NUMA allocation contexts.
	AllocationContextCount() uint64
}

// GlobalMarkProgress reports on the progress of the active global mark phase.
type GlobalMarkProgress interface {
	// BytesScannedInGlobalMarkPhase returns the bytes scanned so far by the GMP.
	BytesScannedInGlobalMarkPhase() uint64
}

// Environment provides the collaborators of a Delegate.
type Environment struct {
	// Regions is the heap region manager.
	Regions *region.Manager
	// Allocation provides free region and allocation context counts.
	Allocation AllocationStatus
	// GlobalMark provides the progress of the active GMP.
	GlobalMark GlobalMarkProgress
	// InitialHeapSize and MaximumHeapSize are the configured heap bounds.
	InitialHeapSize uint64
	MaximumHeapSize uint64
	// Observer is notified about scheduling decisions, nil for none.
	Observer Observer
	// Clock returns the current time, nil for time.Now.
	Clock func() time.Time
}

// IncrementWork is the work to perform at the next taxation point.
type IncrementWork int

const (
	// WorkNone means nothing is scheduled.
	WorkNone IncrementWork = iota
	// WorkPartialOnly runs a partial garbage collection.
	WorkPartialOnly
	// WorkGlobalMarkOnly runs a global mark phase increment.
	WorkGlobalMarkOnly
	// WorkBoth runs a partial collection then a global mark phase increment.
	WorkBoth
)

func (w IncrementWork) String() string {
	switch w {
	case WorkNone:
		return "none"
	case WorkPartialOnly:
		return "PGC"
	case WorkGlobalMarkOnly:
		return "GMP"
	case WorkBoth:
		return "PGC+GMP"
	}
	return fmt.Sprintf("<work %d>", int(w))
}

// DoesPartial returns true if the work includes a partial collection.
func (w IncrementWork) DoesPartial() bool {
	return w == WorkPartialOnly || w == WorkBoth
}

// DoesGlobalMark returns true if the work includes a global mark increment.
func (w IncrementWork) DoesGlobalMark() bool {
	return w == WorkGlobalMarkOnly || w == WorkBoth
}

func makeIncrementWork(pgc, gmp bool) IncrementWork {
	switch {
	case pgc && gmp:
		return WorkBoth
	case pgc:
		return WorkPartialOnly
	case gmp:
		return WorkGlobalMarkOnly
	}
	return WorkNone
}

// PGCReason is the reason a PGC runs in mark-compact mode.
type PGCReason int

const (
	// ReasonNone means no particular reason, the mode alternation chose it.
	ReasonNone PGCReason = iota
	// ReasonCalibration means no scan rate has been measured yet.
	ReasonCalibration
	// ReasonRecentAbort means a copy-forward aborted during the current GMP.
	ReasonRecentAbort
	// ReasonInsufficientFree means there were too few free regions to copy-forward.
	ReasonInsufficientFree
)

func (r PGCReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCalibration:
		return "calibration"
	case ReasonRecentAbort:
		return "recent-abort"
	case ReasonInsufficientFree:
		return "insufficient-free"
	}
	return fmt.Sprintf("<reason %d>", int(r))
}

// PGCPlan is the collection mode chosen for a PGC.
type PGCPlan struct {
	// CopyForward is true for copy-forward, false for mark-compact.
	CopyForward bool
	// Reason is why mark-compact was forced, if it was.
	Reason PGCReason
}

func (p PGCPlan) String() string {
	if p.CopyForward {
		return "copy-forward"
	}
	if p.Reason == ReasonNone {
		return "mark-compact"
	}
	return "mark-compact (" + p.Reason.String() + ")"
}

// Delegate decides when to run PGCs and GMP increments and how large Eden is.
// A Delegate is driven by a single goroutine and is not safe for concurrent
// use, except for Snapshot which can be called from any goroutine.
type Delegate struct {
	sync.Mutex // protects published
	logger.Logger

	opts      *Options
	regions   *region.Manager
	table     *region.Table
	alloc     AllocationStatus
	gmp       GlobalMarkProgress
	observer  Observer
	clock     func() time.Time
	initHeap  uint64
	maxHeap   uint64
	state     State
	published State

	pgcStart   time.Time // start of the ongoing PGC
	pgcEnd     time.Time // end of the previous PGC
	sampleEden bool      // sample Eden deltas after this PGC
}

// our logger instance
var log = logger.NewLogger("scheduling")

// NewDelegate creates a scheduling delegate.
func NewDelegate(env Environment, opts *Options) (*Delegate, error) {
	if env.Regions == nil || env.Allocation == nil || env.GlobalMark == nil {
		return nil, schedulingError("incomplete environment, missing collaborators")
	}
	if opts == nil {
		opts = GetOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, schedulingError("invalid options: %w", err)
	}
	if env.MaximumHeapSize < env.InitialHeapSize {
		return nil, schedulingError("maximum heap size %d below initial size %d",
			env.MaximumHeapSize, env.InitialHeapSize)
	}

	d := &Delegate{
		Logger:   log,
		opts:     opts,
		regions:  env.Regions,
		table:    env.Regions.Table(),
		alloc:    env.Allocation,
		gmp:      env.GlobalMark,
		observer: env.Observer,
		clock:    env.Clock,
		initHeap: env.InitialHeapSize,
		maxHeap:  env.MaximumHeapSize,
		state:    newState(),
	}
	if d.observer == nil {
		d.observer = NopObserver()
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	d.state.RemainingGMPIntermission = opts.initialGMPIntermission()
	if forced := opts.KickoffHeadroomBytes.Value(); forced > 0 {
		d.state.KickoffHeadroomBytes = uint64(forced)
	}
	d.publish()

	return d, nil
}

// Options returns the options the delegate was created with.
func (d *Delegate) Options() *Options {
	return d.opts
}

// State returns a copy of the current state. It must only be called from
// the goroutine driving the delegate.
func (d *Delegate) State() State {
	return d.state
}

// Snapshot returns a copy of the state as it was after the latest
// completed decision or callback. It is safe for concurrent use.
func (d *Delegate) Snapshot() State {
	d.Lock()
	defer d.Unlock()
	return d.published
}

// publish makes the current state visible to Snapshot.
func (d *Delegate) publish() {
	d.Lock()
	defer d.Unlock()
	d.published = d.state
}

func (d *Delegate) regionSize() uint64 {
	return d.table.RegionSize()
}

// GetInitialTaxationThreshold resets the taxation schedule and returns the first threshold.
func (d *Delegate) GetInitialTaxationThreshold() uint64 {
	s := &d.state
	s.NextIncrementWillDoGMP = false
	s.NextIncrementWillDoPGC = false
	s.TaxationIndex = 0
	s.RemainingGMPIntermission = d.opts.initialGMPIntermission()
	d.calculateEdenSize()

	s.AvgSurvivorSetRegionCount = initialSurvivorSetRatio * float64(s.EdenRegionCount)

	return d.GetNextTaxationThreshold()
}

// nextTaxationThresholdInternal computes the work and budget of the next taxation point.
func (d *Delegate) nextTaxationThresholdInternal() uint64 {
	s := &d.state
	threshold := s.EdenRegionCount * d.regionSize()
	idx := s.TaxationIndex

	switch {
	case !d.opts.EnableIncrementalGMP:
		s.NextIncrementWillDoPGC = true

	case d.opts.PGCToGMPNumerator == 1:
		// 1:n, every (n+1)th point is a PGC, the rest are GMP increments:
		// --GMP--GMP--GMP--GMP--PGC--GMP--GMP--GMP--GMP--PGC--
		n := uint64(d.opts.PGCToGMPDenominator)
		if (idx+1)%(n+1) == 0 {
			s.NextIncrementWillDoPGC = true
		} else {
			s.NextIncrementWillDoGMP = true
		}
		threshold /= n + 1

	default:
		// n:1, every (n+1)th point is a GMP increment half way between two PGCs:
		// ------PGC------PGC---GMP---PGC------PGC---GMP---PGC------
		n := uint64(d.opts.PGCToGMPNumerator)
		switch {
		case idx%(n+1) == 0:
			s.NextIncrementWillDoGMP = true
			threshold /= 2
		case idx > 0 && (idx-1)%(n+1) == 0:
			s.NextIncrementWillDoPGC = true
			threshold /= 2
		default:
			s.NextIncrementWillDoPGC = true
		}
	}

	s.TaxationIndex++

	return threshold
}

// GetNextTaxationThreshold returns the number of bytes to allocate before the
// next taxation point and records the work to be done there.
func (d *Delegate) GetNextTaxationThreshold() uint64 {
	s := &d.state
	s.NextIncrementWillDoPGC = false
	s.NextIncrementWillDoGMP = false

	index := s.TaxationIndex
	threshold := uint64(0)

	// fold the budget of skipped GMP increments into the next taxation point
	for !s.NextIncrementWillDoGMP && !s.NextIncrementWillDoPGC {
		threshold += d.nextTaxationThresholdInternal()
		if s.RemainingGMPIntermission > 0 && s.NextIncrementWillDoGMP {
			s.RemainingGMPIntermission--
			s.NextIncrementWillDoGMP = false
		}
	}

	rs := d.regionSize()
	threshold = (threshold / rs) * rs
	if threshold < rs {
		threshold = rs
	}

	work := makeIncrementWork(s.NextIncrementWillDoPGC, s.NextIncrementWillDoGMP)
	d.observer.TaxationDecision(index, s.TaxationIndex, work, threshold)
	d.publish()

	return threshold
}

// GetIncrementWork returns the work for the taxation point just reached and
// invalidates it.
func (d *Delegate) GetIncrementWork() IncrementWork {
	s := &d.state
	work := makeIncrementWork(s.NextIncrementWillDoPGC, s.NextIncrementWillDoGMP)
	s.NextIncrementWillDoPGC = false
	s.NextIncrementWillDoGMP = false
	return work
}

// TaxationIndex returns the current taxation index.
func (d *Delegate) TaxationIndex() uint64 {
	return d.state.TaxationIndex
}

// RemainingGMPIntermission returns the number of GMP increments still to be skipped.
func (d *Delegate) RemainingGMPIntermission() uint64 {
	return d.state.RemainingGMPIntermission
}

// DeterminePGCType decides whether the next PGC copies forward or compacts.
func (d *Delegate) DeterminePGCType() PGCPlan {
	s := &d.state
	reason := ReasonNone

	if s.ScanRate.MicrosPerByte == 0 {
		reason = ReasonCalibration
		s.NextPGCShouldCopyForward = false
	}
	if s.DisableCopyForwardDuringGMP {
		reason = ReasonRecentAbort
		s.NextPGCShouldCopyForward = false
	}

	plan := PGCPlan{CopyForward: s.NextPGCShouldCopyForward, Reason: reason}
	if plan.CopyForward {
		plan.Reason = ReasonNone
	}
	s.LastPGCCopyForward = plan.CopyForward

	switch {
	case s.NextPGCShouldCopyForward && d.opts.PGCShouldMarkCompact:
		s.NextPGCShouldCopyForward = false
	case !s.NextPGCShouldCopyForward && d.opts.PGCShouldCopyForward:
		s.NextPGCShouldCopyForward = true
	}

	d.observer.PGCTypeDecision(plan)
	d.publish()

	return plan
}

// OverridePGCType records that the orchestrator ran the PGC differently than planned.
func (d *Delegate) OverridePGCType(plan PGCPlan) {
	d.state.LastPGCCopyForward = plan.CopyForward
	d.observer.PGCTypeDecision(plan)
}

// GlobalSweepRequired returns true if the next PGC owes a global sweep.
func (d *Delegate) GlobalSweepRequired() bool {
	return d.state.GlobalSweepRequired
}

// IsFirstPGCAfterGMP returns true if no PGC has completed since the last GMP.
func (d *Delegate) IsFirstPGCAfterGMP() bool {
	return d.state.GMPCompletedSinceLastReclaim
}

// EdenRegionCount returns the current Eden size in regions.
func (d *Delegate) EdenRegionCount() uint64 {
	return d.state.EdenRegionCount
}

// EdenSizeBytes returns the current Eden size in bytes.
func (d *Delegate) EdenSizeBytes() uint64 {
	return d.state.EdenRegionCount * d.regionSize()
}

// IdealEdenRegionCount returns the ideal Eden size in regions.
func (d *Delegate) IdealEdenRegionCount() uint64 {
	return d.state.IdealEdenRegionCount
}

// MinimumEdenRegionCount returns the minimum Eden size in regions.
func (d *Delegate) MinimumEdenRegionCount() uint64 {
	return d.state.MinimumEdenRegionCount
}

// currentTime returns the current time of the injected clock.
func (d *Delegate) currentTime() time.Time {
	return d.clock()
}

// plausibleMillis checks a measured duration, returning it in milliseconds.
// Negative durations and ones not fitting 32 bits of milliseconds are
// considered the result of clock adjustments and are discarded.
func (d *Delegate) plausibleMillis(what string, delta time.Duration) (uint64, bool) {
	ms := delta.Milliseconds()
	if delta < 0 || ms > maxUint32 {
		d.state.DiscardedSamples++
		d.observer.SampleDiscarded(what, delta)
		return 0, false
	}
	return uint64(ms), true
}

// schedulingError returns a formatted scheduling-specific error.
func schedulingError(format string, args ...interface{}) error {
	return fmt.Errorf("scheduling: "+format, args...)
}

// bytesToGB converts bytes to GB, for curve fitting pause times.
func bytesToGB(bytes uint64) float64 {
	return float64(bytes) / float64(1<<30)
}

// roundInt64 rounds a float to the nearest int64.
func roundInt64(f float64) int64 {
	return int64(math.Round(f))
}
