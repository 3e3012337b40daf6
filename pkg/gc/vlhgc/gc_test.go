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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/gc/region"
	"github.com/intel/gcsched/pkg/gc/scheduling"
)

const (
	MiB      = uint64(1) << 20
	heapBase = uint64(1) << 32
	regions  = 64
)

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

// fakeCollector implements all collaborators, recording the collection work done.
type fakeCollector struct {
	sync.Mutex
	calls []string
	clock *fakeClock

	free      uint64
	contexts  uint64
	remaining uint64
	threshold float64

	markPartial   scheduling.MarkStats
	markIncrement scheduling.MarkStats
	incrementsTo  int
	increments    int
	concurrent    func(target uint64, stop func() bool) uint64
	survivorBytes uint64
	copyForward   scheduling.CopyForwardStats
	overflowed    []int

	committed  []uint64
	resizeErr  error
	resizeCall int
}

func newFakeCollector(clock *fakeClock) *fakeCollector {
	return &fakeCollector{
		clock:         clock,
		free:          regions,
		contexts:      1,
		markPartial:   scheduling.MarkStats{BytesScanned: MiB, ScanTime: time.Second},
		markIncrement: scheduling.MarkStats{BytesScanned: MiB, ScanTime: time.Second},
		incrementsTo:  2,
	}
}

func (f *fakeCollector) record(format string, args ...interface{}) {
	f.Lock()
	defer f.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// takeCalls returns and forgets the recorded calls.
func (f *fakeCollector) takeCalls() []string {
	f.Lock()
	defer f.Unlock()
	calls := f.calls
	f.calls = nil
	return calls
}

func (f *fakeCollector) MarkPartial(context.Context) scheduling.MarkStats {
	f.record("MarkPartial")
	f.clock.Advance(10 * time.Millisecond)
	return f.markPartial
}

func (f *fakeCollector) StartGlobalMark(context.Context) {
	f.record("StartGlobalMark")
}

func (f *fakeCollector) MarkIncrement(_ context.Context, _ uint64, _ time.Time) (scheduling.MarkStats, bool) {
	f.record("MarkIncrement")
	f.clock.Advance(5 * time.Millisecond)
	f.increments++
	return f.markIncrement, f.increments >= f.incrementsTo
}

func (f *fakeCollector) MarkConcurrent(_ context.Context, target uint64, stop func() bool) uint64 {
	f.record("MarkConcurrent")
	if f.concurrent != nil {
		return f.concurrent(target, stop)
	}
	return target
}

func (f *fakeCollector) MarkGlobal(context.Context) scheduling.MarkStats {
	f.record("MarkGlobal")
	f.clock.Advance(50 * time.Millisecond)
	return scheduling.MarkStats{BytesScanned: 16 * MiB, ScanTime: time.Second}
}

func (f *fakeCollector) EstimateRequiredSurvivorBytes() uint64 {
	f.record("EstimateRequiredSurvivorBytes")
	return f.survivorBytes
}

func (f *fakeCollector) CopyForward(context.Context) scheduling.CopyForwardStats {
	f.record("CopyForward")
	f.clock.Advance(5 * time.Millisecond)
	return f.copyForward
}

func (f *fakeCollector) Compact(context.Context, uint64) int {
	f.record("Compact")
	return 1
}

func (f *fakeCollector) CompactAborted(context.Context) int {
	f.record("CompactAborted")
	return 1
}

func (f *fakeCollector) CompactAll(context.Context) {
	f.record("CompactAll")
}

func (f *fakeCollector) Sweep(context.Context)       { f.record("Sweep") }
func (f *fakeCollector) GlobalSweep(context.Context) { f.record("GlobalSweep") }
func (f *fakeCollector) AtomicSweep(context.Context) { f.record("AtomicSweep") }

func (f *fakeCollector) EstimateReclaimableRegions(float64) (uint64, uint64) {
	f.record("EstimateReclaimableRegions")
	return 0, 0
}

func (f *fakeCollector) OptimalEmptinessThreshold(float64, float64, float64, float64) float64 {
	f.record("OptimalEmptinessThreshold")
	return 0.25
}

func (f *fakeCollector) FreeRegionCount() uint64        { return f.free }
func (f *fakeCollector) AllocationContextCount() uint64 { return f.contexts }
func (f *fakeCollector) FlushAllocationContexts()       { f.record("FlushAllocationContexts") }

func (f *fakeCollector) SetBytesRemainingBeforeTaxation(bytes uint64) {
	f.remaining = bytes
}

func (f *fakeCollector) FlushIntoCardTable() { f.record("FlushIntoCardTable") }

func (f *fakeCollector) FlushBuffersForDecommittedRegions() {
	f.record("FlushBuffersForDecommittedRegions")
}

func (f *fakeCollector) SetShouldFlushBuffersForDecommittedRegions() {
	f.record("SetShouldFlushBuffersForDecommittedRegions")
}

func (f *fakeCollector) OverflowIfStableRegion(r *region.Descriptor) {
	f.overflowed = append(f.overflowed, r.Index())
}

func (f *fakeCollector) PrepareForGlobalCollect(gmpRunning bool) {
	f.record("PrepareForGlobalCollect(%v)", gmpRunning)
}

func (f *fakeCollector) SetUnusedRegionThreshold(threshold float64) {
	f.threshold = threshold
}

func (f *fakeCollector) Resize() (bool, error) {
	f.record("Resize")
	f.resizeCall++
	if f.resizeErr != nil {
		return false, f.resizeErr
	}
	return f.resizeCall < len(f.committed), nil
}

func (f *fakeCollector) CommittedSize() uint64 {
	idx := f.resizeCall
	if idx >= len(f.committed) {
		idx = len(f.committed) - 1
	}
	return f.committed[idx]
}

type fixture struct {
	g     *GC
	fake  *fakeCollector
	clock *fakeClock
	table *region.Table
}

func schedulingOptions() *scheduling.Options {
	o := scheduling.DefaultOptions()
	o.GCThreads = 1
	o.EdenMinimumBytes = resource.MustParse("8Mi")
	o.EdenMaximumBytes = resource.MustParse("8Mi")
	return o
}

// withGMP returns scheduling options starting GMP increments right away.
func withGMP(o *scheduling.Options) *scheduling.Options {
	o.AutomaticGMPIntermission = false
	o.GMPIntermission = 0
	return o
}

func newFixture(t *testing.T, schedOpts *scheduling.Options, opts *Options, resize bool) *fixture {
	t.Helper()

	table, err := region.NewTable(heapBase, regions*MiB, MiB)
	require.NoError(t, err)
	mgr := region.NewManager(table, nil, region.Options{MaxAge: schedOpts.RegionMaxAge})
	require.True(t, mgr.EnableRegionsInTable(region.Extent{Low: heapBase, High: heapBase + regions*MiB}))

	clock := &fakeClock{now: time.Unix(1600000000, 0)}
	fake := newFakeCollector(clock)

	env := Environment{
		Regions:         mgr,
		Marker:          fake,
		CopyForwarder:   fake,
		Compactor:       fake,
		Sweeper:         fake,
		Reclaimer:       fake,
		Allocation:      fake,
		RememberedSet:   fake,
		InitialHeapSize: regions * MiB,
		MaximumHeapSize: regions * MiB,
		Observer:        scheduling.NopObserver(),
		Clock:           clock.Now,
	}
	if resize {
		env.Resizer = fake
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	g, err := New(env, opts, schedOpts)
	require.NoError(t, err)

	return &fixture{g: g, fake: fake, clock: clock, table: table}
}

func (f *fixture) setRegion(idx int, state region.State, age uint, accurate bool) *region.Descriptor {
	r := f.table.Descriptor(idx)
	r.State = state
	r.Age = age
	r.RSCLAccurate = accurate
	r.FreeBytes = MiB / 2
	return r
}

func TestNew(t *testing.T) {
	f := newFixture(t, schedulingOptions(), nil, false)

	// 8 region Eden, the skipped GMP budget is folded into the first PGC
	require.Equal(t, 8*MiB, f.g.Threshold())
	require.Equal(t, 8*MiB, f.fake.remaining)
	require.Equal(t, 8*MiB, f.g.AllocatedSinceLastPGC())
	require.Equal(t, uint64(2), f.g.Delegate().TaxationIndex())
	require.Empty(t, f.fake.takeCalls())

	_, err := New(Environment{}, nil, nil)
	require.Error(t, err)

	opts := DefaultOptions()
	opts.PauseHistory = 0
	env := Environment{
		Regions:       f.g.regions,
		Marker:        f.fake,
		CopyForwarder: f.fake,
		Compactor:     f.fake,
		Sweeper:       f.fake,
		Reclaimer:     f.fake,
		Allocation:    f.fake,
		RememberedSet: f.fake,
	}
	_, err = New(env, opts, schedulingOptions())
	require.Error(t, err)

	invalid := schedulingOptions()
	invalid.GCThreads = 0
	_, err = New(env, nil, invalid)
	require.Error(t, err)
}

func TestMinimumTaxationThreshold(t *testing.T) {
	o := schedulingOptions()
	o.EdenMinimumBytes = resource.MustParse("1Mi")
	o.EdenMaximumBytes = resource.MustParse("1Mi")
	f := newFixture(t, o, nil, false)

	require.Equal(t, 2*MiB, f.g.Threshold())
	require.Equal(t, 2*MiB, f.fake.remaining)
}

func TestPartialCollectModes(t *testing.T) {
	f := newFixture(t, schedulingOptions(), nil, false)
	ctx := context.Background()

	markCompact := []string{
		"FlushAllocationContexts",
		"FlushIntoCardTable",
		"MarkPartial",
		"Sweep",
		"Compact",
		"EstimateReclaimableRegions",
	}

	// no scan rate yet, calibrate with mark-compact
	result := f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkPartialOnly, result.Work)
	require.Equal(t, scheduling.PGCPlan{CopyForward: false, Reason: scheduling.ReasonCalibration}, result.PGC)
	require.Equal(t, markCompact, f.fake.takeCalls())
	require.Equal(t, 10*time.Millisecond, result.Pause)
	require.Equal(t, 8*MiB, result.Threshold)
	require.Equal(t, 8*MiB, f.fake.remaining)

	result = f.g.TaxationEntryPoint(ctx)
	require.True(t, result.PGC.CopyForward)
	require.Equal(t, []string{
		"FlushAllocationContexts",
		"EstimateRequiredSurvivorBytes",
		"FlushIntoCardTable",
		"FlushBuffersForDecommittedRegions",
		"CopyForward",
		"EstimateReclaimableRegions",
	}, f.fake.takeCalls())

	// no free region for the single allocation context
	f.fake.free = 0
	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.PGCPlan{CopyForward: false, Reason: scheduling.ReasonInsufficientFree}, result.PGC)
	require.Equal(t, markCompact, f.fake.takeCalls())
	f.fake.free = regions

	// survivors don't fit in free memory, compact as well
	f.fake.survivorBytes = 2 * regions * MiB
	result = f.g.TaxationEntryPoint(ctx)
	require.True(t, result.PGC.CopyForward)
	require.Equal(t, []string{
		"FlushAllocationContexts",
		"EstimateRequiredSurvivorBytes",
		"FlushIntoCardTable",
		"FlushBuffersForDecommittedRegions",
		"CopyForward",
		"Compact",
		"EstimateReclaimableRegions",
	}, f.fake.takeCalls())
	f.fake.survivorBytes = 0

	// aborted copy-forward leaves regions to compact and sweep in place
	f.fake.copyForward = scheduling.CopyForwardStats{Aborted: true, BytesScanned: MiB}
	result = f.g.TaxationEntryPoint(ctx)
	require.True(t, result.PGC.CopyForward)
	require.Equal(t, []string{
		"FlushAllocationContexts",
		"EstimateRequiredSurvivorBytes",
		"FlushIntoCardTable",
		"FlushBuffersForDecommittedRegions",
		"CopyForward",
		"CompactAborted",
		"AtomicSweep",
		"EstimateReclaimableRegions",
	}, f.fake.takeCalls())

	s := f.g.Stats()
	require.Equal(t, uint64(5), s.TaxationPoints)
	require.Equal(t, uint64(3), s.CopyForwardPGCs)
	require.Equal(t, uint64(2), s.MarkCompactPGCs)
	require.Equal(t, uint64(1), s.AbortedCopyForwards)
	require.Equal(t, 5*time.Millisecond, s.LastPause)
	require.Equal(t, 10.0, s.PauseMax)
	require.Equal(t, uint64(5), f.g.Delegate().State().PGCCount)
}

func TestGlobalMarkPhase(t *testing.T) {
	f := newFixture(t, withGMP(schedulingOptions()), nil, false)
	ctx := context.Background()
	cycle := f.g.MarkCycle()

	// 1:1 schedule, the first point is a GMP increment with half the Eden budget
	require.Equal(t, 4*MiB, f.g.Threshold())
	require.False(t, f.g.ConcurrentWorkAvailable())

	result := f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkGlobalMarkOnly, result.Work)
	require.False(t, result.GMPCompleted)
	require.Equal(t, []string{"StartGlobalMark", "MarkIncrement"}, f.fake.takeCalls())
	require.True(t, cycle.Running())
	require.True(t, cycle.Processing())
	require.Equal(t, MiB, cycle.BytesScannedInGlobalMarkPhase())
	require.NotZero(t, cycle.BytesStillToScan())
	require.Equal(t, 8*MiB, f.g.AllocatedSinceLastPGC())

	// concurrent marking uses up the budget of the next increment
	budget := cycle.BytesStillToScan()
	require.True(t, f.g.ConcurrentWorkAvailable())
	require.Equal(t, budget, f.g.RunConcurrentMark(ctx))
	require.Zero(t, cycle.BytesStillToScan())
	require.False(t, f.g.ConcurrentWorkAvailable())
	require.Zero(t, f.g.RunConcurrentMark(ctx))
	require.Equal(t, budget, cycle.ConcurrentBytesScanned())
	require.Equal(t, []string{"MarkConcurrent"}, f.fake.takeCalls())

	// the increment already measured a scan rate, copy forward
	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkPartialOnly, result.Work)
	require.True(t, result.PGC.CopyForward)
	require.Equal(t, 4*MiB, f.g.AllocatedSinceLastPGC())
	f.fake.takeCalls()

	// nothing left to scan for this increment
	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkGlobalMarkOnly, result.Work)
	require.Empty(t, f.fake.takeCalls())
	require.NotZero(t, cycle.BytesStillToScan())
	require.Equal(t, uint64(1), f.g.Stats().GMPIncrements)

	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkPartialOnly, result.Work)
	f.fake.takeCalls()

	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkGlobalMarkOnly, result.Work)
	require.True(t, result.GMPCompleted)
	require.Equal(t, []string{"MarkIncrement"}, f.fake.takeCalls())
	require.False(t, cycle.Running())
	require.False(t, f.g.ConcurrentWorkAvailable())
	require.True(t, f.g.Delegate().GlobalSweepRequired())
	require.Equal(t, uint64(1), f.g.Delegate().State().GMPCount)

	// the first PGC after the GMP owes a global sweep
	result = f.g.TaxationEntryPoint(ctx)
	require.Equal(t, scheduling.WorkPartialOnly, result.Work)
	calls := f.fake.takeCalls()
	require.Contains(t, calls, "GlobalSweep")
	require.Contains(t, calls, "OptimalEmptinessThreshold")
	require.False(t, f.g.Delegate().GlobalSweepRequired())
	require.Equal(t, 0.25, f.g.Delegate().State().AutomaticDefragmentEmptinessThreshold)

	s := f.g.Stats()
	require.Equal(t, uint64(2), s.GMPIncrements)
	require.Equal(t, uint64(1), s.GMPCycles)
	require.Equal(t, budget, s.ConcurrentBytesScanned)
	require.False(t, s.GMPRunning)
}

func TestConcurrentMarkDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.ConcurrentGMP = false
	f := newFixture(t, withGMP(schedulingOptions()), opts, false)

	f.g.TaxationEntryPoint(context.Background())
	require.True(t, f.g.MarkCycle().Running())
	require.False(t, f.g.ConcurrentWorkAvailable())
	require.Zero(t, f.g.RunConcurrentMark(context.Background()))
}

func TestConcurrentMarkStops(t *testing.T) {
	type testCase struct {
		name string
		stop func(f *fixture, cancel context.CancelFunc)
	}

	for _, tc := range []testCase{
		{
			name: "pause",
			stop: func(f *fixture, _ context.CancelFunc) {
				result := f.g.TaxationEntryPoint(context.Background())
				require.Equal(t, scheduling.WorkPartialOnly, result.Work)
			},
		},
		{
			name: "forced",
			stop: func(f *fixture, _ context.CancelFunc) {
				f.g.ForceConcurrentFinish()
			},
		},
		{
			name: "cancelled",
			stop: func(_ *fixture, cancel context.CancelFunc) {
				cancel()
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, withGMP(schedulingOptions()), nil, false)
			f.g.TaxationEntryPoint(context.Background())

			started := make(chan struct{})
			f.fake.concurrent = func(_ uint64, stop func() bool) uint64 {
				close(started)
				for !stop() {
					time.Sleep(time.Millisecond)
				}
				return 42
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan uint64, 1)
			go func() {
				done <- f.g.RunConcurrentMark(ctx)
			}()

			<-started
			tc.stop(f, cancel)
			require.Equal(t, uint64(42), <-done)
			require.Equal(t, uint64(42), f.g.Stats().ConcurrentBytesScanned)
		})
	}
}

func TestRegionAging(t *testing.T) {
	o := schedulingOptions()
	o.RegionMaxAge = 3
	f := newFixture(t, o, nil, false)

	young := f.setRegion(0, region.StateObjects, 0, true)
	agingOut := f.setRegion(1, region.StateObjects, 2, true)
	old := f.setRegion(2, region.StateObjects, 3, true)
	leaf := f.setRegion(3, region.StateArrayletLeaf, 2, true)
	overflowed := f.setRegion(4, region.StateObjects, 2, false)
	free := f.table.Descriptor(5)

	f.g.incrementRegionAges(false)
	require.Equal(t, uint(0), young.Age)
	require.Equal(t, []int{2}, f.fake.overflowed)
	require.Zero(t, f.g.Delegate().State().CurrentMacroDefragmentationWork)

	f.fake.overflowed = nil
	f.g.incrementRegionAges(true)
	require.Equal(t, uint(1), young.Age)
	require.Equal(t, uint(3), agingOut.Age)
	require.Equal(t, uint(3), old.Age)
	require.Equal(t, uint(3), leaf.Age)
	require.Equal(t, uint(3), overflowed.Age)
	require.Equal(t, uint(0), free.Age)
	require.Equal(t, []int{1, 2, 4}, f.fake.overflowed)

	// only the accurate region which just aged out counts, half of it is live
	require.Equal(t, MiB/2, f.g.Delegate().State().CurrentMacroDefragmentationWork)
	require.Equal(t, f.g.Delegate().DefragmentEmptinessThreshold(), f.fake.threshold)
}

func TestGlobalGarbageCollection(t *testing.T) {
	o := schedulingOptions()
	o.RegionMaxAge = 3
	f := newFixture(t, withGMP(o), nil, false)
	ctx := context.Background()

	young := f.setRegion(0, region.StateObjects, 0, true)
	leaf := f.setRegion(1, region.StateArrayletLeaf, 1, true)
	free := f.table.Descriptor(2)

	// interrupt a running GMP cycle
	f.g.TaxationEntryPoint(ctx)
	require.True(t, f.g.MarkCycle().Running())
	f.fake.takeCalls()

	f.g.RunGlobalGarbageCollection(ctx)
	require.Equal(t, []string{
		"FlushAllocationContexts",
		"PrepareForGlobalCollect(true)",
		"MarkGlobal",
		"GlobalSweep",
		"CompactAll",
		"EstimateReclaimableRegions",
	}, f.fake.takeCalls())
	require.False(t, f.g.MarkCycle().Running())

	require.Equal(t, uint(3), young.Age)
	require.Equal(t, uint(3), leaf.Age)
	require.Equal(t, uint(0), free.Age)

	// the schedule restarts from the first GMP increment
	require.Equal(t, 4*MiB, f.g.Threshold())
	require.Equal(t, 4*MiB, f.g.AllocatedSinceLastPGC())
	require.Equal(t, uint64(1), f.g.Delegate().TaxationIndex())

	s := f.g.Stats()
	require.Equal(t, uint64(1), s.GlobalCollections)
	require.Equal(t, 50*time.Millisecond, s.LastPause)

	f.g.RunGlobalGarbageCollection(ctx)
	require.Contains(t, f.fake.takeCalls(), "PrepareForGlobalCollect(false)")
}

func TestHeapResize(t *testing.T) {
	type testCase struct {
		name      string
		committed []uint64
		disable   bool
		err       error
		expect    []string
		resizes   uint64
	}

	for _, tc := range []testCase{
		{
			name:      "contract",
			committed: []uint64{64 * MiB, 32 * MiB},
			expect:    []string{"Resize", "SetShouldFlushBuffersForDecommittedRegions"},
			resizes:   1,
		},
		{
			name:      "expand",
			committed: []uint64{32 * MiB, 64 * MiB},
			expect:    []string{"Resize"},
			resizes:   1,
		},
		{
			name:      "unchanged",
			committed: []uint64{64 * MiB},
			expect:    []string{"Resize"},
		},
		{
			name:      "failure",
			committed: []uint64{64 * MiB},
			err:       fmt.Errorf("no memory"),
			expect:    []string{"Resize"},
		},
		{
			name:      "disabled",
			committed: []uint64{64 * MiB, 32 * MiB},
			disable:   true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.ResizeHeap = !tc.disable
			f := newFixture(t, schedulingOptions(), opts, true)
			f.fake.committed = tc.committed
			f.fake.resizeErr = tc.err

			f.g.TaxationEntryPoint(context.Background())

			calls := []string{}
			for _, c := range f.fake.takeCalls() {
				if c == "Resize" || c == "SetShouldFlushBuffersForDecommittedRegions" {
					calls = append(calls, c)
				}
			}
			if tc.expect == nil {
				tc.expect = []string{}
			}
			require.Equal(t, tc.expect, calls)
			require.Equal(t, tc.resizes, f.g.Stats().HeapResizes)
		})
	}
}
