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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/gc/region"
)

const (
	MiB      = uint64(1) << 20
	heapBase = uint64(1) << 32
)

type fakeAllocation struct {
	free     uint64
	contexts uint64
}

func (a *fakeAllocation) FreeRegionCount() uint64        { return a.free }
func (a *fakeAllocation) AllocationContextCount() uint64 { return a.contexts }

type fakeMark struct {
	scanned uint64
}

func (m *fakeMark) BytesScannedInGlobalMarkPhase() uint64 { return m.scanned }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recorder is an Observer remembering what it was told
type recorder struct {
	nopObserver
	discarded []string
	plans     []PGCPlan
	works     []IncrementWork
}

func (r *recorder) SampleDiscarded(what string, _ time.Duration) {
	r.discarded = append(r.discarded, what)
}

func (r *recorder) PGCTypeDecision(plan PGCPlan) {
	r.plans = append(r.plans, plan)
}

func (r *recorder) TaxationDecision(_, _ uint64, work IncrementWork, _ uint64) {
	r.works = append(r.works, work)
}

type heapSetup struct {
	tableRegions   uint64
	enabledRegions uint64
	initialRegions uint64
	maximumRegions uint64
}

type fixture struct {
	d     *Delegate
	table *region.Table
	mgr   *region.Manager
	alloc *fakeAllocation
	mark  *fakeMark
	clock *fakeClock
	obs   *recorder
}

func simpleHeap(regions uint64) heapSetup {
	return heapSetup{
		tableRegions:   regions,
		enabledRegions: regions,
		initialRegions: regions,
		maximumRegions: regions,
	}
}

func testOptions(edenMin, edenMax string) *Options {
	o := DefaultOptions()
	o.GCThreads = 1
	o.EdenMinimumBytes = resource.MustParse(edenMin)
	o.EdenMaximumBytes = resource.MustParse(edenMax)
	return o
}

func newFixture(t *testing.T, h heapSetup, opts *Options) *fixture {
	t.Helper()

	table, err := region.NewTable(heapBase, h.tableRegions*MiB, MiB)
	require.NoError(t, err)
	mgr := region.NewManager(table, nil, region.Options{MaxAge: opts.RegionMaxAge})
	require.True(t, mgr.EnableRegionsInTable(region.Extent{
		Low:  heapBase,
		High: heapBase + h.enabledRegions*MiB,
	}))

	f := &fixture{
		table: table,
		mgr:   mgr,
		alloc: &fakeAllocation{free: h.enabledRegions, contexts: 1},
		mark:  &fakeMark{},
		clock: &fakeClock{now: time.Unix(1600000000, 0)},
		obs:   &recorder{},
	}

	f.d, err = NewDelegate(Environment{
		Regions:         mgr,
		Allocation:      f.alloc,
		GlobalMark:      f.mark,
		InitialHeapSize: h.initialRegions * MiB,
		MaximumHeapSize: h.maximumRegions * MiB,
		Observer:        f.obs,
		Clock:           f.clock.Now,
	}, opts)
	require.NoError(t, err)
	f.d.HeapReconfigured()

	return f
}

// runPGC runs a PGC of the given duration through the delegate.
func (f *fixture) runPGC(pause time.Duration, report PGCReport) {
	f.d.PartialGarbageCollectStarted()
	f.clock.Advance(pause)
	f.d.PartialGarbageCollectCompleted(report)
}

// scanRateOne returns mark statistics for a scan rate of 1 us/byte.
func scanRateOne() MarkStats {
	return MarkStats{BytesScanned: 1 << 20, ScanTime: (1 << 20) * time.Microsecond}
}

func TestNewDelegate(t *testing.T) {
	table, err := region.NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	mgr := region.NewManager(table, nil, region.Options{MaxAge: 24})

	_, err = NewDelegate(Environment{Regions: mgr}, DefaultOptions())
	require.Error(t, err, "missing collaborators")

	bad := DefaultOptions()
	bad.PGCToGMPNumerator = 2
	bad.PGCToGMPDenominator = 3
	_, err = NewDelegate(Environment{
		Regions:    mgr,
		Allocation: &fakeAllocation{},
		GlobalMark: &fakeMark{},
	}, bad)
	require.Error(t, err, "invalid ratio")

	_, err = NewDelegate(Environment{
		Regions:         mgr,
		Allocation:      &fakeAllocation{},
		GlobalMark:      &fakeMark{},
		InitialHeapSize: 16 * MiB,
		MaximumHeapSize: 8 * MiB,
	}, DefaultOptions())
	require.Error(t, err, "maximum below initial heap size")
}

func TestTaxationOneToFour(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.PGCToGMPDenominator = 4
	opts.AutomaticGMPIntermission = false
	opts.GMPIntermission = 0
	f := newFixture(t, simpleHeap(100), opts)

	require.Equal(t, uint64(20), f.d.EdenRegionCount())

	works := []IncrementWork{}
	thresholds := []uint64{}

	thresholds = append(thresholds, f.d.GetInitialTaxationThreshold())
	works = append(works, f.d.GetIncrementWork())
	for i := 0; i < 8; i++ {
		thresholds = append(thresholds, f.d.GetNextTaxationThreshold())
		works = append(works, f.d.GetIncrementWork())
	}

	G, P := WorkGlobalMarkOnly, WorkPartialOnly
	require.Equal(t, []IncrementWork{G, G, G, G, P, G, G, G, G}, works)
	for _, threshold := range thresholds {
		require.Equal(t, 4*MiB, threshold)
	}
	require.Equal(t, uint64(9), f.d.TaxationIndex())
	require.Equal(t, works, f.obs.works)
}

func TestTaxationSequences(t *testing.T) {
	type step struct {
		work      IncrementWork
		threshold uint64
		index     uint64
	}
	type testCase struct {
		name         string
		numerator    uint
		denominator  uint
		incremental  bool
		intermission uint64
		steps        []step
	}

	G, P := WorkGlobalMarkOnly, WorkPartialOnly

	for _, tc := range []testCase{
		{
			name:        "3:1, GMP half way between PGCs",
			numerator:   3,
			denominator: 1,
			incremental: true,
			steps: []step{
				{G, 10 * MiB, 1},
				{P, 10 * MiB, 2},
				{P, 20 * MiB, 3},
				{P, 20 * MiB, 4},
				{G, 10 * MiB, 5},
				{P, 10 * MiB, 6},
			},
		},
		{
			name:        "1:3, PGC on every fourth point",
			numerator:   1,
			denominator: 3,
			incremental: true,
			steps: []step{
				{G, 5 * MiB, 1},
				{G, 5 * MiB, 2},
				{G, 5 * MiB, 3},
				{P, 5 * MiB, 4},
				{G, 5 * MiB, 5},
				{G, 5 * MiB, 6},
				{G, 5 * MiB, 7},
				{P, 5 * MiB, 8},
			},
		},
		{
			name:        "incremental GMP disabled",
			numerator:   1,
			denominator: 4,
			steps: []step{
				{P, 20 * MiB, 1},
				{P, 20 * MiB, 2},
				{P, 20 * MiB, 3},
			},
		},
		{
			name:         "1:1 with intermission folded into PGCs",
			numerator:    1,
			denominator:  1,
			incremental:  true,
			intermission: 2,
			steps: []step{
				{P, 20 * MiB, 2},
				{P, 20 * MiB, 4},
				{G, 10 * MiB, 5},
				{P, 10 * MiB, 6},
				{G, 10 * MiB, 7},
			},
		},
		{
			name:         "1:2 with intermission",
			numerator:    1,
			denominator:  2,
			incremental:  true,
			intermission: 1,
			steps: []step{
				// two thirds of Eden rounded down to region size
				{G, 13 * MiB, 2},
				{P, 6 * MiB, 3},
				{G, 6 * MiB, 4},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions("20Mi", "20Mi")
			opts.PGCToGMPNumerator = tc.numerator
			opts.PGCToGMPDenominator = tc.denominator
			opts.EnableIncrementalGMP = tc.incremental
			opts.AutomaticGMPIntermission = false
			opts.GMPIntermission = tc.intermission
			f := newFixture(t, simpleHeap(100), opts)

			for i, s := range tc.steps {
				var threshold uint64
				if i == 0 {
					threshold = f.d.GetInitialTaxationThreshold()
				} else {
					threshold = f.d.GetNextTaxationThreshold()
				}
				require.Equal(t, s.threshold, threshold, "threshold of step #%d", i)
				require.Equal(t, s.index, f.d.TaxationIndex(), "index after step #%d", i)
				require.Equal(t, s.work, f.d.GetIncrementWork(), "work of step #%d", i)
				require.Equal(t, WorkNone, f.d.GetIncrementWork(), "invalidated work of step #%d", i)
			}
		})
	}
}

func TestTaxationThresholdMinimum(t *testing.T) {
	opts := testOptions("1Mi", "1Mi")
	opts.PGCToGMPDenominator = 4
	f := newFixture(t, simpleHeap(16), opts)

	require.Equal(t, uint64(1), f.d.EdenRegionCount())
	require.Equal(t, MiB, f.d.GetInitialTaxationThreshold())
	require.Equal(t, MiB, f.d.GetNextTaxationThreshold())
}

func TestInitialSurvivorSetEstimate(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))
	f.d.GetInitialTaxationThreshold()
	require.InDelta(t, 6.0, f.d.State().AvgSurvivorSetRegionCount, 1e-9)
	require.Equal(t, uint64(6), f.d.SurvivorSetRegionEstimate())
}

func TestPGCTypeCalibration(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))

	plan := f.d.DeterminePGCType()
	require.False(t, plan.CopyForward)
	require.Equal(t, ReasonCalibration, plan.Reason)

	plan = f.d.DeterminePGCType()
	require.False(t, plan.CopyForward, "still no scan rate")
	require.Equal(t, ReasonCalibration, plan.Reason)

	f.runPGC(10*time.Millisecond, PGCReport{Mark: scanRateOne()})
	require.InDelta(t, 1.0, f.d.State().ScanRate.MicrosPerByte, 1e-9)

	for i := 0; i < 3; i++ {
		plan = f.d.DeterminePGCType()
		require.True(t, plan.CopyForward, "copy-forward only after calibration")
		require.Equal(t, ReasonNone, plan.Reason)
	}
}

func TestCopyForwardAbort(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.PGCShouldMarkCompact = true
	opts.AutomaticGMPIntermission = false
	opts.GMPIntermission = 0
	f := newFixture(t, simpleHeap(100), opts)
	f.d.GetInitialTaxationThreshold()
	f.d.GlobalMarkIncrementCompleted(scanRateOne())

	// mode alternates once calibrated
	require.True(t, f.d.DeterminePGCType().CopyForward)
	require.False(t, f.d.DeterminePGCType().CopyForward)
	require.True(t, f.d.DeterminePGCType().CopyForward)

	cf := CopyForwardStats{
		EdenSurvivorRegionCount: 4,
		ScanBytesEden:           MiB + 1,
		BytesCopied:             8 * MiB,
		BytesDiscarded:          MiB,
		BytesScanned:            2 * MiB,
		SurvivorSetRegionCount:  6,
		Duration:                10 * time.Millisecond,
		Aborted:                 true,
	}
	f.d.CopyForwardCompleted(cf)
	f.runPGC(20*time.Millisecond, PGCReport{CopyForward: true, CopyForwardStats: cf})

	s := f.d.State()
	require.True(t, s.DisableCopyForwardDuringGMP)
	// 4 survivor regions + 2 for the bytes left behind out of 20 Eden regions
	require.InDelta(t, 0.5*1.0+0.5*0.3, s.EdenSurvivalRate, 1e-9)
	// 6 + 2 regions for the failed evacuation, averaged with the initial 6
	require.InDelta(t, 0.7*6+0.3*8, s.AvgSurvivorSetRegionCount, 1e-9)

	// mark-compact is forced until the GMP completes
	for i := 0; i < 2; i++ {
		plan := f.d.DeterminePGCType()
		require.False(t, plan.CopyForward)
		require.Equal(t, ReasonRecentAbort, plan.Reason)
	}

	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{IncrementalScanTime: 40 * time.Millisecond})
	require.False(t, f.d.State().DisableCopyForwardDuringGMP)
	require.True(t, f.d.GlobalSweepRequired())
	require.True(t, f.d.DeterminePGCType().CopyForward)
}

func TestCopyForwardAbortDuringIntermission(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.AutomaticGMPIntermission = false
	opts.GMPIntermission = 5
	f := newFixture(t, simpleHeap(100), opts)
	f.d.GetInitialTaxationThreshold()
	f.d.GlobalMarkIncrementCompleted(scanRateOne())

	require.True(t, f.d.DeterminePGCType().CopyForward)
	f.runPGC(20*time.Millisecond, PGCReport{
		CopyForward:      true,
		CopyForwardStats: CopyForwardStats{Aborted: true},
	})
	require.False(t, f.d.State().DisableCopyForwardDuringGMP)
}

func TestScanRateConvergence(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))

	f.d.GlobalMarkIncrementCompleted(MarkStats{BytesScanned: 1000000, ScanTime: 10 * time.Millisecond})
	require.InDelta(t, 0.01, f.d.State().ScanRate.MicrosPerByte, 1e-12, "first sample taken as is")

	f.d.GlobalMarkIncrementCompleted(MarkStats{})
	require.InDelta(t, 0.01, f.d.State().ScanRate.MicrosPerByte, 1e-12, "empty sample ignored")

	for i := 0; i < 30; i++ {
		f.d.GlobalMarkIncrementCompleted(MarkStats{BytesScanned: 1000000, ScanTime: 20 * time.Millisecond})
		require.Greater(t, f.d.State().ScanRate.MicrosPerByte, 0.0)
	}
	require.InDelta(t, 0.02, f.d.State().ScanRate.MicrosPerByte, 1e-6)

	// PGC samples carry much less weight than GMP ones
	f.runPGC(time.Millisecond, PGCReport{Mark: MarkStats{BytesScanned: 1000000, ScanTime: 40 * time.Millisecond}})
	require.InDelta(t, 0.021, f.d.State().ScanRate.MicrosPerByte, 1e-6)
}

func TestPGCTimeAndClockSkew(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))

	require.Equal(t, uint64(initialGMPIncrementMillis), f.d.State().DynamicGMPIncrementTimeMillis)

	// clock stepping backwards during a PGC
	f.d.PartialGarbageCollectStarted()
	f.clock.Advance(-time.Second)
	f.d.PartialGarbageCollectCompleted(PGCReport{})

	s := f.d.State()
	require.Equal(t, uint64(1), s.DiscardedSamples)
	require.Equal(t, []string{"PGC time"}, f.obs.discarded)
	require.Equal(t, uint64(0), s.HistoricalPGCTimeMillis)
	require.Equal(t, uint64(initialGMPIncrementMillis), s.DynamicGMPIncrementTimeMillis)

	// clock leaping forward beyond 32 bits of milliseconds
	f.d.PartialGarbageCollectStarted()
	f.clock.Advance(time.Duration(maxUint32+1) * time.Millisecond)
	f.d.PartialGarbageCollectCompleted(PGCReport{})
	require.Equal(t, uint64(2), f.d.State().DiscardedSamples)

	f.runPGC(30*time.Millisecond, PGCReport{})
	s = f.d.State()
	require.Equal(t, uint64(30), s.HistoricalPGCTimeMillis, "first sample primes the average")
	require.Equal(t, uint64(10), s.DynamicGMPIncrementTimeMillis)

	f.runPGC(60*time.Millisecond, PGCReport{})
	s = f.d.State()
	require.Equal(t, uint64(36), s.HistoricalPGCTimeMillis)
	require.Equal(t, uint64(12), s.DynamicGMPIncrementTimeMillis)

	f.runPGC(0, PGCReport{})
	require.Equal(t, uint64(9), f.d.State().DynamicGMPIncrementTimeMillis)
	for i := 0; i < 40; i++ {
		f.runPGC(0, PGCReport{})
	}
	require.Equal(t, uint64(1), f.d.State().DynamicGMPIncrementTimeMillis, "never below 1 ms")
	require.Equal(t, uint64(45), f.d.State().PGCCount)
}

func TestAutomaticGMPIntermission(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.DynamicEden = false
	opts.KickoffHeadroomBytes = resource.MustParse("5Mi")
	f := newFixture(t, simpleHeap(100), opts)

	f.d.GetInitialTaxationThreshold()
	require.Equal(t, uint64(maxUint64-1), f.d.RemainingGMPIntermission(), "first GMP increment skipped")
	require.Equal(t, 5*MiB, f.d.KickoffHeadroomBytes())

	// no consumption measured yet
	f.runPGC(10*time.Millisecond, PGCReport{ReclaimableRegions: 80, DefragmentReclaimableRegions: 80})
	require.Equal(t, uint64(maxUint64), f.d.EstimatePartialGCsRemaining())
	require.Equal(t, uint64(maxUint64-1), f.d.RemainingGMPIntermission())

	// 2 regions consumed per PGC: (70 - 20) / 2 = 25 PGCs left, one
	// increment needed and 5 / 2 rounded up to 3 increments of kickoff
	// headroom, away from an integer boundary so EWMA rounding can't flip it
	f.runPGC(10*time.Millisecond, PGCReport{ReclaimableRegions: 70, DefragmentReclaimableRegions: 70})
	require.InDelta(t, 2.0, f.d.State().RegionConsumptionRate, 1e-9)
	require.Equal(t, uint64(25), f.d.EstimatePartialGCsRemaining())
	require.Equal(t, uint64(3), f.d.globalMarkIncrementHeadroom())
	require.Equal(t, uint64(25-1-3), f.d.RemainingGMPIntermission())

	// running out of reclaimable memory, the intermission saturates at zero
	f.runPGC(10*time.Millisecond, PGCReport{ReclaimableRegions: 21, DefragmentReclaimableRegions: 21})
	require.Equal(t, uint64(0), f.d.EstimatePartialGCsRemaining())
	require.Equal(t, uint64(0), f.d.RemainingGMPIntermission())
	require.Equal(t, uint64(maxUint64), f.d.CurrentGlobalMarkIncrementTimeMillis(),
		"finish the GMP in one increment when about to run out of memory")

	// once reached, zero is not recalculated until the GMP completes
	f.runPGC(10*time.Millisecond, PGCReport{ReclaimableRegions: 90, DefragmentReclaimableRegions: 90})
	require.Equal(t, uint64(0), f.d.RemainingGMPIntermission())
	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{})
	require.Equal(t, uint64(maxUint64), f.d.RemainingGMPIntermission())
}

func TestGMPIncrementWork(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.GCThreads = 2
	f := newFixture(t, simpleHeap(100), opts)

	require.Equal(t, uint64(maxUint64), f.d.BytesToScanInNextGMPIncrement(), "no scan rate yet")

	f.d.GlobalMarkIncrementCompleted(scanRateOne())
	// 50 ms at 1 us/byte on 2 threads, below the 4Mi minimum target
	require.Equal(t, uint64(4*MiB), f.d.BytesToScanInNextGMPIncrement())

	opts.MinimumGMPWorkTarget = resource.MustParse("1Ki")
	require.Equal(t, uint64(100000), f.d.BytesToScanInNextGMPIncrement())

	opts.GlobalMarkIncrementTime = config.Duration(10 * time.Millisecond)
	require.Equal(t, uint64(10), f.d.CurrentGlobalMarkIncrementTimeMillis())
	require.Equal(t, uint64(20000), f.d.BytesToScanInNextGMPIncrement())
}

func TestGMPStats(t *testing.T) {
	opts := testOptions("20Mi", "20Mi")
	opts.GCThreads = 4
	f := newFixture(t, simpleHeap(100), opts)
	f.d.GlobalMarkIncrementCompleted(scanRateOne())

	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{
		IncrementalScanTime:    400 * time.Millisecond,
		ConcurrentBytesScanned: 8000,
	})
	s := f.d.State()
	require.InDelta(t, 50000.0, s.HistoricIncrementalScanTimePerGMP, 1e-9)
	require.InDelta(t, 4000.0, s.HistoricBytesScannedConcurrentlyPerGMP, 1e-9)
	require.Equal(t, uint64(1), s.GMPCount)
	require.True(t, f.d.IsFirstPGCAfterGMP())
	// incremental cost plus weighted concurrent cost at 1/4 us/byte per thread
	require.InDelta(t, 50000.0+0.05*4000*0.25, f.d.ScanTimeCostPerGMP(), 1e-9)
}

func TestRatesOnFirstPGCAfterGMP(t *testing.T) {
	opts := testOptions("2Mi", "2Mi")
	opts.DefragmentEmptinessThreshold = 0.4
	f := newFixture(t, simpleHeap(10), opts)
	f.alloc.free = 6
	f.d.HeapReconfigured()
	require.Equal(t, uint64(2), f.d.EdenRegionCount())

	setup := []struct {
		free        uint64
		inaccurate  bool
		scannable   uint64
		unscannable uint64
		defragment  bool
	}{
		{free: 3 * MiB / 4, scannable: 100, unscannable: 300, defragment: true},
		{free: MiB / 10},
		{free: 9 * MiB / 10, inaccurate: true},
		{free: MiB / 2, defragment: true},
	}
	for i, s := range setup {
		r := f.table.Descriptor(i)
		r.State = region.StateObjects
		r.Age = 1
		r.FreeBytes = s.free
		r.RSCLAccurate = !s.inaccurate
		r.ScannableBytes = s.scannable
		r.NonScannableBytes = s.unscannable
		r.Defragment = !s.defragment
	}

	f.d.RecalculateRatesOnFirstPGCAfterGMP()
	require.Equal(t, 1.0, f.d.State().ScannableBytesRatio, "no GMP completed yet")

	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{})
	f.d.RecalculateRatesOnFirstPGCAfterGMP()
	require.False(t, f.d.IsFirstPGCAfterGMP())

	for i, s := range setup {
		require.Equal(t, s.defragment, f.table.Descriptor(i).Defragment, "region #%d", i)
	}

	st := f.d.State()
	require.InDelta(t, 0.25, st.ScannableBytesRatio, 1e-9)
	// 2% of 1.25 MiB defragmented + 6 free regions - 2 Eden regions
	require.Equal(t, uint64(110100), st.KickoffHeadroomBytes)
	require.InDelta(t, float64(3*MiB/4)/float64(5505024-110100), st.BytesCompactedToFreeBytesRatio, 1e-9)

	// no consumption yet, so no compaction work either
	require.Equal(t, uint64(0), f.d.DesiredCompactWork())

	f.d.GlobalGarbageCollectCompleted(8, 6)
	st = f.d.State()
	require.Equal(t, 0.0, st.BytesCompactedToFreeBytesRatio)
	require.False(t, st.GlobalSweepRequired)
	require.Equal(t, uint64(8), st.PreviousReclaimableRegions)
}

func TestHeapOccupancyTrend(t *testing.T) {
	f := newFixture(t, simpleHeap(10), testOptions("2Mi", "2Mi"))
	f.alloc.free = 8

	setLive := func(regions int) {
		for i := 0; i < 10; i++ {
			r := f.table.Descriptor(i)
			r.Recycle(MiB)
			if i < regions {
				r.State = region.StateObjects
				r.FreeBytes = 0
			}
		}
	}

	setLive(2)
	f.runPGC(time.Millisecond, PGCReport{})
	require.Equal(t, 2*MiB, f.d.State().LiveSetBytesAfterPartialCollect)
	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{})
	f.d.RecalculateRatesOnFirstPGCAfterGMP()
	require.Equal(t, 1.0, f.d.State().HeapOccupancyTrend)

	// live set grows to 6 regions, a GMP starts, the sweep trims it to 4
	setLive(6)
	f.runPGC(time.Millisecond, PGCReport{})
	f.d.GlobalMarkPhaseCompleted(GMPCycleStats{})
	setLive(4)
	f.runPGC(time.Millisecond, PGCReport{})
	f.d.RecalculateRatesOnFirstPGCAfterGMP()

	s := f.d.State()
	require.Equal(t, 6*MiB, s.LiveSetBytesBeforeGlobalSweep)
	require.Equal(t, 4*MiB, s.LiveSetBytesAfterGlobalSweep)
	require.InDelta(t, 0.5, s.HeapOccupancyTrend, 1e-9)
	require.InDelta(t, float64(4*MiB), f.d.estimatedGlobalBytesToScan(), 1e-6)
}

func TestMacroDefragmentationWork(t *testing.T) {
	f := newFixture(t, simpleHeap(10), testOptions("2Mi", "2Mi"))

	r := f.table.Descriptor(0)
	r.State = region.StateObjects
	r.FreeBytes = MiB / 4
	f.d.UpdateCurrentMacroDefragmentationWork(r)
	r.FreeBytes = 3 * MiB / 4
	f.d.UpdateCurrentMacroDefragmentationWork(r)
	require.Equal(t, MiB/2, f.d.State().CurrentMacroDefragmentationWork)

	f.runPGC(time.Millisecond, PGCReport{})
	s := f.d.State()
	require.Equal(t, uint64(0), s.CurrentMacroDefragmentationWork)
	require.InDelta(t, 0.2*float64(MiB/2), s.AvgMacroDefragmentationWork, 1e-9)
	require.Equal(t, uint64(104857), f.d.DesiredCompactWork())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))
	f.d.GetInitialTaxationThreshold()

	s := f.d.Snapshot()
	require.Equal(t, uint64(20), s.EdenRegionCount)
	require.Equal(t, uint64(2), s.TaxationIndex, "first GMP increment skipped")

	f.d.GetIncrementWork()
	require.Equal(t, s.TaxationIndex, f.d.Snapshot().TaxationIndex)
}
