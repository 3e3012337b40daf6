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
	"math"
)

const (
	maxUint64 = math.MaxUint64
	maxUint32 = math.MaxUint32

	// historic weights of the various moving averages
	scanRateWeightGMP       = 0.50
	scanRateWeightPGC       = 0.95
	pgcTimeWeight           = 0.80
	consumptionWeight       = 0.80
	macroDefragWeight       = 0.80
	copyForwardWeight       = 0.70
	survivalRateWeight      = 0.50
	gmpScanTimeWeight       = 0.50
	concurrentBytesWeight   = 0.50
	initialSurvivorSetRatio = 0.30

	// initial GMP increment duration before any PGC has been timed
	initialGMPIncrementMillis = 50
)

// State is the complete adaptive state of a Delegate. Each Delegate owns
// exactly one State, which is only mutated by the Delegate itself.
type State struct {
	// TaxationIndex is the number of taxation points computed so far.
	TaxationIndex uint64
	// RemainingGMPIntermission is the number of GMP increments still to skip.
	RemainingGMPIntermission uint64
	// NextIncrementWillDoPGC and NextIncrementWillDoGMP are the pending work.
	NextIncrementWillDoPGC bool
	NextIncrementWillDoGMP bool

	// NextPGCShouldCopyForward toggles between copy-forward and mark-compact.
	NextPGCShouldCopyForward bool
	// LastPGCCopyForward tells if the latest PGC was planned as copy-forward.
	LastPGCCopyForward bool
	// DisableCopyForwardDuringGMP is set by an aborted copy-forward.
	DisableCopyForwardDuringGMP bool
	// GlobalSweepRequired is set after a GMP until the next PGC sweeps.
	GlobalSweepRequired bool
	// GMPCompletedSinceLastReclaim is set until the first PGC after a GMP.
	GMPCompletedSinceLastReclaim bool

	// EdenRegionCount is the current Eden size.
	EdenRegionCount uint64
	// IdealEdenRegionCount is the upper bound for the Eden size.
	IdealEdenRegionCount uint64
	// MinimumEdenRegionCount is the lower bound for the Eden size.
	MinimumEdenRegionCount uint64

	// ScanRate is the measured marking rate.
	ScanRate ScanRate

	// EdenSurvivalRate is the fraction of Eden surviving copy-forward.
	EdenSurvivalRate float64
	// NonEdenSurvivorCount is the average number of non-Eden survivor regions.
	NonEdenSurvivorCount uint64
	// AvgSurvivorSetRegionCount is the average survivor set size in regions.
	AvgSurvivorSetRegionCount float64
	// AvgCopyForwardBytesCopied and AvgCopyForwardBytesDiscarded track copy-forward efficiency.
	AvgCopyForwardBytesCopied    float64
	AvgCopyForwardBytesDiscarded float64
	// AvgCopyForwardRate is the average copy-forward rate in bytes per microsecond.
	AvgCopyForwardRate float64

	// RegionConsumptionRate is the average number of regions consumed per PGC.
	RegionConsumptionRate float64
	// DefragmentRegionConsumptionRate is the same for defragmentation reclaimable regions.
	DefragmentRegionConsumptionRate float64
	// PreviousReclaimableRegions is the latest reclaimable region estimate, 0 if invalid.
	PreviousReclaimableRegions uint64
	// PreviousDefragmentReclaimableRegions is the latest defragmentation reclaimable estimate.
	PreviousDefragmentReclaimableRegions uint64

	// Live set estimates used for predicting GMP work.
	LiveSetBytesAfterPartialCollect      uint64
	LiveSetBytesBeforeGlobalSweep        uint64
	LiveSetBytesAfterGlobalSweep         uint64
	PreviousLiveSetBytesAfterGlobalSweep uint64
	// HeapOccupancyTrend is the live set growth ratio between global sweeps.
	HeapOccupancyTrend float64
	// ScannableBytesRatio is the fraction of live bytes needing scanning.
	ScannableBytesRatio float64

	// BytesCompactedToFreeBytesRatio is the compaction cost of recovering a free byte.
	BytesCompactedToFreeBytesRatio float64
	// AvgMacroDefragmentationWork is the average macro-defragmentation backlog per PGC.
	AvgMacroDefragmentationWork float64
	// CurrentMacroDefragmentationWork is the backlog accumulated since the last PGC.
	CurrentMacroDefragmentationWork uint64
	// KickoffHeadroomBytes is the free memory kept in reserve for GMP kickoff.
	KickoffHeadroomBytes uint64
	// AutomaticDefragmentEmptinessThreshold is the externally tuned emptiness threshold.
	AutomaticDefragmentEmptinessThreshold float64

	// HistoricalPGCTimeMillis is the average PGC duration, 0 until primed.
	HistoricalPGCTimeMillis uint64
	// DynamicGMPIncrementTimeMillis is the GMP increment duration derived from PGC times.
	DynamicGMPIncrementTimeMillis uint64
	// HistoricIncrementalScanTimePerGMP is the average per-thread GMP scan time in microseconds.
	HistoricIncrementalScanTimePerGMP float64
	// HistoricBytesScannedConcurrentlyPerGMP is the average concurrently scanned bytes per GMP.
	HistoricBytesScannedConcurrentlyPerGMP float64

	// PGCCount and GMPCount are the number of completed PGCs and GMPs.
	PGCCount uint64
	GMPCount uint64
	// DiscardedSamples is the number of implausible timing samples dropped.
	DiscardedSamples uint64

	// Eden carries the statistics of dynamic Eden sizing.
	Eden EdenStats
}

// ScanRate is the exponentially weighted marking rate.
type ScanRate struct {
	// HistoricalBytesScanned is the average bytes scanned per mark.
	HistoricalBytesScanned float64
	// HistoricalScanMicros is the average thread-summed scan time per mark.
	HistoricalScanMicros float64
	// MicrosPerByte is the derived scan cost, 0 until first measured.
	MicrosPerByte float64
}

// EdenStats are the measurements driving dynamic Eden sizing.
type EdenStats struct {
	// PGCIntervalMillis is the smoothed time between the ends of two PGCs.
	PGCIntervalMillis float64
	// PGCPauseMillis is the smoothed PGC pause time.
	PGCPauseMillis float64
	// PGCOverhead is the smoothed fraction of time spent in PGC pauses.
	PGCOverhead float64
	// PGCsSinceSample is the number of PGCs since Eden deltas were last sampled.
	PGCsSinceSample uint64
	// LastDelta is the most recent adjustment to the ideal Eden size.
	LastDelta int64
	// Curve models the PGC pause time as a function of Eden size in GB.
	Curve CurveFit
	// Configured tells if the ideal Eden bounds have been set up.
	Configured bool
	// MinIdealRegionCount and MaxIdealRegionCount bound IdealEdenRegionCount.
	MinIdealRegionCount uint64
	MaxIdealRegionCount uint64
}

// newState returns the initial state of a delegate.
func newState() State {
	return State{
		EdenSurvivalRate:              1.0,
		HeapOccupancyTrend:            1.0,
		ScannableBytesRatio:           1.0,
		AvgCopyForwardRate:            1.0,
		DynamicGMPIncrementTimeMillis: initialGMPIncrementMillis,
		NextPGCShouldCopyForward:      true,
	}
}

// ewma folds a new sample into a historic average with the given historic weight.
func ewma(historic, sample, weight float64) float64 {
	return historic*weight + sample*(1.0-weight)
}

// saturatingSub returns a - b, or 0 if b > a.
func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// saturatingUint64 converts a float to an unsigned integer, saturating on overflow.
func saturatingUint64(f float64) uint64 {
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= float64(maxUint64):
		return maxUint64
	}
	return uint64(f)
}

// ceilDiv returns ceil(a / b).
func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clampUint64(v, min, max uint64) uint64 {
	if v > max {
		v = max
	}
	if v < min {
		v = min
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
