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
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
)

// MarkStats are the statistics of a single mark operation.
type MarkStats struct {
	// BytesScanned is the number of bytes scanned, including clean cards.
	BytesScanned uint64
	// ScanTime is the time all threads spent scanning, summed.
	ScanTime time.Duration
}

// CopyForwardStats are the statistics of a single copy-forward operation.
type CopyForwardStats struct {
	// EdenSurvivorRegionCount and NonEdenSurvivorRegionCount are the
	// survivor regions allocated for Eden and non-Eden survivors.
	EdenSurvivorRegionCount    uint64
	NonEdenSurvivorRegionCount uint64
	// ScanBytesEden and ScanBytesNonEden are the bytes left in place
	// because the copy-forward aborted.
	ScanBytesEden    uint64
	ScanBytesNonEden uint64
	// BytesCopied and BytesDiscarded are the copied and wasted bytes.
	BytesCopied    uint64
	BytesDiscarded uint64
	// BytesScanned is the number of bytes scanned in place.
	BytesScanned uint64
	// BytesCompacted is the number of bytes compacted instead of copied.
	BytesCompacted uint64
	// SurvivorSetRegionCount is the number of survivor regions used.
	SurvivorSetRegionCount uint64
	// Duration is the time spent copying forward.
	Duration time.Duration
	// ReferenceClearingTime is the part of Duration spent clearing references.
	ReferenceClearingTime time.Duration
	// Aborted is true if the copy-forward ran out of survivor space.
	Aborted bool
}

// PGCReport is the outcome of a partial collection.
type PGCReport struct {
	// CopyForward tells if the PGC copied forward.
	CopyForward bool
	// CopyForwardStats are valid for copy-forward PGCs.
	CopyForwardStats CopyForwardStats
	// Mark is valid for mark-compact PGCs.
	Mark MarkStats
	// ReclaimableRegions is the estimated number of reclaimable regions, including free ones.
	ReclaimableRegions uint64
	// DefragmentReclaimableRegions is the same counting defragmentation targets only.
	DefragmentReclaimableRegions uint64
}

// GMPCycleStats are the statistics of a completed global mark phase.
type GMPCycleStats struct {
	// IncrementalScanTime is the thread-summed scan time of all increments.
	IncrementalScanTime time.Duration
	// ConcurrentBytesScanned is the number of bytes scanned concurrently.
	ConcurrentBytesScanned uint64
}

// PartialGarbageCollectStarted records the start of a PGC.
func (d *Delegate) PartialGarbageCollectStarted() {
	d.pgcStart = d.currentTime()
}

// PartialGarbageCollectCompleted updates the model with the outcome of a PGC.
func (d *Delegate) PartialGarbageCollectCompleted(report PGCReport) {
	s := &d.state
	s.GlobalSweepRequired = false
	s.LastPGCCopyForward = report.CopyForward
	edenBefore := s.EdenRegionCount

	if report.CopyForward {
		cf := &report.CopyForwardStats
		rs := d.regionSize()
		edenSurvivors := cf.EdenSurvivorRegionCount + ceilDiv(cf.ScanBytesEden, rs)
		nonEdenSurvivors := cf.NonEdenSurvivorRegionCount + ceilDiv(cf.ScanBytesNonEden, rs)

		// Eden might have been empty if compaction found no free regions for it
		if edenBefore != 0 {
			d.updateSurvivalRates(float64(edenSurvivors)/float64(edenBefore), nonEdenSurvivors)
		}
		if cf.Aborted && s.RemainingGMPIntermission == 0 {
			s.DisableCopyForwardDuringGMP = true
		}
	} else {
		d.measureScanRate(report.Mark, scanRateWeightPGC)
	}

	d.measureConsumption(report.ReclaimableRegions, report.DefragmentReclaimableRegions)
	d.calculateAutomaticGMPIntermission()

	end := d.currentTime()
	pauseMs, pauseOk := uint64(0), false
	if !d.pgcStart.IsZero() {
		pauseMs, pauseOk = d.plausibleMillis("PGC time", end.Sub(d.pgcStart))
	}
	if pauseOk && d.opts.DynamicEden {
		intervalMs, intervalOk := uint64(0), false
		if !d.pgcEnd.IsZero() {
			intervalMs, intervalOk = d.plausibleMillis("PGC interval", end.Sub(d.pgcEnd))
		}
		d.updateEdenStats(edenBefore, pauseMs, intervalMs, intervalOk)
		d.adjustIdealEden()
	}
	d.calculateEdenSize()
	d.estimateMacroDefragmentationWork()

	if pauseOk {
		d.calculateGlobalMarkIncrementTime(pauseMs)
	}
	d.pgcStart = time.Time{}
	d.pgcEnd = end
	s.PGCCount++

	d.publish()
}

// CopyForwardCompleted updates copy-forward efficiency and survivor estimates.
func (d *Delegate) CopyForwardCompleted(cf CopyForwardStats) {
	s := &d.state
	rs := d.regionSize()

	s.AvgCopyForwardBytesCopied = ewma(s.AvgCopyForwardBytesCopied, float64(cf.BytesCopied), copyForwardWeight)
	s.AvgCopyForwardBytesDiscarded = ewma(s.AvgCopyForwardBytesDiscarded, float64(cf.BytesDiscarded), copyForwardWeight)

	// regions which would have been needed to complete without aborting
	failedEvacuate := ceilDiv(cf.BytesScanned, rs)
	compactSurvivors := ceilDiv(cf.BytesCompacted, rs)
	survivorSet := cf.SurvivorSetRegionCount + failedEvacuate + compactSurvivors

	s.AvgSurvivorSetRegionCount = ewma(s.AvgSurvivorSetRegionCount, float64(survivorSet), copyForwardWeight)
	s.AvgCopyForwardRate = ewma(s.AvgCopyForwardRate, copyForwardRate(cf), copyForwardWeight)

	d.Debug("copy-forward: copied %d, discarded %d, survivor set %d (avg %.2f), rate %.2f B/us",
		cf.BytesCopied, cf.BytesDiscarded, survivorSet, s.AvgSurvivorSetRegionCount, s.AvgCopyForwardRate)
	d.publish()
}

// copyForwardRate returns the copy-forward rate in bytes per microsecond.
func copyForwardRate(cf CopyForwardStats) float64 {
	total := cf.Duration.Microseconds()
	clearing := cf.ReferenceClearingTime.Microseconds()
	switch {
	case total > clearing:
		return float64(cf.BytesCopied) / float64(total-clearing)
	case total > 0:
		return float64(cf.BytesCopied) / float64(total)
	}
	// sub-microsecond, use the copied bytes as an underestimate
	return float64(cf.BytesCopied)
}

// GlobalMarkIncrementCompleted updates the scan rate from a GMP increment.
func (d *Delegate) GlobalMarkIncrementCompleted(mark MarkStats) {
	d.measureScanRate(mark, scanRateWeightGMP)
	d.publish()
}

// GlobalMarkPhaseCompleted resets the GMP related state once a GMP cycle finishes.
func (d *Delegate) GlobalMarkPhaseCompleted(cycle GMPCycleStats) {
	s := &d.state
	s.LiveSetBytesBeforeGlobalSweep = s.LiveSetBytesAfterPartialCollect
	s.RemainingGMPIntermission = d.opts.initialGMPIntermission()
	s.PreviousReclaimableRegions = 0
	s.GMPCompletedSinceLastReclaim = true
	s.GlobalSweepRequired = true
	s.DisableCopyForwardDuringGMP = false
	s.GMPCount++

	d.updateGMPStats(cycle)
	d.observer.IntermissionUpdated(s.RemainingGMPIntermission)
	d.publish()
}

// GlobalGarbageCollectCompleted updates the model after a global collection.
func (d *Delegate) GlobalGarbageCollectCompleted(reclaimableRegions, defragmentReclaimableRegions uint64) {
	s := &d.state
	s.PreviousReclaimableRegions = reclaimableRegions
	s.PreviousDefragmentReclaimableRegions = defragmentReclaimableRegions
	// the heap is fully compacted, nothing left for PGCs to do
	s.BytesCompactedToFreeBytesRatio = 0
	s.GlobalSweepRequired = false
	s.DisableCopyForwardDuringGMP = false
	d.sampleEden = true
	d.publish()
}

// RecalculateRatesOnFirstPGCAfterGMP refreshes the rates depending on a
// fresh global mark, once per GMP cycle.
func (d *Delegate) RecalculateRatesOnFirstPGCAfterGMP() {
	s := &d.state
	if !s.GMPCompletedSinceLastReclaim {
		return
	}
	d.calculatePGCCompactionRate(s.EdenRegionCount * d.regionSize())
	d.calculateHeapOccupancyTrend()
	d.calculateScannableBytesRatio()
	s.GMPCompletedSinceLastReclaim = false
	d.sampleEden = true
	d.publish()
}

// UpdateCurrentMacroDefragmentationWork accounts the defragmentation work of
// a region which just aged into the oldest age group.
func (d *Delegate) UpdateCurrentMacroDefragmentationWork(r *region.Descriptor) {
	s := &d.state
	free := r.FreeBytes + r.DarkMatterBytes
	live := saturatingSub(d.regionSize(), free)
	discarded := uint64(float64(live) * d.discardedPerCopiedByte())
	recoverable := saturatingSub(free, discarded)
	if recoverable < live {
		s.CurrentMacroDefragmentationWork += recoverable
	} else {
		s.CurrentMacroDefragmentationWork += live
	}
}

// SetAutomaticDefragmentEmptinessThreshold sets the tuned defragmentation threshold.
func (d *Delegate) SetAutomaticDefragmentEmptinessThreshold(threshold float64) {
	d.state.AutomaticDefragmentEmptinessThreshold = clampFloat(threshold, 0, 1)
}

// measureScanRate folds the scan rate of a mark operation into the model.
func (d *Delegate) measureScanRate(mark MarkStats, weight float64) {
	sr := &d.state.ScanRate
	if mark.BytesScanned == 0 {
		return
	}
	if mark.ScanTime < 0 {
		d.plausibleMillis("scan time", mark.ScanTime)
		return
	}

	bytes := float64(mark.BytesScanned)
	micros := float64(mark.ScanTime.Microseconds())
	if sr.HistoricalBytesScanned != 0 {
		sr.HistoricalBytesScanned = ewma(sr.HistoricalBytesScanned, bytes, weight)
		sr.HistoricalScanMicros = ewma(sr.HistoricalScanMicros, micros, weight)
	} else {
		sr.HistoricalBytesScanned = bytes
		sr.HistoricalScanMicros = micros
	}
	if sr.HistoricalBytesScanned != 0 {
		sr.MicrosPerByte = sr.HistoricalScanMicros / sr.HistoricalBytesScanned
	}

	d.Debug("scan rate: %d bytes in %v, %.6f us/byte", mark.BytesScanned, mark.ScanTime, sr.MicrosPerByte)
}

// updateSurvivalRates folds in the survival rate of a copy-forward PGC.
func (d *Delegate) updateSurvivalRates(edenSurvivalRate float64, nonEdenSurvivors uint64) {
	s := &d.state
	s.EdenSurvivalRate = ewma(s.EdenSurvivalRate, edenSurvivalRate, survivalRateWeight)
	s.NonEdenSurvivorCount = uint64(ewma(float64(s.NonEdenSurvivorCount), float64(nonEdenSurvivors), survivalRateWeight))
}

// measureConsumption updates the region consumption rates. The reclaimable
// estimates are invalid right after a GMP, in which case only the new
// estimates are recorded.
func (d *Delegate) measureConsumption(reclaimable, defragmentReclaimable uint64) {
	s := &d.state
	if s.PreviousReclaimableRegions != 0 {
		consumed := float64(s.PreviousReclaimableRegions) - float64(reclaimable)
		s.RegionConsumptionRate = ewma(s.RegionConsumptionRate, consumed, consumptionWeight)
	}
	s.PreviousReclaimableRegions = reclaimable

	if s.PreviousDefragmentReclaimableRegions != 0 {
		consumed := float64(s.PreviousDefragmentReclaimableRegions) - float64(defragmentReclaimable)
		s.DefragmentRegionConsumptionRate = ewma(s.DefragmentRegionConsumptionRate, consumed, consumptionWeight)
	}
	s.PreviousDefragmentReclaimableRegions = defragmentReclaimable
}

// estimateMacroDefragmentationWork folds the accumulated backlog into its average.
func (d *Delegate) estimateMacroDefragmentationWork() {
	s := &d.state
	s.AvgMacroDefragmentationWork = ewma(s.AvgMacroDefragmentationWork,
		float64(s.CurrentMacroDefragmentationWork), macroDefragWeight)
	s.CurrentMacroDefragmentationWork = 0
}

// calculateGlobalMarkIncrementTime derives the dynamic GMP increment time from PGC times.
func (d *Delegate) calculateGlobalMarkIncrementTime(pgcMillis uint64) {
	s := &d.state
	if s.HistoricalPGCTimeMillis == 0 {
		s.HistoricalPGCTimeMillis = pgcMillis
	} else {
		s.HistoricalPGCTimeMillis = uint64(ewma(float64(s.HistoricalPGCTimeMillis), float64(pgcMillis), pgcTimeWeight))
	}
	// use a third of the average to keep mutator utilization up, and at least 1 ms
	s.DynamicGMPIncrementTimeMillis = s.HistoricalPGCTimeMillis / 3
	if s.DynamicGMPIncrementTimeMillis < 1 {
		s.DynamicGMPIncrementTimeMillis = 1
	}
}

// updateGMPStats folds the cost of a completed GMP cycle into its averages.
func (d *Delegate) updateGMPStats(cycle GMPCycleStats) {
	s := &d.state
	scanTime := float64(cycle.IncrementalScanTime.Microseconds()) / float64(d.opts.GCThreads)
	if scanTime < 0 {
		d.plausibleMillis("GMP scan time", cycle.IncrementalScanTime)
		scanTime = s.HistoricIncrementalScanTimePerGMP
	}
	s.HistoricIncrementalScanTimePerGMP = ewma(s.HistoricIncrementalScanTimePerGMP, scanTime, gmpScanTimeWeight)
	s.HistoricBytesScannedConcurrentlyPerGMP = ewma(s.HistoricBytesScannedConcurrentlyPerGMP,
		float64(cycle.ConcurrentBytesScanned), concurrentBytesWeight)
}

// ScanTimeCostPerGMP returns the expected cost of a GMP in microseconds.
func (d *Delegate) ScanTimeCostPerGMP() float64 {
	s := &d.state
	cost := s.HistoricIncrementalScanTimePerGMP
	if rate := s.ScanRate.MicrosPerByte / float64(d.opts.GCThreads); rate > 0 {
		cost += d.opts.ConcurrentMarkingCostWeight * s.HistoricBytesScannedConcurrentlyPerGMP * rate
	}
	return cost
}

// discardedPerCopiedByte returns the average copy-forward waste ratio.
func (d *Delegate) discardedPerCopiedByte() float64 {
	s := &d.state
	if s.AvgCopyForwardBytesCopied > 0 {
		return s.AvgCopyForwardBytesDiscarded / s.AvgCopyForwardBytesCopied
	}
	return 0
}

// AverageEmptinessOfCopyForwardedRegions returns the wasted fraction of copy-forward destinations.
func (d *Delegate) AverageEmptinessOfCopyForwardedRegions() float64 {
	s := &d.state
	total := s.AvgCopyForwardBytesCopied + s.AvgCopyForwardBytesDiscarded
	if total > 0 {
		return s.AvgCopyForwardBytesDiscarded / total
	}
	return 0
}

// DefragmentEmptinessThreshold returns the emptiness above which regions are
// worth defragmenting.
func (d *Delegate) DefragmentEmptinessThreshold() float64 {
	if d.opts.DefragmentEmptinessThreshold != 0 {
		return d.opts.DefragmentEmptinessThreshold
	}
	return math.Max(d.state.AutomaticDefragmentEmptinessThreshold, d.AverageEmptinessOfCopyForwardedRegions())
}
