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

	"github.com/intel/gcsched/pkg/gc/region"
)

// EstimatePartialGCsRemaining estimates how many PGCs can run before the
// heap runs out of reclaimable memory. It returns math.MaxUint64 while no
// positive consumption has been measured.
func (d *Delegate) EstimatePartialGCsRemaining() uint64 {
	s := &d.state
	if s.RegionConsumptionRate <= 0 {
		return maxUint64
	}

	eden := float64(s.IdealEdenRegionCount)
	defragReclaimable := float64(s.PreviousDefragmentReclaimableRegions)

	if s.LastPGCCopyForward {
		// copy-forward relies on its compact work recovering all reclaimable regions
		survivors := s.AvgSurvivorSetRegionCount
		free := float64(d.alloc.FreeRegionCount())
		recoverable := math.Max(0, defragReclaimable-free)
		if free+recoverable > eden+survivors {
			return saturatingUint64((free + recoverable - eden - survivors) / s.RegionConsumptionRate)
		}
		return 0
	}

	// mark-compact is driven by the free region goal, it counts on reclaimable regions
	if defragReclaimable > eden {
		return saturatingUint64((defragReclaimable - eden) / s.RegionConsumptionRate)
	}
	return 0
}

// updateLiveBytesAfterPartialCollect measures an upper bound of the live set.
func (d *Delegate) updateLiveBytesAfterPartialCollect() {
	rs := d.regionSize()
	live := uint64(0)
	it := d.table.Regions()
	for r := it.Next(); r != nil; r = it.Next() {
		switch {
		case r.ContainsObjects():
			live += saturatingSub(rs, r.FreeBytes+r.DarkMatterBytes)
		case r.IsArrayletLeaf():
			live += rs
		}
	}
	d.state.LiveSetBytesAfterPartialCollect = live
}

// estimatedGlobalBytesToScan estimates the bytes a full GMP needs to scan.
func (d *Delegate) estimatedGlobalBytesToScan() float64 {
	s := &d.state
	// never extrapolate a negative trend
	trend := math.Max(0, s.HeapOccupancyTrend)
	afterPGC := float64(s.LiveSetBytesAfterPartialCollect)
	delta := math.Max(0, afterPGC-float64(s.LiveSetBytesAfterGlobalSweep))
	adjusted := afterPGC - delta*(1.0-trend)
	return adjusted * s.ScannableBytesRatio
}

// estimateGlobalMarkIncrements estimates the GMP increments needed to scan
// the given bytes, including one for the final phase.
func (d *Delegate) estimateGlobalMarkIncrements(bytesToScan float64) uint64 {
	scanMillis := bytesToScan * d.state.ScanRate.MicrosPerByte / float64(d.opts.GCThreads) / 1000.0
	incrementMillis := d.CurrentGlobalMarkIncrementTimeMillis()
	increments := saturatingUint64(math.Ceil(scanMillis / float64(incrementMillis)))
	if increments < maxUint64 {
		increments++
	}
	return increments
}

// BytesToScanInNextGMPIncrement returns the scan work target of the next GMP increment.
func (d *Delegate) BytesToScanInNextGMPIncrement() uint64 {
	millis := d.CurrentGlobalMarkIncrementTimeMillis()
	target := uint64(maxUint64)
	if rate := d.state.ScanRate.MicrosPerByte; rate > 0 {
		target = saturatingUint64(float64(millis) * 1000.0 / rate * float64(d.opts.GCThreads))
	}
	if min := uint64(d.opts.MinimumGMPWorkTarget.Value()); target < min {
		target = min
	}
	return target
}

// CurrentGlobalMarkIncrementTimeMillis returns the duration of the next GMP increment.
func (d *Delegate) CurrentGlobalMarkIncrementTimeMillis() uint64 {
	if configured := d.opts.GlobalMarkIncrementTime.Std().Milliseconds(); configured > 0 {
		return uint64(configured)
	}

	remaining := d.EstimatePartialGCsRemaining()
	if remaining == 0 {
		// we'll run out of memory soon, finish the GMP in this increment
		return maxUint64
	}

	desired := d.state.DynamicGMPIncrementTimeMillis
	minimum := saturatingUint64(d.estimateRemainingMillisToScan() / float64(remaining))
	if minimum > desired {
		return minimum
	}
	return desired
}

// estimateRemainingMillisToScan estimates the scan time the active GMP still needs.
func (d *Delegate) estimateRemainingMillisToScan() float64 {
	expected := saturatingUint64(d.estimatedGlobalBytesToScan())
	remaining := saturatingSub(expected, d.gmp.BytesScannedInGlobalMarkPhase())
	return float64(remaining) * d.state.ScanRate.MicrosPerByte / float64(d.opts.GCThreads) / 1000.0
}

// globalMarkIncrementHeadroom returns the GMP increments corresponding to the kickoff headroom.
func (d *Delegate) globalMarkIncrementHeadroom() uint64 {
	s := &d.state
	if s.RegionConsumptionRate <= 0 {
		return 0
	}
	regions := float64(s.KickoffHeadroomBytes) / float64(d.regionSize())
	pgcs := regions / s.RegionConsumptionRate
	increments := pgcs * float64(d.opts.PGCToGMPDenominator) / float64(d.opts.PGCToGMPNumerator)
	return saturatingUint64(math.Ceil(increments))
}

// calculateAutomaticGMPIntermission recalculates how many GMP increments to
// skip so that the GMP completes just before reclaimable memory runs out.
func (d *Delegate) calculateAutomaticGMPIntermission() {
	s := &d.state
	pgcsRemaining := d.EstimatePartialGCsRemaining()
	d.updateLiveBytesAfterPartialCollect()

	if !d.opts.AutomaticGMPIntermission || s.RemainingGMPIntermission == 0 {
		return
	}

	required := d.estimateGlobalMarkIncrements(d.estimatedGlobalBytesToScan())
	headroom := d.globalMarkIncrementHeadroom()

	incrementsRemaining := uint64(maxUint64)
	num, den := uint64(d.opts.PGCToGMPNumerator), uint64(d.opts.PGCToGMPDenominator)
	if pgcsRemaining <= maxUint64/den {
		incrementsRemaining = pgcsRemaining * den / num
	}
	requiredWithHeadroom := required + headroom
	if requiredWithHeadroom < required {
		requiredWithHeadroom = maxUint64
	}

	s.RemainingGMPIntermission = saturatingSub(incrementsRemaining, requiredWithHeadroom)
	d.observer.IntermissionUpdated(s.RemainingGMPIntermission)
}

// calculateHeapOccupancyTrend measures how the live set grew between global sweeps.
func (d *Delegate) calculateHeapOccupancyTrend() {
	s := &d.state
	s.PreviousLiveSetBytesAfterGlobalSweep = s.LiveSetBytesAfterGlobalSweep
	s.LiveSetBytesAfterGlobalSweep = s.LiveSetBytesAfterPartialCollect

	s.HeapOccupancyTrend = 1.0
	prev := float64(s.PreviousLiveSetBytesAfterGlobalSweep)
	if before := float64(s.LiveSetBytesBeforeGlobalSweep); before != prev {
		s.HeapOccupancyTrend = (float64(s.LiveSetBytesAfterGlobalSweep) - prev) / (before - prev)
	}
}

// calculateScannableBytesRatio measures the fraction of live bytes needing scanning.
func (d *Delegate) calculateScannableBytesRatio() {
	scannable, nonScannable := uint64(0), uint64(0)
	it := d.table.Regions(region.HasObjects)
	for r := it.Next(); r != nil; r = it.Next() {
		scannable += r.ScannableBytes
		nonScannable += r.NonScannableBytes
	}
	if scannable+nonScannable == 0 {
		d.state.ScannableBytesRatio = 1.0
		return
	}
	d.state.ScannableBytesRatio = float64(scannable) / float64(scannable+nonScannable)
}

// calculateKickoffHeadroom returns the GMP kickoff headroom for the given free memory.
func (d *Delegate) calculateKickoffHeadroom(totalFree uint64) uint64 {
	if forced := d.opts.KickoffHeadroomBytes.Value(); forced > 0 {
		return uint64(forced)
	}
	headroom := uint64(float64(totalFree) * float64(d.opts.KickoffHeadroomRegionRate) / 100)
	d.state.KickoffHeadroomBytes = headroom
	return headroom
}

// InitializeKickoffHeadroom sets the initial kickoff headroom from the heap outside Eden.
func (d *Delegate) InitializeKickoffHeadroom() uint64 {
	return d.calculateKickoffHeadroom(saturatingSub(d.table.TotalHeapSize(), d.EdenSizeBytes()))
}

// KickoffHeadroomBytes returns the current kickoff headroom.
func (d *Delegate) KickoffHeadroomBytes() uint64 {
	return d.state.KickoffHeadroomBytes
}

// calculatePGCCompactionRate selects the defragmentation targets and estimates
// how many bytes PGCs need to compact to recover a byte of free memory.
func (d *Delegate) calculatePGCCompactionRate(edenBytes uint64) {
	s := &d.state
	threshold := d.DefragmentEmptinessThreshold()
	rs := d.regionSize()

	var (
		liveCollectible  uint64
		defragmented     uint64
		freeRegionMemory uint64
		collectible      int
		nonCollectible   int
		fullyCompacted   int
		freeRegions      int
	)

	it := d.table.Regions()
	for r := it.Next(); r != nil; r = it.Next() {
		r.Defragment = false
		switch {
		case r.ContainsObjects():
			free := r.FreeBytes + r.DarkMatterBytes
			if free > rs {
				free = rs
			}
			if !r.RSCLAccurate {
				// regions with overflowed or rebuilding RSCL are not compacted
				nonCollectible++
				continue
			}
			if emptiness := float64(free) / float64(rs); emptiness > threshold {
				collectible++
				defragmented += free
				liveCollectible += rs - free
				r.Defragment = true
			} else {
				fullyCompacted++
			}
		case r.IsFree():
			freeRegions++
			freeRegionMemory += rs
		}
	}

	survivorBytes := uint64(float64(rs) * s.AvgSurvivorSetRegionCount)
	reserved := edenBytes + survivorBytes
	d.calculateKickoffHeadroom(saturatingSub(defragmented+freeRegionMemory, reserved))

	reserved += s.KickoffHeadroomBytes
	estimatedFree := saturatingSub(defragmented+freeRegionMemory, reserved)
	discarded := float64(liveCollectible) * d.discardedPerCopiedByte()
	recoverable := float64(estimatedFree) - discarded

	if recoverable > 0 {
		s.BytesCompactedToFreeBytesRatio = float64(liveCollectible) / recoverable
	} else {
		s.BytesCompactedToFreeBytesRatio = float64(d.table.Len() + 1)
	}

	d.Debug("compaction rate: %d collectible, %d non-collectible, %d compacted, %d free regions, ratio %.3f",
		collectible, nonCollectible, fullyCompacted, freeRegions, s.BytesCompactedToFreeBytesRatio)
}

// DesiredCompactWork returns the number of bytes the next PGC should compact.
func (d *Delegate) DesiredCompactWork() uint64 {
	s := &d.state
	work := s.BytesCompactedToFreeBytesRatio * math.Max(0, s.RegionConsumptionRate) * float64(d.regionSize())
	return saturatingUint64(work) + saturatingUint64(s.AvgMacroDefragmentationWork)
}

// SurvivorSetRegionEstimate returns the expected survivor set size in regions.
func (d *Delegate) SurvivorSetRegionEstimate() uint64 {
	return saturatingUint64(math.Ceil(d.state.AvgSurvivorSetRegionCount))
}
