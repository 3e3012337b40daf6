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

// number of Eden size candidates evaluated for a fully expanded heap
const edenDeltaSamples = 16

// HeapReconfigured recalculates the Eden bounds after the heap was resized.
func (d *Delegate) HeapReconfigured() {
	d.configureIdealEden()
	d.calculateEdenSize()
	d.publish()
}

// edenBounds returns the configured ideal Eden bounds in bytes.
func (d *Delegate) edenBounds() (uint64, uint64) {
	minBytes := uint64(d.opts.EdenMinimumBytes.Value())
	if minBytes == 0 {
		minBytes = d.initHeap / 4
	}
	maxBytes := uint64(d.opts.EdenMaximumBytes.Value())
	if maxBytes == 0 {
		maxBytes = d.maxHeap / 4 * 3
	}
	if minBytes > maxBytes {
		minBytes = maxBytes
	}
	return minBytes, maxBytes
}

// configureIdealEden sets up the ideal and minimum Eden sizes for the current heap.
func (d *Delegate) configureIdealEden() {
	s := &d.state
	rs := d.regionSize()
	heapRegions := uint64(d.table.EnabledCount())
	if heapRegions == 0 {
		heapRegions = 1
	}
	currentHeap := heapRegions * rs
	minBytes, maxBytes := d.edenBounds()

	minIdeal := clampUint64(ceilDiv(minBytes, rs), 1, heapRegions)
	maxIdeal := clampUint64(ceilDiv(maxBytes, rs), minIdeal, heapRegions)
	s.Eden.MinIdealRegionCount = minIdeal
	s.Eden.MaxIdealRegionCount = maxIdeal

	// dynamic sizing owns the ideal size once it has been set up
	if !s.Eden.Configured || !d.opts.DynamicEden {
		minHeap := d.initHeap
		if currentHeap < minHeap {
			minHeap = currentHeap
		}
		idealBytes := maxBytes
		if currentHeap < d.maxHeap && d.maxHeap > minHeap {
			// interpolate linearly between the minimum and maximum Eden
			expanded := float64(currentHeap-minHeap) / float64(d.maxHeap-minHeap)
			idealBytes = minBytes + uint64(expanded*float64(maxBytes-minBytes))
		}
		s.IdealEdenRegionCount = ceilDiv(idealBytes, rs)
	}

	s.IdealEdenRegionCount = clampUint64(s.IdealEdenRegionCount, minIdeal, maxIdeal)
	d.updateMinimumEden()
	s.Eden.Configured = true

	d.Debug("heap reconfigured: %d regions, ideal Eden %d (%d - %d), minimum Eden %d",
		heapRegions, s.IdealEdenRegionCount, minIdeal, maxIdeal, s.MinimumEdenRegionCount)
}

// updateMinimumEden derives the minimum Eden size from the allocation contexts.
func (d *Delegate) updateMinimumEden() {
	s := &d.state
	contexts := d.alloc.AllocationContextCount()
	if contexts < 1 {
		contexts = 1
	}
	s.MinimumEdenRegionCount = s.IdealEdenRegionCount
	if contexts < s.MinimumEdenRegionCount {
		s.MinimumEdenRegionCount = contexts
	}
}

// calculateEdenSize sizes Eden to the free regions within the Eden bounds.
func (d *Delegate) calculateEdenSize() {
	s := &d.state
	if !s.Eden.Configured {
		d.configureIdealEden()
	}

	previous := s.EdenRegionCount
	free := d.alloc.FreeRegionCount()
	s.EdenRegionCount = clampUint64(free, s.MinimumEdenRegionCount, s.IdealEdenRegionCount)

	if s.EdenRegionCount != previous {
		d.observer.EdenResized(previous, s.EdenRegionCount, s.IdealEdenRegionCount)
	}
}

// updateEdenStats folds the timing of a PGC into the Eden sizing statistics.
func (d *Delegate) updateEdenStats(edenBefore, pauseMs, intervalMs uint64, intervalOk bool) {
	e := &d.state.Eden
	historic := 1.0 - d.opts.EdenSampleDampingFactor
	pause := float64(pauseMs)

	if e.PGCPauseMillis == 0 {
		e.PGCPauseMillis = pause
	} else {
		e.PGCPauseMillis = ewma(e.PGCPauseMillis, pause, historic)
	}

	if intervalOk && intervalMs > 0 {
		interval := float64(intervalMs)
		overhead := math.Min(1.0, pause/interval)
		if e.PGCIntervalMillis == 0 {
			e.PGCIntervalMillis = interval
			e.PGCOverhead = overhead
		} else {
			e.PGCIntervalMillis = ewma(e.PGCIntervalMillis, interval, historic)
			e.PGCOverhead = ewma(e.PGCOverhead, overhead, historic)
		}
	}

	if edenBefore > 0 {
		e.Curve.Refit(bytesToGB(edenBefore*d.regionSize()), pause)
	}
	e.PGCsSinceSample++
}

// pauseFactor returns the penalty for a pause time exceeding the target.
func (d *Delegate) pauseFactor(pauseMs float64) float64 {
	target := float64(d.opts.TargetMaxPause.Std().Milliseconds())
	return math.Pow(d.opts.PauseOverheadLogBase, math.Max(0, pauseMs-target))
}

// expansionWeight returns how much the fully expanded signal drives Eden sizing.
func (d *Delegate) expansionWeight() float64 {
	if d.maxHeap == 0 {
		return 1.0
	}
	ratio := float64(d.table.TotalHeapSize()) / float64(d.maxHeap)
	threshold := d.opts.ExpansionBlendThreshold
	return clampFloat((ratio-threshold)/(1.0-threshold), 0, 1)
}

// adjustIdealEden moves the ideal Eden size based on the measured GC overhead.
func (d *Delegate) adjustIdealEden() {
	s := &d.state
	e := &s.Eden
	if e.PGCIntervalMillis == 0 || s.IdealEdenRegionCount == 0 {
		return
	}

	weight := d.expansionWeight()
	underExpanded, fullyExpanded := 0.0, 0.0
	if weight < 1 {
		underExpanded = float64(d.underExpandedEdenDelta())
	}
	if weight > 0 {
		fullyExpanded = float64(d.fullyExpandedEdenDelta())
	}

	delta := d.limitEdenDelta(roundInt64((1-weight)*underExpanded + weight*fullyExpanded))
	e.LastDelta = delta
	if delta == 0 {
		return
	}

	previous := s.IdealEdenRegionCount
	s.IdealEdenRegionCount = uint64(int64(previous) + delta)
	d.updateMinimumEden()

	d.Debug("ideal Eden %d -> %d regions (blend weight %.2f, overhead %.4f, pause %.1f ms)",
		previous, s.IdealEdenRegionCount, weight, e.PGCOverhead, e.PGCPauseMillis)
}

// underExpandedEdenDelta steps Eden when the overhead is outside the expected range.
func (d *Delegate) underExpandedEdenDelta() int64 {
	s := &d.state
	step := roundInt64(float64(s.IdealEdenRegionCount) * float64(d.opts.EdenStepPercent) / 100)
	if min := int64(d.opts.EdenStepMin); step < min {
		step = min
	}
	if max := int64(d.opts.EdenStepMax); step > max {
		step = max
	}

	hybrid := s.Eden.PGCOverhead / d.pauseFactor(s.Eden.PGCPauseMillis)
	switch {
	case hybrid > d.opts.ExpectedOverheadMax:
		return step
	case hybrid < d.opts.ExpectedOverheadMin:
		return -step
	}
	return 0
}

// fullyExpandedEdenDelta samples Eden sizes around the current one and
// moves toward the one with the lowest predicted overhead.
func (d *Delegate) fullyExpandedEdenDelta() int64 {
	s := &d.state
	e := &s.Eden
	if e.PGCsSinceSample < uint64(d.opts.EdenSamplePeriod) && !d.sampleEden {
		return 0
	}
	e.PGCsSinceSample = 0
	d.sampleEden = false

	ideal := float64(s.IdealEdenRegionCount)
	available := math.Max(float64(s.PreviousReclaimableRegions), float64(d.alloc.FreeRegionCount()))
	tenure := math.Max(0, available-ideal-s.AvgSurvivorSetRegionCount)

	low := -(ideal - float64(e.MinIdealRegionCount))
	high := math.Min(tenure, float64(e.MaxIdealRegionCount)-ideal)
	if high < 0 {
		high = 0
	}

	best, bestCost := 0.0, d.edenCost(0, tenure)
	for i := 0; i <= edenDeltaSamples; i++ {
		delta := math.Round(low + (high-low)*float64(i)/edenDeltaSamples)
		if cost := d.edenCost(delta, tenure); cost < bestCost {
			best, bestCost = delta, cost
		}
	}

	return roundInt64(best * d.opts.EdenDampingFactor)
}

// edenCost predicts the GC overhead of changing Eden by delta regions.
func (d *Delegate) edenCost(delta, tenure float64) float64 {
	s := &d.state
	e := &s.Eden
	ideal := float64(s.IdealEdenRegionCount)
	eden := ideal + delta
	if eden < 1 {
		return math.Inf(1)
	}

	interval := e.PGCIntervalMillis * eden / ideal
	pause := e.PGCPauseMillis * eden / ideal
	if e.Curve.Fitted() {
		pause = e.Curve.Predict(bytesToGB(uint64(eden) * d.regionSize()))
	}

	overhead := pause / interval
	if rate := s.RegionConsumptionRate; rate > 0 {
		left := tenure - delta
		if left <= 0 {
			return math.Inf(1)
		}
		pgcsUntilGMP := left / rate
		overhead += d.ScanTimeCostPerGMP() / 1000.0 / (pgcsUntilGMP * interval)
	}

	return overhead * d.pauseFactor(pause)
}

// limitEdenDelta bounds an ideal Eden change by the free regions, the
// maximum heap size and the ideal Eden bounds.
func (d *Delegate) limitEdenDelta(delta int64) int64 {
	s := &d.state
	ideal := int64(s.IdealEdenRegionCount)

	if delta > 0 {
		if free := int64(d.alloc.FreeRegionCount()); delta > free {
			delta = free
		}
		if maxRegions := int64(d.maxHeap / d.regionSize()); ideal+delta > maxRegions {
			delta = maxRegions - ideal
			if delta < 0 {
				delta = 0
			}
		}
	}

	target := ideal + delta
	if min := int64(s.Eden.MinIdealRegionCount); target < min {
		target = min
	}
	if max := int64(s.Eden.MaxIdealRegionCount); target > max {
		target = max
	}
	return target - ideal
}
