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

package simulator

import (
	"context"
	"math"
	"sort"

	"github.com/intel/gcsched/pkg/gc/region"
)

const (
	// maxGMPPeriod is the longest GMP period, in PGCs, considered.
	maxGMPPeriod = 1024
)

// Sweep sweeps the collection set of a mark-compact PGC.
func (m *Model) Sweep(_ context.Context) {
	m.Lock()
	defer m.Unlock()

	for _, d := range m.collectionSet() {
		m.sweep(d)
	}
	m.reclaimDeadArraylets()
}

// GlobalSweep sweeps the whole heap, rebuilding the card lists of every
// surviving region.
func (m *Model) GlobalSweep(_ context.Context) {
	m.Lock()
	defer m.Unlock()

	before := m.counters.RegionsReclaimed
	it := m.table.Regions(region.Not(region.IsFree))
	for d := it.Next(); d != nil; d = it.Next() {
		m.sweep(d)
		if !d.IsFree() {
			d.RSCLAccurate = true
		}
	}
	m.Debug("global sweep reclaimed %d regions", m.counters.RegionsReclaimed-before)
}

// AtomicSweep sweeps the regions an aborted copy-forward left in place.
func (m *Model) AtomicSweep(_ context.Context) {
	m.Lock()
	defer m.Unlock()

	it := m.table.Regions(func(d *region.Descriptor) bool { return m.aborted[d.Index()] })
	for d := it.Next(); d != nil; d = it.Next() {
		m.sweep(d)
	}
}

// compactGroups sums reclaimable bytes by region age.
type compactGroups map[uint]float64

// regions returns the whole regions the groups can reclaim.
func (g compactGroups) regions(regionSize uint64) uint64 {
	count := uint64(0)
	for _, bytes := range g {
		count += uint64(bytes / float64(regionSize))
	}
	return count
}

// EstimateReclaimableRegions estimates the regions a collection could
// free. With copy-forward, live data is copied into regions that end up
// emptiness empty on average, which limits what can be recovered.
func (m *Model) EstimateReclaimableRegions(emptiness float64) (uint64, uint64) {
	var (
		rs         = m.table.RegionSize()
		free       = uint64(m.table.Regions(region.IsFree).Count())
		all        = compactGroups{}
		defragment = compactGroups{}
	)

	it := m.table.Regions(region.HasObjects)
	for d := it.Next(); d != nil; d = it.Next() {
		if !d.RSCLAccurate {
			continue
		}
		freeBytes := float64(d.FreeBytes + d.DarkMatterBytes)
		recoverable := freeBytes
		if emptiness > 0 {
			lost := (float64(rs) - freeBytes) * emptiness
			recoverable = math.Max(0, freeBytes-lost)
		}
		all[d.Age] += recoverable
		if d.Defragment {
			defragment[d.Age] += recoverable
		}
	}

	return free + all.regions(rs), free + defragment.regions(rs)
}

// OptimalEmptinessThreshold finds the defragmentation emptiness threshold
// which minimizes the cost of keeping up with region consumption. For
// every candidate GMP period it picks the emptiest regions needed to
// recover what PGCs consume in that period, and weighs the copying cost
// of those regions against the cost of running a GMP more often. Rates
// are in bytes per microsecond and costs in microseconds.
func (m *Model) OptimalEmptinessThreshold(consumptionRate, avgSurvivorRegions, copyForwardRate, scanCostPerGMP float64) float64 {
	if consumptionRate <= 0 || copyForwardRate <= 0 {
		return 1.0
	}

	var (
		rs        = float64(m.table.RegionSize())
		free      = float64(m.table.Regions(region.IsFree).Count())
		emptiness = []float64{}
	)

	it := m.table.Regions(region.HasObjects)
	for d := it.Next(); d != nil; d = it.Next() {
		if d.RSCLAccurate {
			emptiness = append(emptiness, float64(d.FreeBytes+d.DarkMatterBytes))
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(emptiness)))

	var (
		perPGC    = math.Ceil(consumptionRate * rs)
		recovered = (free - math.Ceil(avgSurvivorRegions)) * rs
		target    = 0.0
		copied    = 0.0
		next      = 0
		best      = math.MaxFloat64
		threshold = 1.0
	)

	for period := 1.0; next < len(emptiness) && period <= maxGMPPeriod; period++ {
		target += perPGC
		for recovered < target && next < len(emptiness) {
			recovered += emptiness[next]
			copied += rs - emptiness[next]
			next++
		}
		if recovered < target {
			break
		}
		cost := scanCostPerGMP/period + copied/copyForwardRate/period
		if cost < best {
			best = cost
			threshold = 1.0
			if next > 0 {
				threshold = emptiness[next-1] / rs
			}
		}
	}

	return threshold
}
