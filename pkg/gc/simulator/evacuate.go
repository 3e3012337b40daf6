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
	"sort"
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
	"github.com/intel/gcsched/pkg/gc/scheduling"
)

// EstimateRequiredSurvivorBytes estimates the survivor space of the next
// copy-forward from the occupancy of the collection set.
func (m *Model) EstimateRequiredSurvivorBytes() uint64 {
	m.Lock()
	defer m.Unlock()

	rs := m.table.RegionSize()
	bytes := uint64(0)
	for _, d := range m.collectionSet() {
		used := rs - d.FreeBytes - d.DarkMatterBytes
		if d.Age == 0 {
			bytes += uint64(float64(used) * m.opts.SurvivalRatio)
		} else {
			bytes += used
		}
	}
	return bytes
}

// CopyForward evacuates the live data of the collection set into free
// regions of the same age. Once free regions run out, the rest of the
// collection set is left in place and the copy-forward is aborted.
func (m *Model) CopyForward(_ context.Context) scheduling.CopyForwardStats {
	m.Lock()
	defer m.Unlock()

	var (
		rs    = m.table.RegionSize()
		set   = m.collectionSet()
		dests = map[uint]*region.Descriptor{}
		stats = scheduling.CopyForwardStats{}
		free  = uint64(m.table.Regions(region.IsFree).Count())
	)

	for _, src := range set {
		idx := src.Index()
		need := m.live[idx]

		room := free * rs
		if dst := dests[src.Age]; dst != nil {
			room += dst.FreeBytes
		}
		if stats.Aborted || need > room {
			stats.Aborted = true
			m.aborted[idx] = true
			if src.Age == 0 {
				stats.ScanBytesEden += need
			} else {
				stats.ScanBytesNonEden += need
			}
			stats.BytesScanned += need
			continue
		}

		for need > 0 {
			dst := dests[src.Age]
			if dst == nil || dst.FreeBytes == 0 {
				dst = m.claimFree(src.Age)
				dests[src.Age] = dst
				free--
				stats.SurvivorSetRegionCount++
				if src.Age == 0 {
					stats.EdenSurvivorRegionCount++
				} else {
					stats.NonEdenSurvivorRegionCount++
				}
			}
			chunk := min(need, dst.FreeBytes)
			dst.FreeBytes -= chunk
			m.live[dst.Index()] += chunk
			m.reveal(dst)
			need -= chunk
			stats.BytesCopied += chunk
		}
		m.recycle(src)
	}
	m.reclaimDeadArraylets()

	for _, dst := range dests {
		// part of the unused survivor tails is lost to thread-local remainders
		stats.BytesDiscarded += dst.FreeBytes / 8
	}

	copyCost := costOf(stats.BytesCopied, m.opts.CopyRate.Value())
	scanCost := costOf(stats.BytesScanned, m.opts.ScanRate.Value())
	stats.Duration = (copyCost + scanCost) / time.Duration(m.threads)
	m.clock.Advance(stats.Duration)
	m.counters.BytesCopied += stats.BytesCopied

	if stats.Aborted {
		m.Debug("copy-forward aborted, %d bytes left in place", stats.BytesScanned)
	}

	return stats
}

// Compact slides the live data of the nursery together, along with
// defragmentation targets holding up to goal live bytes. It returns the
// number of regions freed.
func (m *Model) Compact(_ context.Context, goal uint64) int {
	m.Lock()
	defer m.Unlock()

	set := []*region.Descriptor{}
	budget := goal
	for _, d := range m.collectionSet() {
		if d.Age > m.nurseryAge {
			live := m.live[d.Index()]
			if live > budget {
				continue
			}
			budget -= live
		}
		set = append(set, d)
	}
	freed := m.compact(set)
	m.reclaimDeadArraylets()
	return freed
}

// CompactAborted compacts the regions an aborted copy-forward left in place.
func (m *Model) CompactAborted(_ context.Context) int {
	m.Lock()
	defer m.Unlock()

	set := []*region.Descriptor{}
	it := m.table.Regions(func(d *region.Descriptor) bool { return m.aborted[d.Index()] })
	for d := it.Next(); d != nil; d = it.Next() {
		m.aborted[d.Index()] = false
		set = append(set, d)
	}
	return m.compact(set)
}

// CompactAll compacts every object region of the heap.
func (m *Model) CompactAll(_ context.Context) {
	m.Lock()
	defer m.Unlock()

	set := []*region.Descriptor{}
	it := m.table.Regions(region.HasObjects)
	for d := it.Next(); d != nil; d = it.Next() {
		set = append(set, d)
	}
	freed := m.compact(set)
	m.Debug("compacted heap, %d regions freed", freed)
}

// compact packs the live data of regions of the same age into as few of
// them as possible and frees the rest. It returns the number of freed regions.
func (m *Model) compact(set []*region.Descriptor) int {
	var (
		rs     = m.table.RegionSize()
		groups = map[uint][]*region.Descriptor{}
		ages   = []uint{}
		freed  = 0
		moved  = uint64(0)
	)

	for _, d := range set {
		if _, ok := groups[d.Age]; !ok {
			ages = append(ages, d.Age)
		}
		groups[d.Age] = append(groups[d.Age], d)
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })

	for _, age := range ages {
		group := groups[age]
		total := uint64(0)
		for _, d := range group {
			total += m.live[d.Index()]
		}
		for i, d := range group {
			if total == 0 {
				m.recycle(d)
				freed++
				continue
			}
			live := min(total, rs)
			if i > 0 {
				moved += live
			}
			total -= live
			m.live[d.Index()] = live
			d.FreeBytes = rs - live
			d.DarkMatterBytes = 0
			d.RSCLAccurate = true
			m.reveal(d)
		}
	}

	m.pause(costOf(moved, m.opts.CopyRate.Value()))
	m.counters.BytesCompacted += moved

	return freed
}
