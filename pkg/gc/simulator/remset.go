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
	"github.com/intel/gcsched/pkg/gc/region"
)

// FlushIntoCardTable moves buffered remembered set entries to the cards.
func (m *Model) FlushIntoCardTable() {
	m.Lock()
	defer m.Unlock()
	m.counters.CardFlushes++
}

// FlushBuffersForDecommittedRegions drops the buffers of decommitted
// regions, if the heap contracted since the last flush.
func (m *Model) FlushBuffersForDecommittedRegions() {
	m.Lock()
	defer m.Unlock()
	if m.flushDecommitted {
		m.flushDecommitted = false
		m.counters.DecommitFlushes++
	}
}

// SetShouldFlushBuffersForDecommittedRegions requests a flush of buffers
// of decommitted regions.
func (m *Model) SetShouldFlushBuffersForDecommittedRegions() {
	m.Lock()
	defer m.Unlock()
	m.flushDecommitted = true
}

// OverflowIfStableRegion overflows the card list of an old region which
// is too full to be worth defragmenting. Its card list is rebuilt by the
// next global sweep.
func (m *Model) OverflowIfStableRegion(d *region.Descriptor) {
	m.Lock()
	defer m.Unlock()

	emptiness := float64(d.FreeBytes+d.DarkMatterBytes) / float64(m.table.RegionSize())
	if d.RSCLAccurate && emptiness < m.unusedThreshold {
		d.RSCLAccurate = false
		m.counters.Overflows++
	}
}

// PrepareForGlobalCollect readies the card lists for a global collection,
// which rebuilds all of them.
func (m *Model) PrepareForGlobalCollect(gmpRunning bool) {
	m.Lock()
	defer m.Unlock()

	if gmpRunning {
		m.Debug("global collect interrupts global mark, %d bytes unscanned", m.toScan)
	}
	it := m.table.Regions(region.HasObjects)
	for d := it.Next(); d != nil; d = it.Next() {
		d.RSCLAccurate = false
	}
}

// SetUnusedRegionThreshold sets the emptiness at or above which regions
// keep their card lists.
func (m *Model) SetUnusedRegionThreshold(threshold float64) {
	m.Lock()
	defer m.Unlock()
	m.unusedThreshold = threshold
}
