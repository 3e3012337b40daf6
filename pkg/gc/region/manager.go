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

package region

import (
	"fmt"

	logger "github.com/intel/gcsched/pkg/log"
)

// MemoryManager binds heap memory to NUMA nodes.
type MemoryManager interface {
	// PageSize returns the page size used for the heap.
	PageSize() uint64
	// SetNumaAffinity binds the given address range to a NUMA node.
	SetNumaAffinity(node uint32, addr, size uint64) error
}

// Extent is a committed, region-aligned heap address range [Low, High).
type Extent struct {
	Low  uint64
	High uint64
}

// Size returns the size of the extent.
func (e Extent) Size() uint64 {
	return e.High - e.Low
}

// String returns the extent as a string.
func (e Extent) String() string {
	return fmt.Sprintf("[%#x-%#x)", e.Low, e.High)
}

// Options configures NUMA partitioning and aging for a Manager.
type Options struct {
	// AffinityLeaders are the NUMA nodes heap memory is spread across.
	AffinityLeaders []uint32
	// ForcedNode, if set, binds all heap memory to a single node.
	ForcedNode *uint32
	// MaxAge is the logical age at which regions are considered old.
	MaxAge uint
}

// Manager owns the region table, enables committed extents and aggregates occupancy.
type Manager struct {
	table *Table
	mm    MemoryManager
	opts  Options
}

// Snapshot is a point in time summary of heap memory by region class.
type Snapshot struct {
	TotalHeap     uint64
	TotalReserved uint64
	FreeReserved  uint64
	TotalEden     uint64
	FreeEden      uint64
	TotalSurvivor uint64
	FreeSurvivor  uint64
	TotalOld      uint64
	FreeOld       uint64
}

var log = logger.NewLogger("region")

// NewManager creates a region manager for the given table.
func NewManager(table *Table, mm MemoryManager, opts Options) *Manager {
	return &Manager{
		table: table,
		mm:    mm,
		opts:  opts,
	}
}

// Table returns the region table of the manager.
func (m *Manager) Table() *Table {
	return m.table
}

// MaxAge returns the logical age of old regions.
func (m *Manager) MaxAge() uint {
	return m.opts.MaxAge
}

// NodeCount returns the number of NUMA nodes heap memory is spread across.
func (m *Manager) NodeCount() int {
	if m.opts.ForcedNode != nil || len(m.opts.AffinityLeaders) == 0 {
		return 1
	}
	return len(m.opts.AffinityLeaders)
}

// EnableRegionsInTable makes the regions of a newly committed extent known
// to the collector, binding the extent to NUMA nodes first. It returns false,
// leaving every region of the extent disabled, if any binding fails.
func (m *Manager) EnableRegionsInTable(extent Extent) bool {
	lo, okLo := m.table.RegionIndex(extent.Low)
	_, okHi := m.table.RegionIndex(extent.High - 1)
	if !okLo || !okHi || extent.High <= extent.Low {
		log.Error("can't enable extent %s, outside of heap [%#x-%#x)",
			extent, m.table.Base(), m.table.Top())
		return false
	}
	if extent.Low%m.table.RegionSize() != 0 || extent.High%m.table.RegionSize() != 0 {
		log.Error("can't enable extent %s, not aligned to region size", extent)
		return false
	}

	count := int(extent.Size() / m.table.RegionSize())
	nodes := make([]uint32, count)
	labeled := make([]bool, count)

	label := func(node uint32, low, high uint64) {
		for addr := low; addr < high; addr += m.table.RegionSize() {
			idx, _ := m.table.RegionIndex(addr)
			idx -= lo
			if labeled[idx] {
				log.Debug("region #%d already bound to node %d, not rebinding to %d",
					lo+idx, nodes[idx], node)
				continue
			}
			nodes[idx] = node
			labeled[idx] = true
		}
	}

	switch {
	case m.opts.ForcedNode != nil:
		node := *m.opts.ForcedNode
		if err := m.mm.SetNumaAffinity(node, extent.Low, extent.Size()); err != nil {
			log.Error("failed to bind extent %s to forced node %d: %v", extent, node, err)
			return false
		}
		label(node, extent.Low, extent.High)

	case len(m.opts.AffinityLeaders) == 0:
		label(0, extent.Low, extent.High)

	default:
		pageSize := m.mm.PageSize()
		regionSize := m.table.RegionSize()
		remaining := extent.Size()
		addr := extent.Low
		for i, node := range m.opts.AffinityLeaders {
			if addr >= extent.High {
				break
			}
			size := remaining / uint64(len(m.opts.AffinityLeaders)-i)
			size = roundUp(size, pageSize)
			size = roundUp(size, regionSize)
			if addr+size > extent.High {
				size = extent.High - addr
			}
			if size == 0 {
				continue
			}
			if err := m.mm.SetNumaAffinity(node, addr, size); err != nil {
				log.Error("failed to bind [%#x-%#x) to node %d: %v", addr, addr+size, node, err)
				return false
			}
			label(node, addr, addr+size)
			addr += size
			remaining -= size
		}
	}

	for i := 0; i < count; i++ {
		d := m.table.Descriptor(lo + i)
		d.Node = nodes[i]
		d.Recycle(m.table.RegionSize())
		d.enabled = true
	}

	log.Debug("enabled %d regions for extent %s", count, extent)

	return true
}

// DisableRegionsInTable removes the regions of a decommitted extent.
func (m *Manager) DisableRegionsInTable(extent Extent) {
	for addr := extent.Low; addr < extent.High; addr += m.table.RegionSize() {
		if idx, ok := m.table.RegionIndex(addr); ok {
			d := m.table.Descriptor(idx)
			d.Recycle(m.table.RegionSize())
			d.enabled = false
		}
	}
}

// GetHeapMemorySnapshot summarizes heap memory in a single pass over the
// regions. edenBudget is the nominal Eden size. Free Eden memory the
// mutators have not yet claimed as regions is carved out of free reserved
// memory.
func (m *Manager) GetHeapMemorySnapshot(edenBudget uint64) Snapshot {
	var (
		s          Snapshot
		regionSize = m.table.RegionSize()
		it         = m.table.Regions()
	)

	for d := it.Next(); d != nil; d = it.Next() {
		s.TotalHeap += regionSize
		free := d.FreeBytes
		if d.IsArrayletLeaf() {
			free = 0
		}
		switch {
		case d.IsFree():
			s.TotalReserved += regionSize
			s.FreeReserved += regionSize
		case d.Age == 0:
			s.TotalEden += regionSize
			s.FreeEden += free
		case d.Age >= m.opts.MaxAge:
			s.TotalOld += regionSize
			s.FreeOld += free
		default:
			s.TotalSurvivor += regionSize
			s.FreeSurvivor += free
		}
	}

	consumed := s.TotalEden - s.FreeEden
	edenFree := s.FreeEden
	if edenBudget > consumed {
		s.FreeEden = edenBudget - consumed
	} else {
		s.FreeEden = 0
	}
	if s.FreeEden > edenFree {
		carve := s.FreeEden - edenFree
		if carve > s.FreeReserved {
			carve = s.FreeReserved
		}
		s.FreeReserved -= carve
		s.FreeEden = edenFree + carve
	}

	return s
}

func roundUp(value, granularity uint64) uint64 {
	if granularity == 0 {
		return value
	}
	return (value + granularity - 1) / granularity * granularity
}
