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

package heap

import (
	"github.com/intel/gcsched/pkg/gc/region"
)

// CardTable is the structural part of the card table: the memory holding
// one card byte per CardSize bytes of heap, committed along with the heap
// and bound to the same NUMA nodes as the heap it covers.
type CardTable struct {
	mem       Memory
	reserved  uint64 // base of the reservation
	base      uint64 // page-aligned first card
	size      uint64 // reserved card bytes
	heapBase  uint64
	cardShift uint
	committed uint64 // committed card bytes, from base
}

// newCardTable reserves card memory for heapSize bytes of heap at heapBase.
func newCardTable(mem Memory, heapBase, heapSize, cardSize uint64) (*CardTable, error) {
	pageSize := mem.PageSize()
	size := roundUp(heapSize/cardSize, pageSize)

	reserved, err := mem.Reserve(size + pageSize)
	if err != nil {
		return nil, err
	}

	ct := &CardTable{
		mem:       mem,
		reserved:  reserved,
		base:      roundUp(reserved, pageSize),
		size:      size,
		heapBase:  heapBase,
		cardShift: log2(cardSize),
	}

	log.Debug("card table: %d bytes at %#x for heap %#x+%d", size, ct.base, heapBase, heapSize)

	return ct, nil
}

// Size returns the amount of card memory reserved.
func (ct *CardTable) Size() uint64 {
	return ct.size
}

// CommittedSize returns the amount of card memory committed.
func (ct *CardTable) CommittedSize() uint64 {
	return ct.committed
}

// CardSize returns the number of heap bytes covered by a single card.
func (ct *CardTable) CardSize() uint64 {
	return 1 << ct.cardShift
}

// CardAddress returns the address of the card for a heap address.
func (ct *CardTable) CardAddress(heapAddr uint64) uint64 {
	return ct.base + (heapAddr-ct.heapBase)>>ct.cardShift
}

// pageRange returns the page-aligned card memory range covering an extent.
func (ct *CardTable) pageRange(low, high uint64) (uint64, uint64) {
	pageSize := ct.mem.PageSize()
	lo := roundDown(ct.CardAddress(low), pageSize)
	hi := roundUp(ct.CardAddress(high), pageSize)
	if limit := ct.base + ct.size; hi > limit {
		hi = limit
	}
	return lo, hi
}

// commit commits the cards for a newly committed heap extent. The heap is
// committed contiguously from its base so card memory is too.
func (ct *CardTable) commit(extent region.Extent) error {
	_, hi := ct.pageRange(extent.Low, extent.High)
	top := ct.base + ct.committed
	if hi <= top {
		return nil
	}
	if err := ct.mem.Commit(top, hi-top); err != nil {
		return err
	}
	ct.committed = hi - ct.base
	return nil
}

// decommit returns the cards of a decommitted heap extent.
func (ct *CardTable) decommit(extent region.Extent) error {
	lo, _ := ct.pageRange(extent.Low, extent.High)
	// a card page shared with the remaining heap stays committed
	if ct.CardAddress(extent.Low) != lo {
		lo += ct.mem.PageSize()
	}
	top := ct.base + ct.committed
	if lo >= top {
		return nil
	}
	if err := ct.mem.Decommit(lo, top-lo); err != nil {
		return err
	}
	ct.committed = lo - ct.base
	return nil
}

// mirrorNuma binds the cards of an enabled extent to the nodes of the
// regions they cover. Card pages shared by regions on different nodes are
// bound to the node of the first region.
func (ct *CardTable) mirrorNuma(table *region.Table, extent region.Extent) error {
	var (
		rs      = table.RegionSize()
		runLow  = extent.Low
		runNode uint32
		bound   = uint64(0) // card memory bound so far
	)

	bind := func(node uint32, low, high uint64) error {
		lo, hi := ct.pageRange(low, high)
		if lo < bound {
			lo = bound
		}
		if lo >= hi {
			return nil
		}
		if err := ct.mem.SetNumaAffinity(node, lo, hi-lo); err != nil {
			return err
		}
		bound = hi
		return nil
	}

	for addr := extent.Low; addr < extent.High; addr += rs {
		idx, _ := table.RegionIndex(addr)
		node := table.Descriptor(idx).Node
		if addr == extent.Low {
			runNode = node
			continue
		}
		if node != runNode {
			if err := bind(runNode, runLow, addr); err != nil {
				return err
			}
			runLow, runNode = addr, node
		}
	}

	return bind(runNode, runLow, extent.High)
}

// release releases the card table reservation.
func (ct *CardTable) release() error {
	return ct.mem.Release(ct.reserved)
}

func roundUp(value, granularity uint64) uint64 {
	return (value + granularity - 1) / granularity * granularity
}

func roundDown(value, granularity uint64) uint64 {
	return value / granularity * granularity
}

func log2(value uint64) uint {
	shift := uint(0)
	for value > 1 {
		value >>= 1
		shift++
	}
	return shift
}
