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
	"github.com/pkg/errors"

	"github.com/intel/gcsched/pkg/gc/heap"
	"github.com/intel/gcsched/pkg/gc/region"
)

// ErrHeapExhausted is returned when the mutator finds no free region.
var ErrHeapExhausted = errors.New("heap exhausted")

// Mutator allocates into the heap through one allocation context per
// NUMA node, until the budget of the next taxation point runs out.
type Mutator struct {
	heap      *heap.Heap
	model     *Model
	nodes     []uint32
	contexts  []*region.Descriptor
	next      int
	remaining uint64
	allocated uint64
}

// NewMutator creates a mutator allocating into the heap.
func NewMutator(h *heap.Heap, model *Model) *Mutator {
	nodes := h.AffinityLeaders()
	if len(nodes) == 0 {
		nodes = []uint32{0}
	}
	return &Mutator{
		heap:     h,
		model:    model,
		nodes:    nodes,
		contexts: make([]*region.Descriptor, len(nodes)),
	}
}

// FreeRegionCount returns the number of free regions.
func (m *Mutator) FreeRegionCount() uint64 {
	return m.heap.FreeRegionCount()
}

// AllocationContextCount returns the number of allocation contexts.
func (m *Mutator) AllocationContextCount() uint64 {
	return m.heap.AllocationContextCount()
}

// FlushAllocationContexts retires the allocation regions of all contexts.
func (m *Mutator) FlushAllocationContexts() {
	for i := range m.contexts {
		m.contexts[i] = nil
	}
}

// SetBytesRemainingBeforeTaxation sets the budget until the next taxation point.
func (m *Mutator) SetBytesRemainingBeforeTaxation(bytes uint64) {
	m.remaining = bytes
}

// Remaining returns the budget left until the next taxation point.
func (m *Mutator) Remaining() uint64 {
	return m.remaining
}

// Allocated returns the total number of bytes allocated.
func (m *Mutator) Allocated() uint64 {
	return m.allocated
}

// Allocate allocates up to bytes, within the remaining budget, rotating
// over the allocation contexts region by region. It returns the number
// of bytes allocated, and ErrHeapExhausted if it ran out of free regions.
func (m *Mutator) Allocate(bytes uint64) (uint64, error) {
	m.model.Lock()
	defer m.model.Unlock()

	var (
		rs   = m.heap.RegionSize()
		left = min(bytes, m.remaining)
		done = uint64(0)
	)

	for left > 0 {
		d := m.contexts[m.next]
		if d == nil || d.FreeBytes == 0 {
			node := m.nodes[m.next]
			if left >= rs && m.model.rand.Float64() < m.model.opts.ArrayletRatio {
				leaf := m.model.claimFreeOn(node, 0)
				if leaf == nil {
					break
				}
				leaf.State = region.StateArrayletLeaf
				leaf.FreeBytes = 0
				m.model.fillArraylet(leaf)
				left -= rs
				done += rs
				continue
			}
			if d = m.model.claimFreeOn(node, 0); d == nil {
				break
			}
			m.contexts[m.next] = d
		}

		chunk := min(left, d.FreeBytes)
		d.FreeBytes -= chunk
		m.model.fill(d, chunk)
		left -= chunk
		done += chunk

		if d.FreeBytes == 0 {
			m.next = (m.next + 1) % len(m.contexts)
		}
	}

	m.remaining -= done
	m.allocated += done

	if left > 0 {
		return done, errors.Wrapf(ErrHeapExhausted, "%d bytes left unallocated", left)
	}
	return done, nil
}
