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

// Package memory provides heap address space management: reserving,
// committing and releasing memory, and binding it to NUMA nodes.
package memory

import (
	"fmt"
	"sort"
	"sync"

	logger "github.com/intel/gcsched/pkg/log"
)

// Our logger instance.
var log = logger.NewLogger("memory")

// reservation is a reserved range of address space.
type reservation struct {
	base      uint64
	size      uint64
	pageSize  uint64
	committed []uint64 // bitmap of committed pages
	pages     uint64   // number of committed pages
	mapping   []byte   // backing mapping, if any
}

func newReservation(base, size, pageSize uint64, mapping []byte) *reservation {
	return &reservation{
		base:      base,
		size:      size,
		pageSize:  pageSize,
		committed: make([]uint64, (size/pageSize+63)/64),
		mapping:   mapping,
	}
}

// contains checks if [addr, addr+size) is within the reservation.
func (r *reservation) contains(addr, size uint64) bool {
	return addr >= r.base && size <= r.size && addr-r.base <= r.size-size
}

// pageRange returns the first and past-the-last page of a range.
func (r *reservation) pageRange(addr, size uint64) (uint64, uint64) {
	first := (addr - r.base) / r.pageSize
	return first, first + size/r.pageSize
}

// isCommitted checks if every page of a range is committed.
func (r *reservation) isCommitted(addr, size uint64) bool {
	first, last := r.pageRange(addr, size)
	for p := first; p < last; p++ {
		if r.committed[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

// markCommitted marks the pages of a range committed or decommitted.
func (r *reservation) markCommitted(addr, size uint64, committed bool) {
	first, last := r.pageRange(addr, size)
	for p := first; p < last; p++ {
		bit := uint64(1) << (p % 64)
		was := r.committed[p/64]&bit != 0
		switch {
		case committed && !was:
			r.committed[p/64] |= bit
			r.pages++
		case !committed && was:
			r.committed[p/64] &^= bit
			r.pages--
		}
	}
}

// committedBytes returns the amount of committed memory in the reservation.
func (r *reservation) committedBytes() uint64 {
	return r.pages * r.pageSize
}

// reservations tracks reserved address ranges.
type reservations struct {
	sync.Mutex
	pageSize uint64
	ranges   map[uint64]*reservation
}

func newReservations(pageSize uint64) reservations {
	return reservations{
		pageSize: pageSize,
		ranges:   make(map[uint64]*reservation),
	}
}

// PageSize returns the page size used for the heap.
func (rs *reservations) PageSize() uint64 {
	return rs.pageSize
}

// lookup finds the reservation containing the given range, checking alignment.
// The caller must hold the lock.
func (rs *reservations) lookup(addr, size uint64) (*reservation, error) {
	if addr%rs.pageSize != 0 || size%rs.pageSize != 0 || size == 0 {
		return nil, memoryError("range %#x+%d is not page-aligned", addr, size)
	}
	for _, r := range rs.ranges {
		if r.contains(addr, size) {
			return r, nil
		}
	}
	return nil, memoryError("range %#x+%d is not reserved", addr, size)
}

// CommittedBytes returns the total amount of committed memory.
func (rs *reservations) CommittedBytes() uint64 {
	rs.Lock()
	defer rs.Unlock()

	total := uint64(0)
	for _, r := range rs.ranges {
		total += r.committedBytes()
	}
	return total
}

// ReservedBytes returns the total amount of reserved address space.
func (rs *reservations) ReservedBytes() uint64 {
	rs.Lock()
	defer rs.Unlock()

	total := uint64(0)
	for _, r := range rs.ranges {
		total += r.size
	}
	return total
}

// Simulated is address space bookkeeping without any backing memory. It
// hands out addresses from a fixed base and records commits and bindings.
type Simulated struct {
	reservations
	next     uint64
	bindings map[uint32]uint64
	failNode map[uint32]bool
}

// NewSimulated creates simulated memory handing out addresses from base.
func NewSimulated(base, pageSize uint64) *Simulated {
	return &Simulated{
		reservations: newReservations(pageSize),
		next:         base,
		bindings:     make(map[uint32]uint64),
		failNode:     make(map[uint32]bool),
	}
}

// Reserve reserves size bytes of address space.
func (m *Simulated) Reserve(size uint64) (uint64, error) {
	m.Lock()
	defer m.Unlock()

	if size == 0 || size%m.pageSize != 0 {
		return 0, memoryError("can't reserve %d bytes, not a multiple of page size %d",
			size, m.pageSize)
	}

	base := m.next
	m.next += size
	m.ranges[base] = newReservation(base, size, m.pageSize, nil)

	log.Debug("reserved simulated range %#x+%d", base, size)

	return base, nil
}

// Commit commits a reserved range.
func (m *Simulated) Commit(addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	r, err := m.lookup(addr, size)
	if err != nil {
		return err
	}
	r.markCommitted(addr, size, true)
	return nil
}

// Decommit returns a committed range to the reserved state.
func (m *Simulated) Decommit(addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	r, err := m.lookup(addr, size)
	if err != nil {
		return err
	}
	if !r.isCommitted(addr, size) {
		return memoryError("range %#x+%d is not committed", addr, size)
	}
	r.markCommitted(addr, size, false)
	return nil
}

// Release releases a reservation.
func (m *Simulated) Release(base uint64) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.ranges[base]; !ok {
		return memoryError("no reservation at %#x", base)
	}
	delete(m.ranges, base)
	return nil
}

// SetNumaAffinity records binding a range to a NUMA node.
func (m *Simulated) SetNumaAffinity(node uint32, addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	if m.failNode[node] {
		return memoryError("binding to node %d failed", node)
	}
	if _, err := m.lookup(addr, size); err != nil {
		return err
	}
	m.bindings[node] += size
	return nil
}

// FailBinding makes binding to the given node fail, for testing error paths.
func (m *Simulated) FailBinding(node uint32, fail bool) {
	m.Lock()
	defer m.Unlock()
	m.failNode[node] = fail
}

// BoundBytes returns the amount of memory bound per NUMA node.
func (m *Simulated) BoundBytes() map[uint32]uint64 {
	m.Lock()
	defer m.Unlock()

	bound := make(map[uint32]uint64, len(m.bindings))
	for node, size := range m.bindings {
		bound[node] = size
	}
	return bound
}

// Nodes returns the NUMA nodes memory has been bound to.
func (m *Simulated) Nodes() []uint32 {
	m.Lock()
	defer m.Unlock()

	nodes := make([]uint32, 0, len(m.bindings))
	for node := range m.bindings {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// memoryError returns a formatted memory-specific error.
func memoryError(format string, args ...interface{}) error {
	return fmt.Errorf("memory: "+format, args...)
}
