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

//go:build linux
// +build linux

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// mbind(2) memory policy binding allocations to a node set
	mpolBind = 2
	// mbind(2) flag to move already faulted pages
	mpolMfMove = 1 << 1
)

// Manager manages heap memory with anonymous memory mappings.
type Manager struct {
	reservations
}

// NewManager creates a memory manager using the system page size.
func NewManager() *Manager {
	return &Manager{
		reservations: newReservations(uint64(unix.Getpagesize())),
	}
}

// Reserve reserves size bytes of inaccessible address space.
func (m *Manager) Reserve(size uint64) (uint64, error) {
	m.Lock()
	defer m.Unlock()

	if size == 0 || size%m.pageSize != 0 {
		return 0, memoryError("can't reserve %d bytes, not a multiple of page size %d",
			size, m.pageSize)
	}

	mapping, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, memoryError("failed to reserve %d bytes: %v", size, err)
	}

	base := uint64(uintptr(unsafe.Pointer(&mapping[0])))
	m.ranges[base] = newReservation(base, size, m.pageSize, mapping)

	log.Debug("reserved range %#x+%d", base, size)

	return base, nil
}

// Commit makes a reserved range accessible.
func (m *Manager) Commit(addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	r, err := m.lookup(addr, size)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(r.slice(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return memoryError("failed to commit %#x+%d: %v", addr, size, err)
	}
	r.markCommitted(addr, size, true)

	return nil
}

// Decommit drops the pages of a committed range and makes it inaccessible.
func (m *Manager) Decommit(addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	r, err := m.lookup(addr, size)
	if err != nil {
		return err
	}
	if !r.isCommitted(addr, size) {
		return memoryError("range %#x+%d is not committed", addr, size)
	}
	mem := r.slice(addr, size)
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return memoryError("failed to drop pages of %#x+%d: %v", addr, size, err)
	}
	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		return memoryError("failed to decommit %#x+%d: %v", addr, size, err)
	}
	r.markCommitted(addr, size, false)

	return nil
}

// Release unmaps a reservation.
func (m *Manager) Release(base uint64) error {
	m.Lock()
	defer m.Unlock()

	r, ok := m.ranges[base]
	if !ok {
		return memoryError("no reservation at %#x", base)
	}
	if err := unix.Munmap(r.mapping); err != nil {
		return memoryError("failed to release %#x+%d: %v", base, r.size, err)
	}
	delete(m.ranges, base)

	log.Debug("released range %#x+%d", base, r.size)

	return nil
}

// SetNumaAffinity binds a reserved range to a NUMA node.
func (m *Manager) SetNumaAffinity(node uint32, addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	r, err := m.lookup(addr, size)
	if err != nil {
		return err
	}

	// long mbind(void *addr, unsigned long len, int mode,
	//            const unsigned long *nodemask, unsigned long maxnode,
	//            unsigned flags);
	mask := make([]uint64, node/64+1)
	mask[node/64] |= 1 << (node % 64)
	maxNode := uint64(len(mask))*64 + 1

	mem := r.slice(addr, size)
	_, _, en := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])), uintptr(size), mpolBind,
		uintptr(unsafe.Pointer(&mask[0])), uintptr(maxNode), mpolMfMove)
	if en != 0 {
		return memoryError("failed to bind %#x+%d to node %d: %v", addr, size, node, unix.Errno(en))
	}

	return nil
}

// PageNodes returns the NUMA node of each resident page in a committed
// range. Pages not faulted in yet are reported with a negative errno.
func (m *Manager) PageNodes(addr, size uint64) ([]int, error) {
	m.Lock()
	r, err := m.lookup(addr, size)
	m.Unlock()
	if err != nil {
		return nil, err
	}

	// long move_pages(int pid, unsigned long count, void **pages,
	//                 const int *nodes, int *status, int flags);
	mem := r.slice(addr, size)
	count := size / m.pageSize
	pages := make([]uintptr, count)
	for i := range pages {
		pages[i] = uintptr(unsafe.Pointer(&mem[uint64(i)*m.pageSize]))
	}
	status := make([]int32, count)

	_, _, en := unix.Syscall6(unix.SYS_MOVE_PAGES, 0, uintptr(count),
		uintptr(unsafe.Pointer(&pages[0])), 0, uintptr(unsafe.Pointer(&status[0])), 0)
	if en != 0 {
		return nil, memoryError("failed to query nodes of %#x+%d: %v", addr, size, unix.Errno(en))
	}

	nodes := make([]int, count)
	for i, s := range status {
		nodes[i] = int(s)
	}
	return nodes, nil
}

// slice returns the part of the mapping backing [addr, addr+size).
func (r *reservation) slice(addr, size uint64) []byte {
	off := addr - r.base
	return r.mapping[off : off+size]
}
