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

//go:build !linux
// +build !linux

package memory

import (
	"os"
)

// Manager is the memory manager for platforms without native support. It
// only refuses every request.
type Manager struct {
	reservations
}

// NewManager creates a memory manager using the system page size.
func NewManager() *Manager {
	return &Manager{
		reservations: newReservations(uint64(os.Getpagesize())),
	}
}

// Reserve fails, reserving memory is not supported.
func (m *Manager) Reserve(size uint64) (uint64, error) {
	return 0, memoryError("reserving memory is not supported on this platform")
}

// Commit fails, committing memory is not supported.
func (m *Manager) Commit(addr, size uint64) error {
	return memoryError("committing memory is not supported on this platform")
}

// Decommit fails, decommitting memory is not supported.
func (m *Manager) Decommit(addr, size uint64) error {
	return memoryError("decommitting memory is not supported on this platform")
}

// Release fails, releasing memory is not supported.
func (m *Manager) Release(base uint64) error {
	return memoryError("releasing memory is not supported on this platform")
}

// SetNumaAffinity fails, NUMA binding is not supported.
func (m *Manager) SetNumaAffinity(node uint32, addr, size uint64) error {
	return memoryError("NUMA binding is not supported on this platform")
}

// PageNodes fails, querying page nodes is not supported.
func (m *Manager) PageNodes(addr, size uint64) ([]int, error) {
	return nil, memoryError("querying page nodes is not supported on this platform")
}
