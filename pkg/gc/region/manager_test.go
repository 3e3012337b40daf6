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
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type binding struct {
	node uint32
	addr uint64
	size uint64
}

type fakeMemory struct {
	pageSize uint64
	failNode int
	bindings []binding
}

func (m *fakeMemory) PageSize() uint64 {
	return m.pageSize
}

func (m *fakeMemory) SetNumaAffinity(node uint32, addr, size uint64) error {
	if m.failNode >= 0 && uint32(m.failNode) == node {
		return fmt.Errorf("mbind failed for node %d", node)
	}
	m.bindings = append(m.bindings, binding{node: node, addr: addr, size: size})
	return nil
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pageSize: 4096, failNode: -1}
}

func nodePtr(node uint32) *uint32 {
	return &node
}

func TestEnableRegionsSingleNode(t *testing.T) {
	table, err := NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	mm := newFakeMemory()
	m := NewManager(table, mm, Options{MaxAge: 5})

	require.True(t, m.EnableRegionsInTable(Extent{Low: heapBase, High: heapBase + 8*MiB}))
	require.Empty(t, mm.bindings)
	require.Equal(t, 8, table.EnabledCount())
	require.Equal(t, 8, table.Regions(OnNode(0), IsFree).Count())
	require.Equal(t, 1, m.NodeCount())
}

func TestEnableRegionsForcedNode(t *testing.T) {
	table, err := NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	mm := newFakeMemory()
	m := NewManager(table, mm, Options{
		AffinityLeaders: []uint32{0, 1},
		ForcedNode:      nodePtr(3),
	})

	extent := Extent{Low: heapBase, High: heapBase + 16*MiB}
	require.True(t, m.EnableRegionsInTable(extent))
	require.Equal(t, []binding{{node: 3, addr: heapBase, size: 16 * MiB}}, mm.bindings)
	require.Equal(t, 16, table.Regions(OnNode(3)).Count())
}

func TestEnableRegionsAcrossNodes(t *testing.T) {
	type testCase struct {
		name    string
		leaders []uint32
		regions uint64
		sizes   []uint64
	}

	for _, tc := range []testCase{
		{name: "two nodes, even split", leaders: []uint32{0, 1}, regions: 10, sizes: []uint64{5, 5}},
		{name: "three nodes, rounded up", leaders: []uint32{0, 1, 2}, regions: 10, sizes: []uint64{4, 3, 3}},
		{name: "four nodes, sparse ids", leaders: []uint32{0, 2, 4, 6}, regions: 7, sizes: []uint64{2, 2, 2, 1}},
		{name: "more nodes than regions", leaders: []uint32{0, 1, 2, 3}, regions: 2, sizes: []uint64{1, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			table, err := NewTable(heapBase, 32*MiB, MiB)
			require.NoError(t, err)
			mm := newFakeMemory()
			m := NewManager(table, mm, Options{AffinityLeaders: tc.leaders})

			extent := Extent{Low: heapBase + 4*MiB, High: heapBase + 4*MiB + tc.regions*MiB}
			require.True(t, m.EnableRegionsInTable(extent))
			require.Len(t, mm.bindings, len(tc.sizes))

			sort.Slice(mm.bindings, func(i, j int) bool {
				return mm.bindings[i].addr < mm.bindings[j].addr
			})

			// the bindings must cover the extent with no gaps or overlaps
			addr := extent.Low
			for i, b := range mm.bindings {
				require.Equal(t, addr, b.addr, "binding #%d", i)
				require.Equal(t, tc.sizes[i]*MiB, b.size, "binding #%d", i)
				require.Zero(t, b.size%MiB)
				require.Equal(t, tc.leaders[i], b.node)
				for a := b.addr; a < b.addr+b.size; a += MiB {
					idx, ok := table.RegionIndex(a)
					require.True(t, ok)
					require.Equal(t, b.node, table.Descriptor(idx).Node)
					require.True(t, table.Descriptor(idx).Enabled())
				}
				addr += b.size
			}
			require.Equal(t, extent.High, addr)
			require.Equal(t, int(tc.regions), table.EnabledCount())
		})
	}
}

func TestEnableRegionsBindFailure(t *testing.T) {
	table, err := NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	mm := newFakeMemory()
	mm.failNode = 1
	m := NewManager(table, mm, Options{AffinityLeaders: []uint32{0, 1}})

	require.False(t, m.EnableRegionsInTable(Extent{Low: heapBase, High: heapBase + 8*MiB}))
	require.Equal(t, 0, table.EnabledCount())
}

func TestEnableRegionsInvalidExtent(t *testing.T) {
	table, err := NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	m := NewManager(table, newFakeMemory(), Options{})

	require.False(t, m.EnableRegionsInTable(Extent{Low: heapBase, High: heapBase + 32*MiB}))
	require.False(t, m.EnableRegionsInTable(Extent{Low: heapBase + 4096, High: heapBase + MiB + 4096}))
	require.Equal(t, 0, table.EnabledCount())
}

func TestDisableRegions(t *testing.T) {
	table, err := NewTable(heapBase, 16*MiB, MiB)
	require.NoError(t, err)
	m := NewManager(table, newFakeMemory(), Options{})

	require.True(t, m.EnableRegionsInTable(Extent{Low: heapBase, High: heapBase + 16*MiB}))
	m.DisableRegionsInTable(Extent{Low: heapBase + 12*MiB, High: heapBase + 16*MiB})
	require.Equal(t, 12, table.EnabledCount())
	require.Equal(t, 12*MiB, table.TotalHeapSize())
}

func TestHeapMemorySnapshot(t *testing.T) {
	const maxAge = 5

	table, err := NewTable(heapBase, 10*MiB, MiB)
	require.NoError(t, err)
	m := NewManager(table, newFakeMemory(), Options{MaxAge: maxAge})
	require.True(t, m.EnableRegionsInTable(Extent{Low: heapBase, High: heapBase + 10*MiB}))

	// 3 free, 2 Eden, 4 survivor, 1 old region
	ages := []uint{0, 0, 1, 2, 3, 4, maxAge}
	for idx, age := range ages {
		d := table.Descriptor(idx)
		d.State = StateObjects
		d.Age = age
		d.FreeBytes = MiB / 4
	}

	type testCase struct {
		name         string
		budget       uint64
		freeEden     uint64
		freeReserved uint64
	}

	for _, tc := range []testCase{
		{name: "budget matches Eden regions", budget: 2 * MiB, freeEden: MiB / 2, freeReserved: 3 * MiB},
		{name: "budget above Eden regions", budget: 4 * MiB, freeEden: MiB/2 + 2*MiB, freeReserved: MiB},
		{name: "budget exceeds free memory", budget: 10 * MiB, freeEden: MiB/2 + 3*MiB, freeReserved: 0},
		{name: "mutators consumed more than the budget", budget: MiB, freeEden: 0, freeReserved: 3 * MiB},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := m.GetHeapMemorySnapshot(tc.budget)

			require.Equal(t, 10*MiB, s.TotalHeap)
			require.Equal(t, 3*MiB, s.TotalReserved)
			require.Equal(t, 2*MiB, s.TotalEden)
			require.Equal(t, 4*MiB, s.TotalSurvivor)
			require.Equal(t, 1*MiB, s.TotalOld)
			require.Equal(t, s.TotalHeap, s.TotalReserved+s.TotalEden+s.TotalSurvivor+s.TotalOld)

			require.Equal(t, tc.freeEden, s.FreeEden)
			require.Equal(t, tc.freeReserved, s.FreeReserved)
			require.Equal(t, MiB, s.FreeSurvivor)
			require.Equal(t, MiB/4, s.FreeOld)
		})
	}
}
