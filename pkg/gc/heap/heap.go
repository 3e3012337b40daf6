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

// Package heap bootstraps the region-based heap: it reserves and commits
// heap memory, sets up the region table with its NUMA partitioning and the
// card table, and expands or contracts the heap between collections.
package heap

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/gcsched/pkg/gc/memory"
	"github.com/intel/gcsched/pkg/gc/region"
	logger "github.com/intel/gcsched/pkg/log"
	"github.com/intel/gcsched/pkg/sysfs"
)

// Memory reserves, commits and binds heap memory.
type Memory interface {
	region.MemoryManager
	// Reserve reserves size bytes of address space, returning its base.
	Reserve(size uint64) (uint64, error)
	// Commit makes a reserved range usable.
	Commit(addr, size uint64) error
	// Decommit returns a committed range to the reserved state.
	Decommit(addr, size uint64) error
	// Release releases a reservation by its base.
	Release(base uint64) error
}

// Heap is a bootstrapped region-based heap.
type Heap struct {
	sync.Mutex // protects published
	logger.Logger

	opts      *Options
	mem       Memory
	reserved  uint64 // base of the heap reservation
	table     *region.Table
	regions   *region.Manager
	cards     *CardTable
	committed uint64 // committed heap bytes, from the table base
	leaders   []uint32
	published Status
}

// Status is a point in time summary of the heap, safe to share.
type Status struct {
	// Snapshot is the occupancy of the heap by region class.
	Snapshot region.Snapshot
	// CommittedBytes is the committed heap size.
	CommittedBytes uint64
	// MaximumBytes is the maximum heap size.
	MaximumBytes uint64
	// CardBytes is the committed card table size.
	CardBytes uint64
	// RegionsPerNode is the number of enabled regions on each NUMA node.
	RegionsPerNode map[uint32]int
	// FreeRegions is the number of free regions.
	FreeRegions int
}

// our logger instance
var log = logger.NewLogger("heap")

// NewMemory creates the memory backend selected by the options.
func NewMemory(opts *Options) (Memory, error) {
	switch opts.Memory {
	case MemoryMmap:
		return memory.NewManager(), nil
	case MemorySimulated:
		// start simulated heaps at a recognizable, well aligned address
		return memory.NewSimulated(1<<40, uint64(opts.SimulatedPageSize.Value())), nil
	}
	return nil, heapError("unknown memory backend %q", opts.Memory)
}

// Bootstrap reserves the heap, sets up its region and card tables and
// commits its initial size. Regions older than maxAge are considered old.
func Bootstrap(opts *Options, mem Memory, maxAge uint) (*Heap, error) {
	if opts == nil {
		opts = GetOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid heap options")
	}

	regionSize := uint64(opts.RegionSize.Value())
	pageSize := mem.PageSize()
	if pageSize > regionSize || regionSize%pageSize != 0 {
		return nil, heapError("region size %d is not a multiple of page size %d",
			regionSize, pageSize)
	}
	maxSize := roundUp(uint64(opts.MaximumSize.Value()), regionSize)

	leaders, err := affinityLeaders(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover NUMA nodes")
	}

	// reserve an extra region to be able to align the heap base
	reserved, err := mem.Reserve(maxSize + regionSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of heap", maxSize)
	}

	h := &Heap{
		Logger:   log,
		opts:     opts,
		mem:      mem,
		reserved: reserved,
		leaders:  leaders,
	}

	h.table, err = region.NewTable(roundUp(reserved, regionSize), maxSize, regionSize)
	if err != nil {
		h.release()
		return nil, errors.Wrap(err, "failed to create region table")
	}
	h.regions = region.NewManager(h.table, mem, region.Options{
		AffinityLeaders: leaders,
		ForcedNode:      opts.ForcedNode,
		MaxAge:          maxAge,
	})

	h.cards, err = newCardTable(mem, h.table.Base(), maxSize, uint64(opts.CardSize.Value()))
	if err != nil {
		h.release()
		return nil, errors.Wrap(err, "failed to reserve card table")
	}

	if _, err := h.Expand(uint64(opts.InitialSize.Value())); err != nil {
		h.release()
		return nil, errors.Wrap(err, "failed to commit initial heap")
	}

	h.Info("heap %#x-%#x: %d regions of %d bytes, %d committed, NUMA nodes %v",
		h.table.Base(), h.table.Top(), h.table.Len(), regionSize, h.committed, h.nodesString())

	return h, nil
}

// affinityLeaders determines the NUMA nodes to spread the heap across.
func affinityLeaders(opts *Options) ([]uint32, error) {
	if !opts.NUMA || opts.ForcedNode != nil {
		return nil, nil
	}
	if len(opts.AffinityLeaders) > 0 {
		return append([]uint32{}, opts.AffinityLeaders...), nil
	}

	sys, err := sysfs.DiscoverSystemAt(opts.SysfsRoot)
	if err != nil {
		return nil, err
	}
	leaders := []uint32{}
	for _, id := range sys.MemoryNodes() {
		leaders = append(leaders, uint32(id))
	}
	// a single node is no different from no NUMA at all
	if len(leaders) < 2 {
		return nil, nil
	}
	return leaders, nil
}

// Regions returns the region manager of the heap.
func (h *Heap) Regions() *region.Manager {
	return h.regions
}

// Table returns the region table of the heap.
func (h *Heap) Table() *region.Table {
	return h.table
}

// Cards returns the card table of the heap.
func (h *Heap) Cards() *CardTable {
	return h.cards
}

// RegionSize returns the size of a single region.
func (h *Heap) RegionSize() uint64 {
	return h.table.RegionSize()
}

// InitialSize returns the initial heap size.
func (h *Heap) InitialSize() uint64 {
	return roundUp(uint64(h.opts.InitialSize.Value()), h.RegionSize())
}

// MaximumSize returns the maximum heap size.
func (h *Heap) MaximumSize() uint64 {
	return h.table.Top() - h.table.Base()
}

// CommittedSize returns the committed heap size.
func (h *Heap) CommittedSize() uint64 {
	return h.committed
}

// AffinityLeaders returns the NUMA nodes the heap is spread across.
func (h *Heap) AffinityLeaders() []uint32 {
	return append([]uint32{}, h.leaders...)
}

// FreeRegionCount returns the number of free regions.
func (h *Heap) FreeRegionCount() uint64 {
	return uint64(h.table.Regions(region.IsFree).Count())
}

// AllocationContextCount returns the number of NUMA allocation contexts.
func (h *Heap) AllocationContextCount() uint64 {
	return uint64(h.regions.NodeCount())
}

// Expand commits at least size more bytes of heap, in whole regions, up to
// the maximum heap size. It returns the number of bytes added.
func (h *Heap) Expand(size uint64) (uint64, error) {
	rs := h.RegionSize()
	size = roundUp(size, rs)
	if room := h.MaximumSize() - h.committed; size > room {
		size = room
	}
	if size == 0 {
		return 0, nil
	}

	extent := region.Extent{
		Low:  h.table.Base() + h.committed,
		High: h.table.Base() + h.committed + size,
	}

	if err := h.mem.Commit(extent.Low, extent.Size()); err != nil {
		return 0, errors.Wrapf(err, "failed to commit heap extent %s", extent)
	}
	if err := h.cards.commit(extent); err != nil {
		h.decommit(extent)
		return 0, errors.Wrapf(err, "failed to commit cards for heap extent %s", extent)
	}
	if !h.regions.EnableRegionsInTable(extent) {
		h.decommit(extent)
		return 0, heapError("failed to enable regions for heap extent %s", extent)
	}
	if h.numaEnabled() {
		if err := h.cards.mirrorNuma(h.table, extent); err != nil {
			h.regions.DisableRegionsInTable(extent)
			h.decommit(extent)
			return 0, errors.Wrapf(err, "failed to bind cards for heap extent %s", extent)
		}
	}

	h.committed += size
	h.Debug("expanded heap by %d bytes to %d", size, h.committed)

	return size, nil
}

// Contract decommits at most size bytes of free regions from the top of
// the heap, never going below the initial heap size. It returns the number
// of bytes removed.
func (h *Heap) Contract(size uint64) (uint64, error) {
	rs := h.RegionSize()
	floor := h.InitialSize()
	removed := uint64(0)

	for removed+rs <= size && h.committed-removed > floor {
		idx, _ := h.table.RegionIndex(h.table.Base() + h.committed - removed - rs)
		if !h.table.Descriptor(idx).IsFree() {
			break
		}
		removed += rs
	}
	if removed == 0 {
		return 0, nil
	}

	extent := region.Extent{
		Low:  h.table.Base() + h.committed - removed,
		High: h.table.Base() + h.committed,
	}
	h.regions.DisableRegionsInTable(extent)
	if err := h.decommit(extent); err != nil {
		return 0, errors.Wrapf(err, "failed to decommit heap extent %s", extent)
	}

	h.committed -= removed
	h.Debug("contracted heap by %d bytes to %d", removed, h.committed)

	return removed, nil
}

// Resize expands or contracts the heap to keep its free ratio within the
// configured bounds. It returns true if the heap size changed.
func (h *Heap) Resize() (bool, error) {
	var (
		rs    = h.RegionSize()
		free  = h.FreeRegionCount() * rs
		total = h.committed
		ratio = float64(free) / float64(total)
		step  = roundUp(total*uint64(h.opts.ExpansionPercent)/100, rs)
	)

	switch {
	case ratio < h.opts.MinFreeRatio && total < h.MaximumSize():
		added, err := h.Expand(step)
		if err != nil {
			return false, err
		}
		h.Info("free ratio %.2f below %.2f, expanded heap by %d to %d bytes",
			ratio, h.opts.MinFreeRatio, added, h.committed)
		return added > 0, nil

	case ratio > h.opts.MaxFreeRatio && total > h.InitialSize():
		// contract no further than where the free ratio would drop below the maximum
		excess := free - uint64(h.opts.MaxFreeRatio*float64(total))
		if excess > step {
			excess = step
		}
		removed, err := h.Contract(excess)
		if err != nil {
			return false, err
		}
		if removed > 0 {
			h.Info("free ratio %.2f above %.2f, contracted heap by %d to %d bytes",
				ratio, h.opts.MaxFreeRatio, removed, h.committed)
		}
		return removed > 0, nil
	}

	return false, nil
}

// Publish records the current status of the heap for Status. edenBudget
// is the nominal size of Eden.
func (h *Heap) Publish(edenBudget uint64) {
	status := Status{
		Snapshot:       h.regions.GetHeapMemorySnapshot(edenBudget),
		CommittedBytes: h.committed,
		MaximumBytes:   h.MaximumSize(),
		CardBytes:      h.cards.CommittedSize(),
		RegionsPerNode: map[uint32]int{},
	}
	it := h.table.Regions()
	for d := it.Next(); d != nil; d = it.Next() {
		status.RegionsPerNode[d.Node]++
		if d.IsFree() {
			status.FreeRegions++
		}
	}

	h.Lock()
	defer h.Unlock()
	h.published = status
}

// Status returns the latest published status of the heap. It is safe for
// concurrent use.
func (h *Heap) Status() Status {
	h.Lock()
	defer h.Unlock()
	return h.published
}

// Shutdown releases all heap memory.
func (h *Heap) Shutdown() error {
	var err error
	if h.cards != nil {
		err = h.cards.release()
	}
	if rerr := h.mem.Release(h.reserved); rerr != nil && err == nil {
		err = rerr
	}
	h.committed = 0
	return err
}

func (h *Heap) numaEnabled() bool {
	return h.opts.ForcedNode != nil || len(h.leaders) > 0
}

func (h *Heap) nodesString() string {
	switch {
	case h.opts.ForcedNode != nil:
		return fmt.Sprintf("[%d] (forced)", *h.opts.ForcedNode)
	case len(h.leaders) == 0:
		return "none"
	}
	return fmt.Sprintf("%v", h.leaders)
}

// decommit decommits a heap extent along with its cards.
func (h *Heap) decommit(extent region.Extent) error {
	err := h.mem.Decommit(extent.Low, extent.Size())
	if cerr := h.cards.decommit(extent); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// release releases everything after a failed bootstrap.
func (h *Heap) release() {
	if err := h.Shutdown(); err != nil {
		h.Warn("failed to release heap memory: %v", err)
	}
}

// heapError returns a formatted heap-specific error.
func heapError(format string, args ...interface{}) error {
	return fmt.Errorf("heap: "+format, args...)
}
