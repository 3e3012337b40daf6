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
	"math/bits"
)

// State is the occupancy state of a region.
type State int

const (
	// StateFree marks a free or idle region.
	StateFree State = iota
	// StateObjects marks a region containing objects.
	StateObjects
	// StateArrayletLeaf marks a region holding the leaf of a large array.
	StateArrayletLeaf
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateObjects:
		return "objects"
	case StateArrayletLeaf:
		return "arraylet-leaf"
	}
	return fmt.Sprintf("<state %d>", int(s))
}

// Descriptor describes a single fixed-size heap region.
type Descriptor struct {
	index   int
	enabled bool

	// Node is the NUMA node the region is bound to.
	Node uint32
	// Age is the logical age of the region, 0 for Eden.
	Age uint
	// State is the occupancy state of the region.
	State State
	// FreeBytes is the amount of free memory in the region.
	FreeBytes uint64
	// DarkMatterBytes is the amount of unusable free memory in the region.
	DarkMatterBytes uint64
	// ScannableBytes is the amount of live data which needs scanning.
	ScannableBytes uint64
	// NonScannableBytes is the amount of live data which needs no scanning.
	NonScannableBytes uint64
	// RSCLAccurate is false if the remembered set card list overflowed or is being rebuilt.
	RSCLAccurate bool
	// Defragment marks the region as a defragmentation target.
	Defragment bool
}

// Index returns the index of the region in its table.
func (d *Descriptor) Index() int {
	return d.index
}

// Enabled returns true if the region is backed by committed heap memory.
func (d *Descriptor) Enabled() bool {
	return d.enabled
}

// IsFree returns true if the region is free or idle.
func (d *Descriptor) IsFree() bool {
	return d.State == StateFree
}

// ContainsObjects returns true if the region contains objects.
func (d *Descriptor) ContainsObjects() bool {
	return d.State == StateObjects
}

// IsArrayletLeaf returns true if the region is an arraylet leaf.
func (d *Descriptor) IsArrayletLeaf() bool {
	return d.State == StateArrayletLeaf
}

// Recycle returns a fully reclaimed region to the free state.
func (d *Descriptor) Recycle(regionSize uint64) {
	d.State = StateFree
	d.Age = 0
	d.FreeBytes = regionSize
	d.DarkMatterBytes = 0
	d.ScannableBytes = 0
	d.NonScannableBytes = 0
	d.RSCLAccurate = true
	d.Defragment = false
}

// Table is the indexed table of all regions of the heap address range.
type Table struct {
	base       uint64
	regionSize uint64
	shift      int
	regions    []*Descriptor
}

// NewTable creates a region table covering size bytes of address space at base.
func NewTable(base, size, regionSize uint64) (*Table, error) {
	if regionSize == 0 || bits.OnesCount64(regionSize) != 1 {
		return nil, regionError("region size %d is not a power of two", regionSize)
	}
	if base%regionSize != 0 {
		return nil, regionError("heap base %#x is not aligned to region size %d", base, regionSize)
	}
	if size == 0 || size%regionSize != 0 {
		return nil, regionError("heap size %d is not a multiple of region size %d", size, regionSize)
	}

	t := &Table{
		base:       base,
		regionSize: regionSize,
		shift:      bits.TrailingZeros64(regionSize),
		regions:    make([]*Descriptor, size/regionSize),
	}
	for idx := range t.regions {
		t.regions[idx] = &Descriptor{index: idx, RSCLAccurate: true}
	}

	return t, nil
}

// RegionSize returns the size of a single region.
func (t *Table) RegionSize() uint64 {
	return t.regionSize
}

// Base returns the lowest address covered by the table.
func (t *Table) Base() uint64 {
	return t.base
}

// Top returns the address right above the last region of the table.
func (t *Table) Top() uint64 {
	return t.base + uint64(len(t.regions))*t.regionSize
}

// Len returns the number of regions in the table, enabled or not.
func (t *Table) Len() int {
	return len(t.regions)
}

// Descriptor returns the descriptor for the region at index.
func (t *Table) Descriptor(index int) *Descriptor {
	if index < 0 || index >= len(t.regions) {
		return nil
	}
	return t.regions[index]
}

// RegionIndex returns the index of the region containing addr.
func (t *Table) RegionIndex(addr uint64) (int, bool) {
	if addr < t.base || addr >= t.Top() {
		return -1, false
	}
	return int((addr - t.base) >> t.shift), true
}

// Address returns the lowest address of the region at index.
func (t *Table) Address(index int) uint64 {
	return t.base + uint64(index)<<t.shift
}

// EnabledCount returns the number of enabled regions.
func (t *Table) EnabledCount() int {
	count := 0
	for _, d := range t.regions {
		if d.enabled {
			count++
		}
	}
	return count
}

// TotalHeapSize returns the amount of memory in enabled regions.
func (t *Table) TotalHeapSize() uint64 {
	return uint64(t.EnabledCount()) * t.regionSize
}

// Regions returns an iterator over all enabled regions matching every predicate.
func (t *Table) Regions(predicates ...Predicate) *Iterator {
	return &Iterator{
		t:     t,
		match: And(predicates...),
	}
}

// Iterator lazily iterates over the enabled regions of a table that match a predicate.
type Iterator struct {
	t     *Table
	match Predicate
	next  int
}

// Next returns the next matching region, or nil once the iteration is over.
func (it *Iterator) Next() *Descriptor {
	for it.next < len(it.t.regions) {
		d := it.t.regions[it.next]
		it.next++
		if d.enabled && it.match(d) {
			return d
		}
	}
	return nil
}

// Reset restarts the iteration from the first region.
func (it *Iterator) Reset() {
	it.next = 0
}

// Count consumes the rest of the iteration, returning the number of matching regions.
func (it *Iterator) Count() int {
	count := 0
	for it.Next() != nil {
		count++
	}
	return count
}

// Predicate selects regions for an Iterator.
type Predicate func(*Descriptor) bool

// All matches every region.
func All(*Descriptor) bool {
	return true
}

// IsFree matches free regions.
func IsFree(d *Descriptor) bool {
	return d.IsFree()
}

// HasObjects matches regions which contain objects.
func HasObjects(d *Descriptor) bool {
	return d.ContainsObjects()
}

// IsArrayletLeaf matches arraylet leaf regions.
func IsArrayletLeaf(d *Descriptor) bool {
	return d.IsArrayletLeaf()
}

// IsEden matches non-free regions of age 0.
func IsEden(d *Descriptor) bool {
	return !d.IsFree() && d.Age == 0
}

// IsSurvivor returns a predicate matching non-free regions younger than maxAge but not Eden.
func IsSurvivor(maxAge uint) Predicate {
	return func(d *Descriptor) bool {
		return !d.IsFree() && d.Age > 0 && d.Age < maxAge
	}
}

// IsOld returns a predicate matching non-free regions that reached maxAge.
func IsOld(maxAge uint) Predicate {
	return func(d *Descriptor) bool {
		return !d.IsFree() && d.Age >= maxAge
	}
}

// OnNode returns a predicate matching regions bound to the given NUMA node.
func OnNode(node uint32) Predicate {
	return func(d *Descriptor) bool {
		return d.Node == node
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(d *Descriptor) bool {
		return !p(d)
	}
}

// And returns a predicate matching regions matched by all predicates.
func And(predicates ...Predicate) Predicate {
	switch len(predicates) {
	case 0:
		return All
	case 1:
		return predicates[0]
	}
	return func(d *Descriptor) bool {
		for _, p := range predicates {
			if !p(d) {
				return false
			}
		}
		return true
	}
}

func regionError(format string, args ...interface{}) error {
	return fmt.Errorf("region: "+format, args...)
}
