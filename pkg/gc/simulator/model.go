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
	"math/rand"
	"sync"

	"github.com/intel/gcsched/pkg/gc/region"
	logger "github.com/intel/gcsched/pkg/log"
)

// Counters are the cumulative activity counters of a Model.
type Counters struct {
	// CardFlushes counts remembered set buffer flushes into the card table.
	CardFlushes uint64
	// DecommitFlushes counts buffer flushes for decommitted regions.
	DecommitFlushes uint64
	// Overflows counts card lists overflowed for stable regions.
	Overflows uint64
	// BytesCopied and BytesCompacted count evacuated and slid bytes.
	BytesCopied    uint64
	BytesCompacted uint64
	// BytesMarked counts bytes marked by PGCs, GMP increments and global marks.
	BytesMarked uint64
	// RegionsReclaimed counts regions returned to the free state.
	RegionsReclaimed uint64
}

// Model is a synthetic object graph laid over the regions of a heap. It
// keeps the true amount of live data of every region hidden from the
// collector, and reveals it in the region descriptors only as regions
// are swept, copied or compacted. Model implements every collaborator a
// collector needs apart from allocation.
type Model struct {
	sync.Mutex // protects marking state, for concurrent marking
	logger.Logger

	opts       *Options
	clock      *Clock
	table      *region.Table
	nurseryAge uint
	threads    int
	rand       *rand.Rand

	live    []uint64 // true live bytes per region
	aborted []bool   // regions left in place by an aborted copy-forward

	marking bool
	toScan  uint64 // bytes left to mark in the active GMP
	credit  uint64 // bytes concurrent marking may scan

	unusedThreshold  float64
	flushDecommitted bool
	counters         Counters
}

// NewModel creates a model over the given region table. Regions up to
// nurseryAge are collected by every PGC, threads is the number of GC
// threads sharing the work of a pause.
func NewModel(opts *Options, clock *Clock, table *region.Table, nurseryAge uint, threads int) *Model {
	if threads < 1 {
		threads = 1
	}
	return &Model{
		Logger:     log,
		opts:       opts,
		clock:      clock,
		table:      table,
		nurseryAge: nurseryAge,
		threads:    threads,
		rand:       rand.New(rand.NewSource(opts.Seed)),
		live:       make([]uint64, table.Len()),
		aborted:    make([]bool, table.Len()),
	}
}

// Counters returns the activity counters of the model.
func (m *Model) Counters() Counters {
	m.Lock()
	defer m.Unlock()
	return m.counters
}

// Live returns the true live bytes of a region.
func (m *Model) Live(d *region.Descriptor) uint64 {
	return m.live[d.Index()]
}

// LiveBytes returns the true live bytes of the whole heap.
func (m *Model) LiveBytes() uint64 {
	total := uint64(0)
	it := m.table.Regions()
	for d := it.Next(); d != nil; d = it.Next() {
		total += m.live[d.Index()]
	}
	return total
}

// fill records that used bytes were allocated into a region, survival of
// which is decided right away.
func (m *Model) fill(d *region.Descriptor, used uint64) {
	survival := m.opts.SurvivalRatio
	if j := m.opts.Jitter; j > 0 {
		survival *= 1 + j*(2*m.rand.Float64()-1)
	}
	if survival > 1 {
		survival = 1
	}
	m.live[d.Index()] += uint64(float64(used) * survival)
}

// fillArraylet records the allocation of an arraylet leaf, which either
// survives as a whole or dies as a whole.
func (m *Model) fillArraylet(d *region.Descriptor) {
	if m.rand.Float64() < m.opts.SurvivalRatio {
		m.live[d.Index()] = m.table.RegionSize()
	} else {
		m.live[d.Index()] = 0
	}
}

// Age lets a share of the data which survived Eden die.
func (m *Model) Age() {
	m.Lock()
	defer m.Unlock()

	death := m.opts.DeathRatio
	it := m.table.Regions(region.Not(region.IsFree))
	for d := it.Next(); d != nil; d = it.Next() {
		idx := d.Index()
		if d.Age == 0 || m.live[idx] == 0 {
			continue
		}
		if d.IsArrayletLeaf() {
			if m.rand.Float64() < death {
				m.live[idx] = 0
			}
			continue
		}
		m.live[idx] -= uint64(float64(m.live[idx]) * death)
	}
}

// claimFree turns the first free region into an object region of the given age.
func (m *Model) claimFree(age uint) *region.Descriptor {
	return m.claim(m.table.Regions(region.IsFree).Next(), age)
}

// claimFreeOn claims a free region preferably on the given NUMA node.
func (m *Model) claimFreeOn(node uint32, age uint) *region.Descriptor {
	if d := m.table.Regions(region.IsFree, region.OnNode(node)).Next(); d != nil {
		return m.claim(d, age)
	}
	return m.claimFree(age)
}

// claim turns a free region into an object region of the given age.
func (m *Model) claim(d *region.Descriptor, age uint) *region.Descriptor {
	if d == nil {
		return nil
	}
	d.State = region.StateObjects
	d.Age = age
	d.FreeBytes = m.table.RegionSize()
	d.DarkMatterBytes = 0
	d.ScannableBytes = 0
	d.NonScannableBytes = 0
	d.RSCLAccurate = true
	d.Defragment = false
	m.live[d.Index()] = 0
	return d
}

// recycle returns a region to the free state.
func (m *Model) recycle(d *region.Descriptor) {
	d.Recycle(m.table.RegionSize())
	m.live[d.Index()] = 0
	m.aborted[d.Index()] = false
	m.counters.RegionsReclaimed++
}

// reveal updates the live data accounting of a region to the truth.
func (m *Model) reveal(d *region.Descriptor) {
	live := m.live[d.Index()]
	d.ScannableBytes = uint64(float64(live) * m.opts.ScannableRatio)
	d.NonScannableBytes = live - d.ScannableBytes
}

// sweep rebuilds the free memory accounting of a region, reclaiming it
// if nothing in it is live.
func (m *Model) sweep(d *region.Descriptor) {
	live := m.live[d.Index()]
	if live == 0 {
		m.recycle(d)
		return
	}
	if d.IsArrayletLeaf() {
		return
	}
	d.FreeBytes = m.table.RegionSize() - live
	d.DarkMatterBytes = 0
	m.reveal(d)
}

// inCollectionSet returns true if a PGC collects the region.
func (m *Model) inCollectionSet(d *region.Descriptor) bool {
	return d.ContainsObjects() && (d.Age <= m.nurseryAge || d.Defragment)
}

// collectionSet returns the object regions collected by a PGC.
func (m *Model) collectionSet() []*region.Descriptor {
	set := []*region.Descriptor{}
	it := m.table.Regions(m.inCollectionSet)
	for d := it.Next(); d != nil; d = it.Next() {
		set = append(set, d)
	}
	return set
}

// reclaimDeadArraylets frees dead nursery arraylet leaves.
func (m *Model) reclaimDeadArraylets() {
	it := m.table.Regions(region.IsArrayletLeaf)
	for d := it.Next(); d != nil; d = it.Next() {
		if d.Age <= m.nurseryAge && m.live[d.Index()] == 0 {
			m.recycle(d)
		}
	}
}

// our logger instance
var log = logger.NewLogger("simulator")
