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

package vlhgc

import (
	"context"
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
	"github.com/intel/gcsched/pkg/gc/scheduling"
)

// Marker traces the object graph.
type Marker interface {
	// MarkPartial marks the collection set of a mark-compact PGC.
	MarkPartial(ctx context.Context) scheduling.MarkStats
	// StartGlobalMark starts a new GMP cycle, scanning its roots.
	StartGlobalMark(ctx context.Context)
	// MarkIncrement runs a GMP increment, scanning about target bytes or
	// until the deadline passes. It returns true once the cycle is complete.
	MarkIncrement(ctx context.Context, target uint64, deadline time.Time) (scheduling.MarkStats, bool)
	// MarkConcurrent scans up to target bytes alongside the mutator. It
	// polls stop and returns early, with the bytes scanned, once it is true.
	MarkConcurrent(ctx context.Context, target uint64, stop func() bool) uint64
	// MarkGlobal marks the whole heap in a single pause, completing any
	// GMP cycle in progress.
	MarkGlobal(ctx context.Context) scheduling.MarkStats
}

// CopyForwarder evacuates the live objects of the collection set.
type CopyForwarder interface {
	// EstimateRequiredSurvivorBytes estimates the survivor space the next
	// copy-forward needs.
	EstimateRequiredSurvivorBytes() uint64
	// CopyForward evacuates the collection set.
	CopyForward(ctx context.Context) scheduling.CopyForwardStats
}

// Compactor slides live objects together within regions.
type Compactor interface {
	// Compact compacts the collection set, and at least goal bytes of
	// defragmentation targets. It returns the number of regions freed.
	Compact(ctx context.Context, goal uint64) int
	// CompactAborted compacts the regions a failed copy-forward left behind.
	CompactAborted(ctx context.Context) int
	// CompactAll compacts the whole heap.
	CompactAll(ctx context.Context)
}

// Sweeper rebuilds free memory accounting after marking.
type Sweeper interface {
	// Sweep sweeps the collection set of a PGC.
	Sweep(ctx context.Context)
	// GlobalSweep sweeps the whole heap using the results of a GMP.
	GlobalSweep(ctx context.Context)
	// AtomicSweep sweeps the regions a copy-forward skipped.
	AtomicSweep(ctx context.Context)
}

// Reclaimer estimates the reclaimable memory of the heap.
type Reclaimer interface {
	// EstimateReclaimableRegions returns the number of regions that could
	// be reclaimed, and how many of those are defragmentation targets,
	// given the expected emptiness of copy-forward destinations.
	EstimateReclaimableRegions(emptiness float64) (reclaimable, defragment uint64)
	// OptimalEmptinessThreshold returns the region emptiness above which
	// defragmentation pays off.
	OptimalEmptinessThreshold(consumptionRate, avgSurvivorRegions, copyForwardRate, scanCostPerGMP float64) float64
}

// AllocationManager owns the mutator allocation contexts.
type AllocationManager interface {
	scheduling.AllocationStatus
	// FlushAllocationContexts retires all allocation contexts before a collection.
	FlushAllocationContexts()
	// SetBytesRemainingBeforeTaxation arms the next taxation point.
	SetBytesRemainingBeforeTaxation(bytes uint64)
}

// RememberedSet tracks inter-region references.
type RememberedSet interface {
	// FlushIntoCardTable moves buffered remembered set entries to cards.
	FlushIntoCardTable()
	// FlushBuffersForDecommittedRegions drops buffers of decommitted regions, if needed.
	FlushBuffersForDecommittedRegions()
	// SetShouldFlushBuffersForDecommittedRegions requests a flush at the next PGC.
	SetShouldFlushBuffersForDecommittedRegions()
	// OverflowIfStableRegion overflows the card list of a region aged to the maximum.
	OverflowIfStableRegion(r *region.Descriptor)
	// PrepareForGlobalCollect readies remembered sets for a global collection.
	PrepareForGlobalCollect(gmpRunning bool)
	// SetUnusedRegionThreshold sets the emptiness above which regions are
	// considered unused when rebuilding card lists.
	SetUnusedRegionThreshold(threshold float64)
}

// HeapResizer expands or contracts the heap after a collection.
type HeapResizer interface {
	// Resize adjusts the committed heap, returning true if it changed.
	Resize() (bool, error)
	// CommittedSize returns the size of the committed heap.
	CommittedSize() uint64
}
