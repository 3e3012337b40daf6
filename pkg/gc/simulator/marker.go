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
	"context"
	"time"

	"github.com/intel/gcsched/pkg/gc/region"
	"github.com/intel/gcsched/pkg/gc/scheduling"
)

const (
	// scanChunk is the unit of work of concurrent marking between stop checks.
	scanChunk = 64 * 1024
)

// pause advances the clock by the wall time threads need for work which
// takes a single thread cost.
func (m *Model) pause(cost time.Duration) {
	m.clock.Advance(cost / time.Duration(m.threads))
}

// markBytes scans bytes, returning the statistics of the work.
func (m *Model) markBytes(bytes uint64) scheduling.MarkStats {
	cost := costOf(bytes, m.opts.ScanRate.Value())
	m.pause(cost)
	m.counters.BytesMarked += bytes
	return scheduling.MarkStats{BytesScanned: bytes, ScanTime: cost}
}

// heapLive returns the live bytes of all object regions.
func (m *Model) heapLive() uint64 {
	total := uint64(0)
	it := m.table.Regions(region.HasObjects)
	for d := it.Next(); d != nil; d = it.Next() {
		total += m.live[d.Index()]
	}
	return total
}

// MarkPartial marks the live objects of the PGC collection set.
func (m *Model) MarkPartial(_ context.Context) scheduling.MarkStats {
	m.Lock()
	defer m.Unlock()

	bytes := uint64(0)
	for _, d := range m.collectionSet() {
		bytes += m.live[d.Index()]
	}
	return m.markBytes(bytes)
}

// StartGlobalMark starts tracing the whole heap.
func (m *Model) StartGlobalMark(_ context.Context) {
	m.Lock()
	defer m.Unlock()

	m.marking = true
	m.toScan = m.heapLive()
	m.Debug("global mark started, %d bytes to scan", m.toScan)
}

// MarkIncrement scans up to target bytes of the active global mark,
// stopping early at the deadline.
func (m *Model) MarkIncrement(_ context.Context, target uint64, deadline time.Time) (scheduling.MarkStats, bool) {
	m.Lock()
	defer m.Unlock()

	bytes := min(target, m.toScan)
	if !deadline.IsZero() {
		left := deadline.Sub(m.clock.Now()) * time.Duration(m.threads)
		bytes = min(bytes, bytesIn(left, m.opts.ScanRate.Value()))
	}
	// always make some progress to guarantee the cycle terminates
	if bytes == 0 {
		bytes = min(scanChunk, m.toScan)
	}

	m.toScan -= bytes
	stats := m.markBytes(bytes)
	if m.toScan == 0 {
		m.marking = false
	}
	return stats, !m.marking
}

// Grant allows concurrent marking to scan the given bytes, the work the
// GC threads could do in the mutator time just passed.
func (m *Model) Grant(mutatorTime time.Duration) {
	bytes := bytesIn(time.Duration(float64(mutatorTime)*m.opts.ConcurrentRatio), m.opts.ScanRate.Value())
	m.Lock()
	defer m.Unlock()
	m.credit = bytes * uint64(m.threads)
}

// MarkConcurrent scans up to target bytes of the active global mark
// alongside the mutator, checking stop between chunks.
func (m *Model) MarkConcurrent(_ context.Context, target uint64, stop func() bool) uint64 {
	m.Lock()
	defer m.Unlock()

	scanned := uint64(0)
	for scanned < target && m.toScan > 0 && m.credit > 0 && !stop() {
		chunk := min(min(scanChunk, target-scanned), min(m.toScan, m.credit))
		scanned += chunk
		m.toScan -= chunk
		m.credit -= chunk
	}
	m.counters.BytesMarked += scanned
	return scanned
}

// MarkGlobal marks the whole heap, finishing any active global mark.
func (m *Model) MarkGlobal(_ context.Context) scheduling.MarkStats {
	m.Lock()
	defer m.Unlock()

	bytes := m.heapLive()
	if m.marking {
		bytes = m.toScan
	}
	m.marking = false
	m.toScan = 0
	return m.markBytes(bytes)
}

// Marking returns true while a global mark is in progress, and the bytes
// left to scan.
func (m *Model) Marking() (bool, uint64) {
	m.Lock()
	defer m.Unlock()
	return m.marking, m.toScan
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
