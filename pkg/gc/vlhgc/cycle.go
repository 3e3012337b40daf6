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
	"sync/atomic"
	"time"
)

// MarkCycle is the state of the global mark phase cycle. The master
// goroutine owns it, the fields touched by concurrent marking are atomic.
type MarkCycle struct {
	running          uint32
	processing       uint32
	terminate        uint32
	bytesScanned     uint64
	bytesStillToScan uint64
	concurrentBytes  uint64
	incrementalScan  int64
	increments       uint64
}

// Running returns true if a GMP cycle is in progress.
func (c *MarkCycle) Running() bool {
	return atomic.LoadUint32(&c.running) != 0
}

// Processing returns true once the cycle has scanned its roots.
func (c *MarkCycle) Processing() bool {
	return atomic.LoadUint32(&c.processing) != 0
}

// BytesScannedInGlobalMarkPhase returns the bytes scanned so far in the cycle.
func (c *MarkCycle) BytesScannedInGlobalMarkPhase() uint64 {
	return atomic.LoadUint64(&c.bytesScanned)
}

// BytesStillToScan returns the concurrent scan budget left before the next increment.
func (c *MarkCycle) BytesStillToScan() uint64 {
	return atomic.LoadUint64(&c.bytesStillToScan)
}

// ConcurrentBytesScanned returns the bytes scanned concurrently in the cycle.
func (c *MarkCycle) ConcurrentBytesScanned() uint64 {
	return atomic.LoadUint64(&c.concurrentBytes)
}

// IncrementalScanTime returns the scan time summed over the increments of the cycle.
func (c *MarkCycle) IncrementalScanTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.incrementalScan))
}

// Increments returns the number of increments run in the cycle.
func (c *MarkCycle) Increments() uint64 {
	return atomic.LoadUint64(&c.increments)
}

// Terminating returns true if concurrent marking has been asked to stop.
func (c *MarkCycle) Terminating() bool {
	return atomic.LoadUint32(&c.terminate) != 0
}

func (c *MarkCycle) start() {
	atomic.StoreUint64(&c.bytesScanned, 0)
	atomic.StoreUint64(&c.bytesStillToScan, 0)
	atomic.StoreUint64(&c.concurrentBytes, 0)
	atomic.StoreInt64(&c.incrementalScan, 0)
	atomic.StoreUint64(&c.increments, 0)
	atomic.StoreUint32(&c.processing, 0)
	atomic.StoreUint32(&c.running, 1)
}

func (c *MarkCycle) finish() {
	atomic.StoreUint32(&c.running, 0)
	atomic.StoreUint32(&c.processing, 0)
	atomic.StoreUint64(&c.bytesStillToScan, 0)
}

func (c *MarkCycle) incrementDone(scanned uint64, scanTime time.Duration) {
	atomic.AddUint64(&c.bytesScanned, scanned)
	atomic.AddInt64(&c.incrementalScan, int64(scanTime))
	atomic.AddUint64(&c.increments, 1)
	atomic.StoreUint32(&c.processing, 1)
}

func (c *MarkCycle) setBytesStillToScan(bytes uint64) {
	atomic.StoreUint64(&c.bytesStillToScan, bytes)
}

// concurrentDone accounts concurrently scanned bytes, consuming the budget.
func (c *MarkCycle) concurrentDone(scanned uint64) {
	atomic.AddUint64(&c.bytesScanned, scanned)
	atomic.AddUint64(&c.concurrentBytes, scanned)
	for {
		left := atomic.LoadUint64(&c.bytesStillToScan)
		next := uint64(0)
		if scanned < left {
			next = left - scanned
		}
		if atomic.CompareAndSwapUint64(&c.bytesStillToScan, left, next) {
			return
		}
	}
}

func (c *MarkCycle) setTerminate(state bool) {
	v := uint32(0)
	if state {
		v = 1
	}
	atomic.StoreUint32(&c.terminate, v)
}
