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
	"sync"
	"time"
)

// Clock is a virtual clock, advanced by the simulated mutator and collector.
type Clock struct {
	sync.Mutex
	now time.Time
}

// NewClock creates a clock starting at the given time.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

// costOf returns the time it takes to process bytes at rate bytes per second.
func costOf(bytes uint64, rate int64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(bytes) / float64(rate) * float64(time.Second))
}

// bytesIn returns the number of bytes processed at rate bytes per second in d.
func bytesIn(d time.Duration, rate int64) uint64 {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return uint64(d.Seconds() * float64(rate))
}
