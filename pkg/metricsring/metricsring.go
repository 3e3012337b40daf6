/*
Copyright 2020-2022 Intel Corporation

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metricsring

import (
	"container/ring"
	"time"

	"github.com/VividCortex/ewma"
)

// SampleBuffer keeps the most recent samples of some measurement.
type SampleBuffer interface {
	// Push adds a new sample.
	Push(d float64)
	// EWMA returns the moving average of all pushed samples.
	EWMA() float64
	// Max returns the largest sample in the buffer.
	Max() float64
	// Mean returns the arithmetic mean of the samples in the buffer.
	Mean() float64
	// Count returns the total number of samples pushed.
	Count() uint64
	// GetTime returns the time spanned by the samples in the buffer.
	GetTime() time.Duration
	// GetSize returns the capacity of the buffer.
	GetSize() int
	// GetLastNSamples returns the latest count samples, oldest first.
	GetLastNSamples(count int) []float64
}

// MetricsRing implements SampleBuffer on top of container/ring.
type MetricsRing struct {
	r     *ring.Ring
	s     int    // the count of elements in the ring
	total uint64 // the count of samples ever pushed
	ma    ewma.MovingAverage
}

type sample struct {
	s         float64
	timestamp time.Time
}

// NewMetricsRing creates a ring of the given length. The moving average
// uses the ring length as its age. Note that for ages other than the
// default the average has a warm-up period of 10 samples, during which
// EWMA() returns 0.
func NewMetricsRing(ringlen int) SampleBuffer {
	if ringlen < 1 {
		ringlen = 1
	}
	return &MetricsRing{
		r:  ring.New(ringlen),
		ma: ewma.NewMovingAverage(float64(ringlen)),
	}
}

// GetTime returns the time between the oldest and the latest sample.
func (mr *MetricsRing) GetTime() time.Duration {
	if mr.s == 0 {
		return 0
	}
	latest := mr.r.Prev().Value.(sample).timestamp
	oldest := mr.r.Move(-mr.s).Value.(sample).timestamp
	return latest.Sub(oldest)
}

// EWMA returns the exponentially weighted moving average of the samples.
func (mr *MetricsRing) EWMA() float64 {
	return mr.ma.Value()
}

// Push pushes a new sample, overwriting the oldest one if the ring is full.
func (mr *MetricsRing) Push(d float64) {
	mr.r.Value = sample{
		s:         d,
		timestamp: time.Now(),
	}
	mr.ma.Add(d)
	mr.r = mr.r.Next()

	if mr.s < mr.r.Len() {
		mr.s++
	}
	mr.total++
}

// Max returns the largest sample currently in the ring.
func (mr *MetricsRing) Max() float64 {
	max := 0.0
	for idx, v := range mr.GetLastNSamples(mr.s) {
		if idx == 0 || v > max {
			max = v
		}
	}
	return max
}

// Mean returns the mean of the samples currently in the ring.
func (mr *MetricsRing) Mean() float64 {
	if mr.s == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range mr.GetLastNSamples(mr.s) {
		sum += v
	}
	return sum / float64(mr.s)
}

// Count returns the number of samples ever pushed.
func (mr *MetricsRing) Count() uint64 {
	return mr.total
}

// GetSize returns the capacity of the ring.
func (mr *MetricsRing) GetSize() int {
	return mr.r.Len()
}

// GetLastNSamples returns up to count of the latest samples, oldest first.
func (mr *MetricsRing) GetLastNSamples(count int) []float64 {
	n := count
	if n > mr.s {
		n = mr.s
	}

	s := make([]float64, 0, n)
	p := mr.r.Move(-n)
	for i := 0; i < n; i++ {
		s = append(s, p.Value.(sample).s)
		p = p.Next()
	}

	return s
}
