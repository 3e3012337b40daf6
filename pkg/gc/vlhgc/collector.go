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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gcsched/pkg/metrics"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	collectionsDesc = iota
	abortedDesc
	gmpIncrementsDesc
	concurrentBytesDesc
	resizesDesc
	gmpRunningDesc
	thresholdDesc
	allocatedDesc
	pauseDesc
	numDescriptors
)

const subsystem = "collector"

var descriptors = [numDescriptors]*prometheus.Desc{
	collectionsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "collections_total"),
		"Number of collections run.",
		[]string{
			// copy-forward, mark-compact, gmp or global
			"type",
		}, nil,
	),
	abortedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "aborted_copy_forwards_total"),
		"Number of copy-forwards which ran out of survivor space.",
		nil, nil,
	),
	gmpIncrementsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "gmp_increments_total"),
		"Number of GMP increments run.",
		nil, nil,
	),
	concurrentBytesDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "concurrent_marked_bytes_total"),
		"Number of bytes marked concurrently with the mutator.",
		nil, nil,
	),
	resizesDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "heap_resizes_total"),
		"Number of heap expansions and contractions.",
		nil, nil,
	),
	gmpRunningDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "gmp_running"),
		"1 while a GMP cycle is in progress.",
		nil, nil,
	),
	thresholdDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "taxation_threshold_bytes"),
		"Allocation budget until the next taxation point.",
		nil, nil,
	),
	allocatedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "allocated_since_pgc_bytes"),
		"Allocation budget handed out since the last PGC.",
		nil, nil,
	),
	pauseDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "pause_milliseconds"),
		"Recent pause times.",
		[]string{
			// last, average, mean or max
			"stat",
		}, nil,
	),
}

type collector struct {
	g *GC
}

// NewCollector creates a Prometheus collector for the statistics of a GC.
func NewCollector(g *GC) prometheus.Collector {
	return &collector{g: g}
}

// RegisterCollector registers a collector for the GC under the given name.
func RegisterCollector(name string, g *GC) error {
	return metrics.RegisterCollector(name, func() (prometheus.Collector, error) {
		return NewCollector(g), nil
	})
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.g.Stats()

	gauge := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}
	counter := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.CounterValue, value, labels...)
	}

	counter(collectionsDesc, float64(s.CopyForwardPGCs), "copy-forward")
	counter(collectionsDesc, float64(s.MarkCompactPGCs), "mark-compact")
	counter(collectionsDesc, float64(s.GMPCycles), "gmp")
	counter(collectionsDesc, float64(s.GlobalCollections), "global")
	counter(abortedDesc, float64(s.AbortedCopyForwards))
	counter(gmpIncrementsDesc, float64(s.GMPIncrements))
	counter(concurrentBytesDesc, float64(s.ConcurrentBytesScanned))
	counter(resizesDesc, float64(s.HeapResizes))

	running := 0.0
	if s.GMPRunning {
		running = 1.0
	}
	gauge(gmpRunningDesc, running)
	gauge(thresholdDesc, float64(s.Threshold))
	gauge(allocatedDesc, float64(s.AllocatedSinceLastPGC))
	gauge(pauseDesc, float64(s.LastPause.Microseconds())/1000.0, "last")
	gauge(pauseDesc, s.PauseAverage, "average")
	gauge(pauseDesc, s.PauseMean, "mean")
	gauge(pauseDesc, s.PauseMax, "max")
}
