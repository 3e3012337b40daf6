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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gcsched/pkg/metrics"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	stepsDesc = iota
	elapsedDesc
	allocatedDesc
	liveDesc
	processedDesc
	reclaimedDesc
	overflowsDesc
	numDescriptors
)

const subsystem = "simulator"

var descriptors = [numDescriptors]*prometheus.Desc{
	stepsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "steps_total"),
		"Number of simulation steps run.",
		nil, nil,
	),
	elapsedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "elapsed_seconds"),
		"Virtual time passed in the simulation.",
		nil, nil,
	),
	allocatedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "allocated_bytes_total"),
		"Number of bytes allocated by the mutator.",
		nil, nil,
	),
	liveDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "live_bytes"),
		"Amount of truly live data in the heap.",
		nil, nil,
	),
	processedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "processed_bytes_total"),
		"Number of bytes processed by the collector.",
		[]string{
			// copied, compacted or marked
			"operation",
		}, nil,
	),
	reclaimedDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "reclaimed_regions_total"),
		"Number of regions returned to the free state.",
		nil, nil,
	),
	overflowsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "card_list_overflows_total"),
		"Number of card lists overflowed for stable regions.",
		nil, nil,
	),
}

type collector struct {
	s *Simulator
}

// NewCollector creates a Prometheus collector for a simulation.
func NewCollector(s *Simulator) prometheus.Collector {
	return &collector{s: s}
}

// RegisterCollector registers a collector for the simulation under the given name.
func RegisterCollector(name string, s *Simulator) error {
	return metrics.RegisterCollector(name, func() (prometheus.Collector, error) {
		return NewCollector(s), nil
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
	sum := c.s.Summary()

	gauge := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}
	counter := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.CounterValue, value, labels...)
	}

	counter(stepsDesc, float64(sum.Steps))
	gauge(elapsedDesc, sum.Elapsed.Seconds())
	counter(allocatedDesc, float64(sum.Allocated))
	gauge(liveDesc, float64(sum.LiveBytes))
	counter(processedDesc, float64(sum.Model.BytesCopied), "copied")
	counter(processedDesc, float64(sum.Model.BytesCompacted), "compacted")
	counter(processedDesc, float64(sum.Model.BytesMarked), "marked")
	counter(reclaimedDesc, float64(sum.Model.RegionsReclaimed))
	counter(overflowsDesc, float64(sum.Model.Overflows))
}
