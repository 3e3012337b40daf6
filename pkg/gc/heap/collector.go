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

package heap

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gcsched/pkg/metrics"
)

const (
	regionsDesc = iota
	classBytesDesc
	committedDesc
	cardBytesDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	regionsDesc: prometheus.NewDesc(
		metrics.BuildFQName("heap", "regions"),
		"Number of enabled heap regions per NUMA node.",
		[]string{"node"}, nil,
	),
	classBytesDesc: prometheus.NewDesc(
		metrics.BuildFQName("heap", "class_bytes"),
		"Heap memory by region class.",
		[]string{
			// reserved, eden, survivor or old
			"class",
			// total or free
			"type",
		}, nil,
	),
	committedDesc: prometheus.NewDesc(
		metrics.BuildFQName("heap", "committed_bytes"),
		"Committed and maximum heap size.",
		[]string{"type"}, nil,
	),
	cardBytesDesc: prometheus.NewDesc(
		metrics.BuildFQName("heap", "card_table_bytes"),
		"Committed card table size.",
		nil, nil,
	),
}

type collector struct {
	h *Heap
}

// NewCollector creates a Prometheus collector for the published status of a Heap.
func NewCollector(h *Heap) prometheus.Collector {
	return &collector{h: h}
}

// RegisterCollector registers a collector for the Heap under the given name.
func RegisterCollector(name string, h *Heap) error {
	return metrics.RegisterCollector(name, func() (prometheus.Collector, error) {
		return NewCollector(h), nil
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
	st := c.h.Status()
	s := st.Snapshot

	gauge := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}

	for node, count := range st.RegionsPerNode {
		gauge(regionsDesc, float64(count), strconv.FormatUint(uint64(node), 10))
	}
	gauge(classBytesDesc, float64(s.TotalReserved), "reserved", "total")
	gauge(classBytesDesc, float64(s.FreeReserved), "reserved", "free")
	gauge(classBytesDesc, float64(s.TotalEden), "eden", "total")
	gauge(classBytesDesc, float64(s.FreeEden), "eden", "free")
	gauge(classBytesDesc, float64(s.TotalSurvivor), "survivor", "total")
	gauge(classBytesDesc, float64(s.FreeSurvivor), "survivor", "free")
	gauge(classBytesDesc, float64(s.TotalOld), "old", "total")
	gauge(classBytesDesc, float64(s.FreeOld), "old", "free")
	gauge(committedDesc, float64(st.CommittedBytes), "committed")
	gauge(committedDesc, float64(st.MaximumBytes), "maximum")
	gauge(cardBytesDesc, float64(st.CardBytes))
}
