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

package scheduling

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gcsched/pkg/metrics"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	taxationIndexDesc = iota
	intermissionDesc
	edenRegionsDesc
	scanRateDesc
	consumptionRateDesc
	survivalRateDesc
	survivorSetDesc
	kickoffHeadroomDesc
	gmpIncrementTimeDesc
	pgcTimeDesc
	compactionRatioDesc
	occupancyTrendDesc
	pgcOverheadDesc
	collectionsDesc
	discardedSamplesDesc
	numDescriptors
)

const subsystem = "scheduling"

var descriptors = [numDescriptors]*prometheus.Desc{
	taxationIndexDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "taxation_index"),
		"Number of taxation points computed.",
		nil, nil,
	),
	intermissionDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "gmp_intermission"),
		"Number of GMP increments still to be skipped before kickoff.",
		nil, nil,
	),
	edenRegionsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "eden_regions"),
		"Eden size in regions.",
		[]string{
			// current, ideal or minimum
			"type",
		}, nil,
	),
	scanRateDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "scan_micros_per_byte"),
		"Measured marking cost in thread microseconds per byte.",
		nil, nil,
	),
	consumptionRateDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "region_consumption_rate"),
		"Average number of reclaimable regions consumed per PGC.",
		[]string{
			// all or defragment
			"type",
		}, nil,
	),
	survivalRateDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "eden_survival_rate"),
		"Average fraction of Eden surviving copy-forward.",
		nil, nil,
	),
	survivorSetDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "survivor_set_regions"),
		"Average survivor set size in regions.",
		nil, nil,
	),
	kickoffHeadroomDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "kickoff_headroom_bytes"),
		"Free memory kept in reserve for GMP kickoff.",
		nil, nil,
	),
	gmpIncrementTimeDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "gmp_increment_milliseconds"),
		"Dynamic GMP increment duration.",
		nil, nil,
	),
	pgcTimeDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "pgc_milliseconds"),
		"Average PGC duration.",
		nil, nil,
	),
	compactionRatioDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "compacted_to_free_ratio"),
		"Bytes to compact per recovered free byte.",
		nil, nil,
	),
	occupancyTrendDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "heap_occupancy_trend"),
		"Live set growth ratio between global sweeps.",
		nil, nil,
	),
	pgcOverheadDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "pgc_overhead"),
		"Fraction of time spent in PGC pauses.",
		nil, nil,
	),
	collectionsDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "completed_total"),
		"Number of completed collections.",
		[]string{
			// pgc or gmp
			"type",
		}, nil,
	),
	discardedSamplesDesc: prometheus.NewDesc(
		metrics.BuildFQName(subsystem, "discarded_samples_total"),
		"Number of implausible timing samples discarded.",
		nil, nil,
	),
}

type collector struct {
	d *Delegate
}

// NewCollector creates a Prometheus collector for the state of a Delegate.
func NewCollector(d *Delegate) prometheus.Collector {
	return &collector{d: d}
}

// RegisterCollector registers a collector for the Delegate under the given name.
func RegisterCollector(name string, d *Delegate) error {
	return metrics.RegisterCollector(name, func() (prometheus.Collector, error) {
		return NewCollector(d), nil
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
	s := c.d.Snapshot()

	gauge := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}
	counter := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.CounterValue, value, labels...)
	}

	gauge(taxationIndexDesc, float64(s.TaxationIndex))
	gauge(intermissionDesc, float64(s.RemainingGMPIntermission))
	gauge(edenRegionsDesc, float64(s.EdenRegionCount), "current")
	gauge(edenRegionsDesc, float64(s.IdealEdenRegionCount), "ideal")
	gauge(edenRegionsDesc, float64(s.MinimumEdenRegionCount), "minimum")
	gauge(scanRateDesc, s.ScanRate.MicrosPerByte)
	gauge(consumptionRateDesc, s.RegionConsumptionRate, "all")
	gauge(consumptionRateDesc, s.DefragmentRegionConsumptionRate, "defragment")
	gauge(survivalRateDesc, s.EdenSurvivalRate)
	gauge(survivorSetDesc, s.AvgSurvivorSetRegionCount)
	gauge(kickoffHeadroomDesc, float64(s.KickoffHeadroomBytes))
	gauge(gmpIncrementTimeDesc, float64(s.DynamicGMPIncrementTimeMillis))
	gauge(pgcTimeDesc, float64(s.HistoricalPGCTimeMillis))
	gauge(compactionRatioDesc, s.BytesCompactedToFreeBytesRatio)
	gauge(occupancyTrendDesc, s.HeapOccupancyTrend)
	gauge(pgcOverheadDesc, s.Eden.PGCOverhead)
	counter(collectionsDesc, float64(s.PGCCount), "pgc")
	counter(collectionsDesc, float64(s.GMPCount), "gmp")
	counter(discardedSamplesDesc, float64(s.DiscardedSamples))
}
