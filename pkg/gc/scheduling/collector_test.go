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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intel/gcsched/pkg/metrics"
)

func TestCollector(t *testing.T) {
	f := newFixture(t, simpleHeap(100), testOptions("20Mi", "20Mi"))
	f.d.GetInitialTaxationThreshold()
	f.runPGC(10*time.Millisecond, PGCReport{Mark: scanRateOne()})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(f.d)))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := family.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, 20.0, values["gcsched_scheduling_eden_regions/current"])
	require.Equal(t, 20.0, values["gcsched_scheduling_eden_regions/ideal"])
	require.Equal(t, 1.0, values["gcsched_scheduling_eden_regions/minimum"])
	require.Equal(t, 1.0, values["gcsched_scheduling_scan_micros_per_byte"])
	require.Equal(t, 2.0, values["gcsched_scheduling_taxation_index"])
	require.Equal(t, 1.0, values["gcsched_scheduling_completed_total/pgc"])
	require.Equal(t, 0.0, values["gcsched_scheduling_completed_total/gmp"])
	require.Equal(t, 10.0, values["gcsched_scheduling_pgc_milliseconds"])
}

func TestRegisterCollector(t *testing.T) {
	f := newFixture(t, simpleHeap(16), testOptions("4Mi", "4Mi"))

	require.NoError(t, RegisterCollector("scheduling-test", f.d))
	defer metrics.UnregisterCollector("scheduling-test")
	require.Error(t, RegisterCollector("scheduling-test", f.d))

	g, err := metrics.NewMetricGatherer()
	require.NoError(t, err)
	families, err := g.Gather()
	require.NoError(t, err)

	names := []string{}
	for _, family := range families {
		names = append(names, family.GetName())
	}
	require.Contains(t, names, "gcsched_scheduling_eden_regions")
	require.Contains(t, names, "gcsched_scheduling_gmp_intermission")
}
