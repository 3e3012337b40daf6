// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package instrumentation

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intel/gcsched/pkg/instrumentation/http"
	gcmetrics "github.com/intel/gcsched/pkg/metrics"
)

const (
	// PrometheusMetricsPath is the URL path for exposing metrics to Prometheus.
	PrometheusMetricsPath = "/metrics"
)

// metricsExporter encapsulates the state of our Prometheus /metrics handler.
type metricsExporter struct {
	mux *http.ServeMux
}

// start registers our /metrics handler if Prometheus export is enabled.
func (m *metricsExporter) start(mux *http.ServeMux, export bool) error {
	if !export {
		log.Info("Prometheus metrics export is disabled")
		return nil
	}

	g, err := gcmetrics.NewMetricGatherer()
	if err != nil {
		return instrumentationError("failed to create metrics gatherer: %w", err)
	}

	log.Info("exporting Prometheus metrics at %s...", PrometheusMetricsPath)

	handler := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle(PrometheusMetricsPath, handler)
	m.mux = mux

	return nil
}

// stop unregisters our /metrics handler.
func (m *metricsExporter) stop() {
	if m.mux == nil {
		return
	}
	m.mux.Unregister(PrometheusMetricsPath)
	m.mux = nil
}

// reconfigure restarts our /metrics handler with the given settings.
func (m *metricsExporter) reconfigure(mux *http.ServeMux, export bool) error {
	m.stop()
	return m.start(mux, export)
}

// promLogger passes promhttp errors to our logger.
type promLogger struct{}

func (promLogger) Println(args ...interface{}) {
	log.Error("%s", fmt.Sprintln(args...))
}
