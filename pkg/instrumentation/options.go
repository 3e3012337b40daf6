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
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"go.opencensus.io/trace"

	"github.com/intel/gcsched/pkg/config"
)

// Sampling defines how often trace samples are taken.
type Sampling float64

const (
	// Disabled is the trace configuration for disabling tracing.
	Disabled Sampling = 0.0
	// Production is a trace configuration for production use.
	Production Sampling = 0.1
	// Testing is a trace configuration for testing.
	Testing Sampling = 1.0
)

// Options are our configurable instrumentation parameters.
type Options struct {
	// Sampling is the sampling frequency for traces.
	Sampling Sampling `json:"sampling,omitempty"`
	// JaegerCollector is the URL to the Jaeger HTTP Thrift collector.
	JaegerCollector string `json:"jaegerCollector,omitempty"`
	// JaegerAgent, if set, defines the address of a Jaeger agent to send spans to.
	JaegerAgent string `json:"jaegerAgent,omitempty"`
	// HTTPEndpoint is our HTTP endpoint, used among others to export Prometheus /metrics.
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport defines whether we export /metrics to/for Prometheus.
	PrometheusExport bool `json:"prometheusExport,omitempty"`
}

// Our instrumentation options.
var opt = &Options{}

// MarshalJSON is the JSON marshaller for Sampling values.
func (s Sampling) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON is the JSON unmarshaller for Sampling values.
func (s *Sampling) UnmarshalJSON(raw []byte) error {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return instrumentationError("failed to unmarshal Sampling value: %w", err)
	}
	switch v := obj.(type) {
	case string:
		if err := s.Parse(v); err != nil {
			return err
		}
	case float64:
		*s = Sampling(v)
	default:
		return instrumentationError("invalid Sampling value of type %T: %v", obj, obj)
	}
	return nil
}

// Parse parses the given string to a Sampling value.
func (s *Sampling) Parse(value string) error {
	switch strings.ToLower(value) {
	case "disabled":
		*s = Disabled
	case "testing":
		*s = Testing
	case "production":
		*s = Production
	default:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return instrumentationError("invalid Sampling value '%s': %w", value, err)
		}
		*s = Sampling(f)
	}
	return nil
}

// String returns the Sampling value as a string.
func (s Sampling) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	return strconv.FormatFloat(float64(s), 'f', -1, 64)
}

// Sampler returns a trace.Sampler corresponding to the Sampling value.
func (s Sampling) Sampler() trace.Sampler {
	if s == Disabled {
		return trace.NeverSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

// parseEnv parses the environment for a default value.
func parseEnv(name, defval string, parsefn func(string) error) {
	if envval := os.Getenv(name); envval != "" {
		err := parsefn(envval)
		if err == nil {
			return
		}
		log.Error("invalid environment %s=%q: %v, using default %q", name, envval, err, defval)
	}
	if err := parsefn(defval); err != nil {
		log.Error("invalid default %s=%q: %v", name, defval, err)
	}
}

// Reset resets the options to their defaults, taking the environment into account.
func (o *Options) Reset() {
	*o = Options{}

	parseEnv("JAEGER_COLLECTOR", "", func(v string) error { o.JaegerCollector = v; return nil })
	parseEnv("JAEGER_AGENT", "", func(v string) error { o.JaegerAgent = v; return nil })
	parseEnv("HTTP_ENDPOINT", "", func(v string) error { o.HTTPEndpoint = v; return nil })
	parseEnv("TRACE_SAMPLING", "disabled", o.Sampling.Parse)
	parseEnv("PROMETHEUS_EXPORT", "false", func(v string) error {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		o.PrometheusExport = enabled
		return nil
	})
}

// Describe describes the instrumentation options.
func (*Options) Describe() string {
	return "Instrumentation for traces and metrics."
}

// Validate checks the instrumentation options.
func (o *Options) Validate() error {
	if o.Sampling < 0 || o.Sampling > 1 {
		return instrumentationError("trace sampling %v outside [0, 1]", float64(o.Sampling))
	}
	return nil
}

// Configure reconfigures running instrumentation services.
func (o *Options) Configure() error {
	log.Info("instrumentation configuration is now %+v", *o)
	return svc.reconfigure()
}

// Register us for for configuration handling.
func init() {
	config.MustRegister("instrumentation", opt)
}
