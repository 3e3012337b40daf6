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
	"context"
	"fmt"

	"go.opencensus.io/trace"

	"github.com/intel/gcsched/pkg/instrumentation/http"
	logger "github.com/intel/gcsched/pkg/log"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "gcsched"
)

// Our logger instance.
var log = logger.NewLogger("instrumentation")

// Our instrumentation service instance.
var svc = newService()

// GetHTTPMux returns our HTTP request mux for external services.
func GetHTTPMux() *http.ServeMux {
	return svc.http.GetMux()
}

// GetHTTPAddress returns the address our HTTP server is listening on.
func GetHTTPAddress() string {
	return svc.http.GetAddress()
}

// TracingEnabled returns true if the Jaeger tracing sampler is not disabled.
func TracingEnabled() bool {
	return svc.TracingEnabled()
}

// Start our internal instrumentation services.
func Start() error {
	return svc.Start()
}

// Stop stops our internal instrumentation services.
func Stop() {
	svc.Stop()
}

// Restart restarts our internal instrumentation services.
func Restart() error {
	return svc.Restart()
}

// StartSpan starts a trace span for a collection phase. Attributes are
// given as key-value pairs. The returned span must be ended by the caller.
func StartSpan(ctx context.Context, name string, attrs ...interface{}) (context.Context, *trace.Span) {
	ctx, span := trace.StartSpan(ctx, name)
	if !span.IsRecordingEvents() {
		return ctx, span
	}

	attributes := make([]trace.Attribute, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key := fmt.Sprintf("%v", attrs[i])
		switch v := attrs[i+1].(type) {
		case bool:
			attributes = append(attributes, trace.BoolAttribute(key, v))
		case int:
			attributes = append(attributes, trace.Int64Attribute(key, int64(v)))
		case int64:
			attributes = append(attributes, trace.Int64Attribute(key, v))
		case uint64:
			attributes = append(attributes, trace.Int64Attribute(key, int64(v)))
		case float64:
			attributes = append(attributes, trace.Float64Attribute(key, v))
		default:
			attributes = append(attributes, trace.StringAttribute(key, fmt.Sprintf("%v", v)))
		}
	}
	span.AddAttributes(attributes...)

	return ctx, span
}

// instrumentationError produces a formatted instrumentation-specific error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
