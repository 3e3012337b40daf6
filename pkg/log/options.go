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

package log

import (
	"strings"

	"github.com/intel/gcsched/pkg/config"
)

const (
	// configPath is where our options live in the configuration tree.
	configPath = "logger"
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
)

// options is the configuration fragment for logging.
type options struct {
	// Level is the lowest severity of emitted non-debug messages.
	Level string `json:"level,omitempty"`
	// Debug lists the sources to enable debugging for, "*" for all.
	Debug []string `json:"debug,omitempty"`
	// Backend is the name of the backend to use.
	Backend string `json:"backend,omitempty"`
}

// our logging configuration
var opt = &options{}

// Reset resets the logging options to their defaults.
func (o *options) Reset() {
	*o = options{
		Level:   DefaultLevel.String(),
		Backend: FmtBackendName,
	}
}

// Describe describes the logging options.
func (*options) Describe() string {
	return "Logging: severity level, debugged sources (\"*\" for all), and backend (fmt or klog)."
}

// Validate checks the logging options.
func (o *options) Validate() error {
	if _, err := ParseLevel(o.Level); err != nil {
		return err
	}
	log.RLock()
	_, ok := log.backend[o.Backend]
	log.RUnlock()
	if !ok {
		return loggerError("unknown backend %q", o.Backend)
	}
	for _, src := range o.Debug {
		if strings.TrimSpace(src) == "" {
			return loggerError("empty debug source name")
		}
	}
	return nil
}

// Configure activates the logging options.
func (o *options) Configure() error {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return err
	}
	if err := SetBackend(o.Backend); err != nil {
		return err
	}
	SetLevel(level)
	ResetDebug()
	EnableDebug(true, o.Debug...)
	return nil
}

func init() {
	config.MustRegister(configPath, opt)
}
