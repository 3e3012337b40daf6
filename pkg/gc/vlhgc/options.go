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
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gcsched/pkg/config"
)

const (
	// configPath is where our options live in the configuration tree.
	configPath = "gc.collector"
)

// Options are the configurable parameters of the collector.
type Options struct {
	// ConcurrentGMP enables marking alongside the mutator between GMP increments.
	ConcurrentGMP bool `json:"concurrentGMP"`
	// ResizeHeap enables expanding and contracting the heap after collections.
	ResizeHeap bool `json:"resizeHeap"`
	// PauseHistory is the number of recent pauses kept for statistics.
	PauseHistory int `json:"pauseHistory,omitempty"`
	// LogDecisions enables logging scheduling decisions.
	LogDecisions bool `json:"logDecisions"`
	// WarningInterval is the minimum interval between repeated warnings.
	WarningInterval config.Duration `json:"warningInterval,omitempty"`
}

// our registered collector configuration
var opt = &Options{}

// DefaultOptions returns the default collector options.
func DefaultOptions() *Options {
	o := &Options{}
	o.Reset()
	return o
}

// GetOptions returns the current configured collector options.
func GetOptions() *Options {
	o := *opt
	return &o
}

// Reset resets collector options to their defaults.
func (o *Options) Reset() {
	*o = Options{
		ConcurrentGMP:   true,
		ResizeHeap:      true,
		PauseHistory:    64,
		LogDecisions:    true,
		WarningInterval: config.Duration(10 * time.Second),
	}
}

// Describe describes the collector options.
func (*Options) Describe() string {
	return "GC collector: concurrent marking, heap resizing, pause statistics."
}

// Validate checks the collector options.
func (o *Options) Validate() error {
	var errs *multierror.Error

	if o.PauseHistory < 1 {
		errs = multierror.Append(errs, gcError("invalid pause history length %d", o.PauseHistory))
	}
	if o.WarningInterval < 0 {
		errs = multierror.Append(errs, gcError("negative warning interval %s", o.WarningInterval))
	}

	return errs.ErrorOrNil()
}

func init() {
	config.MustRegister(configPath, opt)
}
