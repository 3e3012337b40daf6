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
	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/config"
)

const (
	// configPath is where our options live in the configuration tree.
	configPath = "simulator"
)

// Options are the parameters of the simulated mutator and object graph.
type Options struct {
	// AllocationRate is the number of bytes the mutator allocates per second.
	AllocationRate resource.Quantity `json:"allocationRate,omitempty"`
	// SurvivalRatio is the fraction of allocated bytes which survive Eden.
	SurvivalRatio float64 `json:"survivalRatio,omitempty"`
	// DeathRatio is the fraction of surviving bytes dying at every step.
	DeathRatio float64 `json:"deathRatio,omitempty"`
	// Jitter is the relative random variation of survival per region.
	Jitter float64 `json:"jitter,omitempty"`
	// ScannableRatio is the fraction of live bytes which contain references.
	ScannableRatio float64 `json:"scannableRatio,omitempty"`
	// ArrayletRatio is the fraction of new regions allocated as arraylet leaves.
	ArrayletRatio float64 `json:"arrayletRatio,omitempty"`
	// ScanRate is the number of bytes a GC thread marks per second.
	ScanRate resource.Quantity `json:"scanRate,omitempty"`
	// CopyRate is the number of bytes a GC thread copies per second.
	CopyRate resource.Quantity `json:"copyRate,omitempty"`
	// ConcurrentRatio is the share of mutator time available for concurrent marking.
	ConcurrentRatio float64 `json:"concurrentRatio,omitempty"`
	// Seed seeds the random number generator.
	Seed int64 `json:"seed,omitempty"`
	// Steps is the default number of taxation points to run.
	Steps int `json:"steps,omitempty"`
}

// our registered simulator configuration
var opt = &Options{}

// DefaultOptions returns the default simulator options.
func DefaultOptions() *Options {
	o := &Options{}
	o.Reset()
	return o
}

// GetOptions returns the current configured simulator options.
func GetOptions() *Options {
	o := *opt
	return &o
}

// Reset resets simulator options to their defaults.
func (o *Options) Reset() {
	*o = Options{
		AllocationRate:  resource.MustParse("256Mi"),
		SurvivalRatio:   0.1,
		DeathRatio:      0.02,
		Jitter:          0.2,
		ScannableRatio:  0.8,
		ArrayletRatio:   0.01,
		ScanRate:        resource.MustParse("1Gi"),
		CopyRate:        resource.MustParse("512Mi"),
		ConcurrentRatio: 0.1,
		Seed:            1,
		Steps:           1000,
	}
}

// Describe describes the simulator options.
func (*Options) Describe() string {
	return "GC simulator: mutator allocation, object survival and collection costs."
}

// Validate checks the simulator options.
func (o *Options) Validate() error {
	var errs *multierror.Error

	for name, q := range map[string]resource.Quantity{
		"allocation rate": o.AllocationRate,
		"scan rate":       o.ScanRate,
		"copy rate":       o.CopyRate,
	} {
		if q.Value() <= 0 {
			errs = multierror.Append(errs, simulatorError("invalid %s %s", name, q.String()))
		}
	}
	for name, r := range map[string]float64{
		"survival ratio":   o.SurvivalRatio,
		"death ratio":      o.DeathRatio,
		"jitter":           o.Jitter,
		"scannable ratio":  o.ScannableRatio,
		"arraylet ratio":   o.ArrayletRatio,
		"concurrent ratio": o.ConcurrentRatio,
	} {
		if r < 0 || r > 1 {
			errs = multierror.Append(errs, simulatorError("%s %g outside [0, 1]", name, r))
		}
	}
	if o.Steps < 0 {
		errs = multierror.Append(errs, simulatorError("negative step count %d", o.Steps))
	}

	return errs.ErrorOrNil()
}

func init() {
	config.MustRegister(configPath, opt)
}
