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
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/config"
)

const (
	// configPath is where our options live in the configuration tree.
	configPath = "gc.scheduling"
)

// Options are the configurable parameters of scheduling.
type Options struct {
	// RegionMaxAge is the logical age at which regions become old.
	RegionMaxAge uint `json:"regionMaxAge,omitempty"`
	// NurseryMaxAge is the highest logical age still collected by every PGC.
	NurseryMaxAge uint `json:"nurseryMaxAge,omitempty"`
	// EdenMinimumBytes is the ideal Eden size for a minimally expanded heap.
	// Zero stands for a quarter of the initial heap size.
	EdenMinimumBytes resource.Quantity `json:"edenMinimumBytes,omitempty"`
	// EdenMaximumBytes is the ideal Eden size for a fully expanded heap.
	// Zero stands for three quarters of the maximum heap size.
	EdenMaximumBytes resource.Quantity `json:"edenMaximumBytes,omitempty"`
	// DynamicEden enables adjusting the ideal Eden size based on overhead.
	DynamicEden bool `json:"dynamicEden"`
	// AutomaticGMPIntermission enables calculating the GMP kickoff delay.
	AutomaticGMPIntermission bool `json:"automaticGMPIntermission"`
	// GMPIntermission is the fixed number of GMP increments to skip.
	GMPIntermission uint64 `json:"gmpIntermission,omitempty"`
	// EnableIncrementalGMP enables interleaving GMP increments with PGCs.
	EnableIncrementalGMP bool `json:"enableIncrementalGMP"`
	// PGCToGMPNumerator and PGCToGMPDenominator give the PGC:GMP ratio.
	// One of them must be 1.
	PGCToGMPNumerator   uint `json:"pgcToGMPNumerator,omitempty"`
	PGCToGMPDenominator uint `json:"pgcToGMPDenominator,omitempty"`
	// MinimumGMPWorkTarget is the least amount of bytes to scan per GMP increment.
	MinimumGMPWorkTarget resource.Quantity `json:"minimumGMPWorkTarget,omitempty"`
	// TargetMaxPause is the desired maximum PGC pause time.
	TargetMaxPause config.Duration `json:"targetMaxPause,omitempty"`
	// KickoffHeadroomRegionRate is the percentage of free memory to keep as GMP kickoff headroom.
	KickoffHeadroomRegionRate uint `json:"kickoffHeadroomRegionRate,omitempty"`
	// KickoffHeadroomBytes, if non-zero, overrides the rate-based kickoff headroom.
	KickoffHeadroomBytes resource.Quantity `json:"kickoffHeadroomBytes,omitempty"`
	// ExpectedOverheadMin and ExpectedOverheadMax bound the desired GC overhead.
	ExpectedOverheadMin float64 `json:"expectedOverheadMin,omitempty"`
	ExpectedOverheadMax float64 `json:"expectedOverheadMax,omitempty"`
	// GlobalMarkIncrementTime is the GMP increment duration, 0 for dynamic.
	GlobalMarkIncrementTime config.Duration `json:"globalMarkIncrementTime,omitempty"`
	// PGCShouldCopyForward allows PGCs to use copy-forward.
	PGCShouldCopyForward bool `json:"pgcShouldCopyForward"`
	// PGCShouldMarkCompact allows PGCs to use mark-compact.
	PGCShouldMarkCompact bool `json:"pgcShouldMarkCompact"`
	// DefragmentEmptinessThreshold, if non-zero, is the emptiness above
	// which regions are defragmentation targets.
	DefragmentEmptinessThreshold float64 `json:"defragmentEmptinessThreshold,omitempty"`
	// ConcurrentMarkingCostWeight is the relative cost of concurrent scanning.
	ConcurrentMarkingCostWeight float64 `json:"concurrentMarkingCostWeight,omitempty"`
	// GCThreads is the number of parallel GC worker threads.
	GCThreads int `json:"gcThreads,omitempty"`

	// ExpansionBlendThreshold is the heap expansion ratio above which the
	// fully expanded Eden sizing signal starts to take over.
	ExpansionBlendThreshold float64 `json:"expansionBlendThreshold,omitempty"`
	// EdenDampingFactor is the fraction of the best sampled Eden change applied.
	EdenDampingFactor float64 `json:"edenDampingFactor,omitempty"`
	// EdenSampleDampingFactor is the weight of new PGC interval and overhead samples.
	EdenSampleDampingFactor float64 `json:"edenSampleDampingFactor,omitempty"`
	// PauseOverheadLogBase is the per-millisecond growth of the pause penalty.
	PauseOverheadLogBase float64 `json:"pauseOverheadLogBase,omitempty"`
	// EdenSamplePeriod is the number of PGCs between Eden delta sampling.
	EdenSamplePeriod uint `json:"edenSamplePeriod,omitempty"`
	// EdenStepPercent, EdenStepMin and EdenStepMax size Eden adjustment steps.
	EdenStepPercent uint `json:"edenStepPercent,omitempty"`
	EdenStepMin     uint `json:"edenStepMin,omitempty"`
	EdenStepMax     uint `json:"edenStepMax,omitempty"`
}

// our registered scheduling configuration
var opt = &Options{}

// DefaultOptions returns the default scheduling options.
func DefaultOptions() *Options {
	o := &Options{}
	o.Reset()
	return o
}

// GetOptions returns the current configured scheduling options.
func GetOptions() *Options {
	o := *opt
	return &o
}

// Reset resets scheduling options to their defaults.
func (o *Options) Reset() {
	*o = Options{
		RegionMaxAge:                24,
		NurseryMaxAge:               1,
		DynamicEden:                 true,
		AutomaticGMPIntermission:    true,
		EnableIncrementalGMP:        true,
		PGCToGMPNumerator:           1,
		PGCToGMPDenominator:         1,
		MinimumGMPWorkTarget:        resource.MustParse("4Mi"),
		TargetMaxPause:              config.Duration(200 * time.Millisecond),
		KickoffHeadroomRegionRate:   2,
		ExpectedOverheadMin:         0.02,
		ExpectedOverheadMax:         0.05,
		PGCShouldCopyForward:        true,
		ConcurrentMarkingCostWeight: 0.05,
		GCThreads:                   runtime.NumCPU(),
		ExpansionBlendThreshold:     0.9,
		EdenDampingFactor:           0.5,
		EdenSampleDampingFactor:     0.25,
		PauseOverheadLogBase:        1.0156,
		EdenSamplePeriod:            10,
		EdenStepPercent:             5,
		EdenStepMin:                 2,
		EdenStepMax:                 10,
	}
}

// Describe describes the scheduling options.
func (*Options) Describe() string {
	return "GC scheduling: PGC:GMP ratio, GMP intermission, Eden sizing, pause and overhead targets."
}

// Validate checks the scheduling options.
func (o *Options) Validate() error {
	var errs *multierror.Error

	if o.PGCToGMPNumerator == 0 || o.PGCToGMPDenominator == 0 {
		errs = multierror.Append(errs, schedulingError("PGC:GMP ratio %d:%d has a zero term",
			o.PGCToGMPNumerator, o.PGCToGMPDenominator))
	} else if o.PGCToGMPNumerator != 1 && o.PGCToGMPDenominator != 1 {
		errs = multierror.Append(errs, schedulingError("PGC:GMP ratio %d:%d must be 1:n or n:1",
			o.PGCToGMPNumerator, o.PGCToGMPDenominator))
	}
	if o.RegionMaxAge == 0 {
		errs = multierror.Append(errs, schedulingError("region max age must be positive"))
	}
	if o.NurseryMaxAge > o.RegionMaxAge {
		errs = multierror.Append(errs, schedulingError("nursery max age %d exceeds region max age %d",
			o.NurseryMaxAge, o.RegionMaxAge))
	}
	if min, max := o.EdenMinimumBytes.Value(), o.EdenMaximumBytes.Value(); min < 0 || max < 0 ||
		(min != 0 && max != 0 && min > max) {
		errs = multierror.Append(errs, schedulingError("invalid Eden bounds %s - %s",
			o.EdenMinimumBytes.String(), o.EdenMaximumBytes.String()))
	}
	if o.MinimumGMPWorkTarget.Value() < 0 || o.KickoffHeadroomBytes.Value() < 0 {
		errs = multierror.Append(errs, schedulingError("negative byte counts"))
	}
	if o.KickoffHeadroomRegionRate > 100 {
		errs = multierror.Append(errs, schedulingError("kickoff headroom rate %d%% above 100%%",
			o.KickoffHeadroomRegionRate))
	}
	if o.ExpectedOverheadMin < 0 || o.ExpectedOverheadMax > 1 || o.ExpectedOverheadMin > o.ExpectedOverheadMax {
		errs = multierror.Append(errs, schedulingError("invalid expected overhead range %g - %g",
			o.ExpectedOverheadMin, o.ExpectedOverheadMax))
	}
	if !o.PGCShouldCopyForward && !o.PGCShouldMarkCompact {
		errs = multierror.Append(errs, schedulingError("either copy-forward or mark-compact must be allowed"))
	}
	if o.DefragmentEmptinessThreshold < 0 || o.DefragmentEmptinessThreshold > 1 {
		errs = multierror.Append(errs, schedulingError("defragment emptiness threshold %g outside [0, 1]",
			o.DefragmentEmptinessThreshold))
	}
	if o.GCThreads < 1 {
		errs = multierror.Append(errs, schedulingError("invalid GC thread count %d", o.GCThreads))
	}
	if o.ExpansionBlendThreshold < 0 || o.ExpansionBlendThreshold >= 1 {
		errs = multierror.Append(errs, schedulingError("expansion blend threshold %g outside [0, 1)",
			o.ExpansionBlendThreshold))
	}
	if o.EdenDampingFactor <= 0 || o.EdenDampingFactor >= 1 ||
		o.EdenSampleDampingFactor <= 0 || o.EdenSampleDampingFactor >= 1 {
		errs = multierror.Append(errs, schedulingError("Eden damping factors must be in (0, 1)"))
	}
	if o.PauseOverheadLogBase <= 1 {
		errs = multierror.Append(errs, schedulingError("pause overhead log base %g must be above 1",
			o.PauseOverheadLogBase))
	}
	if o.EdenSamplePeriod == 0 {
		errs = multierror.Append(errs, schedulingError("Eden sample period must be positive"))
	}
	if o.EdenStepMin == 0 || o.EdenStepMin > o.EdenStepMax {
		errs = multierror.Append(errs, schedulingError("invalid Eden step range %d - %d",
			o.EdenStepMin, o.EdenStepMax))
	}

	return errs.ErrorOrNil()
}

// initialGMPIntermission returns the intermission to start a GMP cycle with.
func (o *Options) initialGMPIntermission() uint64 {
	if o.AutomaticGMPIntermission {
		return maxUint64
	}
	return o.GMPIntermission
}

func init() {
	config.MustRegister(configPath, opt)
}
