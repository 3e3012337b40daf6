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
	"math/bits"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/sysfs"
)

const (
	// configPath is where our options live in the configuration tree.
	configPath = "gc.heap"

	// MemoryMmap backs the heap with anonymous memory mappings.
	MemoryMmap = "mmap"
	// MemorySimulated only simulates heap address space.
	MemorySimulated = "simulated"
)

// Options are the configurable parameters of the heap.
type Options struct {
	// RegionSize is the size of a heap region, a power of two.
	RegionSize resource.Quantity `json:"regionSize,omitempty"`
	// InitialSize is the amount of heap committed at startup.
	InitialSize resource.Quantity `json:"initialSize,omitempty"`
	// MaximumSize is the amount of address space reserved for the heap.
	MaximumSize resource.Quantity `json:"maximumSize,omitempty"`
	// CardSize is the number of heap bytes covered by one card.
	CardSize resource.Quantity `json:"cardSize,omitempty"`
	// Memory selects the memory backend, mmap or simulated.
	Memory string `json:"memory,omitempty"`
	// SimulatedPageSize is the page size of simulated memory.
	SimulatedPageSize resource.Quantity `json:"simulatedPageSize,omitempty"`
	// NUMA enables spreading the heap across NUMA nodes.
	NUMA bool `json:"numa"`
	// AffinityLeaders are the NUMA nodes to spread the heap across. If
	// empty, all nodes with memory are discovered from sysfs.
	AffinityLeaders []uint32 `json:"affinityLeaders,omitempty"`
	// ForcedNode binds the whole heap to a single NUMA node.
	ForcedNode *uint32 `json:"forcedNode,omitempty"`
	// SysfsRoot is where sysfs is mounted, for NUMA discovery.
	SysfsRoot string `json:"sysfsRoot,omitempty"`
	// MinFreeRatio is the free heap ratio below which the heap expands.
	MinFreeRatio float64 `json:"minFreeRatio,omitempty"`
	// MaxFreeRatio is the free heap ratio above which the heap contracts.
	MaxFreeRatio float64 `json:"maxFreeRatio,omitempty"`
	// ExpansionPercent is the size of a single expansion relative to the committed heap.
	ExpansionPercent uint `json:"expansionPercent,omitempty"`
}

// our registered heap configuration
var opt = &Options{}

// GetOptions returns the current configured heap options.
func GetOptions() *Options {
	o := *opt
	if opt.AffinityLeaders != nil {
		o.AffinityLeaders = append([]uint32{}, opt.AffinityLeaders...)
	}
	if opt.ForcedNode != nil {
		node := *opt.ForcedNode
		o.ForcedNode = &node
	}
	return &o
}

// Reset resets heap options to their defaults.
func (o *Options) Reset() {
	*o = Options{
		RegionSize:        resource.MustParse("1Mi"),
		InitialSize:       resource.MustParse("64Mi"),
		MaximumSize:       resource.MustParse("512Mi"),
		CardSize:          resource.MustParse("512"),
		Memory:            MemoryMmap,
		SimulatedPageSize: resource.MustParse("4Ki"),
		SysfsRoot:         sysfs.SysfsRootPath,
		MinFreeRatio:      0.3,
		MaxFreeRatio:      0.6,
		ExpansionPercent:  25,
	}
}

// Describe describes the heap options.
func (*Options) Describe() string {
	return "GC heap: region size, heap bounds, memory backend and NUMA placement."
}

// Validate checks the heap options.
func (o *Options) Validate() error {
	var errs *multierror.Error

	region := o.RegionSize.Value()
	if region <= 0 || bits.OnesCount64(uint64(region)) != 1 {
		errs = multierror.Append(errs, heapError("region size %s is not a power of two",
			o.RegionSize.String()))
	}
	initial, max := o.InitialSize.Value(), o.MaximumSize.Value()
	if initial <= 0 || max <= 0 || initial > max {
		errs = multierror.Append(errs, heapError("invalid heap bounds %s - %s",
			o.InitialSize.String(), o.MaximumSize.String()))
	}
	if region > 0 && max > 0 && max < region {
		errs = multierror.Append(errs, heapError("maximum heap size %s below region size %s",
			o.MaximumSize.String(), o.RegionSize.String()))
	}
	card := o.CardSize.Value()
	if card <= 0 || bits.OnesCount64(uint64(card)) != 1 || (region > 0 && card > region) {
		errs = multierror.Append(errs, heapError("invalid card size %s", o.CardSize.String()))
	}
	switch o.Memory {
	case MemoryMmap:
	case MemorySimulated:
		if ps := o.SimulatedPageSize.Value(); ps <= 0 || bits.OnesCount64(uint64(ps)) != 1 {
			errs = multierror.Append(errs, heapError("invalid simulated page size %s",
				o.SimulatedPageSize.String()))
		}
	default:
		errs = multierror.Append(errs, heapError("unknown memory backend %q", o.Memory))
	}
	if o.ForcedNode != nil && len(o.AffinityLeaders) > 0 {
		errs = multierror.Append(errs, heapError("both forced node and affinity leaders given"))
	}
	if o.MinFreeRatio < 0 || o.MaxFreeRatio > 1 || o.MinFreeRatio >= o.MaxFreeRatio {
		errs = multierror.Append(errs, heapError("invalid free ratio range %g - %g",
			o.MinFreeRatio, o.MaxFreeRatio))
	}
	if o.ExpansionPercent == 0 || o.ExpansionPercent > 100 {
		errs = multierror.Append(errs, heapError("expansion percent %d outside [1, 100]",
			o.ExpansionPercent))
	}

	return errs.ErrorOrNil()
}

func init() {
	config.MustRegister(configPath, opt)
}
