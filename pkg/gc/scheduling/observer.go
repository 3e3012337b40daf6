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
	"time"

	logger "github.com/intel/gcsched/pkg/log"
)

// Observer is notified about the decisions of a Delegate.
type Observer interface {
	// TaxationDecision is called for each computed taxation threshold.
	TaxationDecision(fromIndex, toIndex uint64, work IncrementWork, threshold uint64)
	// PGCTypeDecision is called when the mode of a PGC is decided.
	PGCTypeDecision(plan PGCPlan)
	// EdenResized is called when the Eden region count changes.
	EdenResized(previous, current, ideal uint64)
	// IntermissionUpdated is called when the GMP intermission is recalculated.
	IntermissionUpdated(remaining uint64)
	// SampleDiscarded is called when an implausible measurement is dropped.
	SampleDiscarded(what string, value time.Duration)
}

type nopObserver struct{}

// NopObserver returns an Observer which ignores all notifications.
func NopObserver() Observer {
	return nopObserver{}
}

func (nopObserver) TaxationDecision(uint64, uint64, IncrementWork, uint64) {}
func (nopObserver) PGCTypeDecision(PGCPlan)                                {}
func (nopObserver) EdenResized(uint64, uint64, uint64)                     {}
func (nopObserver) IntermissionUpdated(uint64)                             {}
func (nopObserver) SampleDiscarded(string, time.Duration)                  {}

// logObserver logs scheduling decisions.
type logObserver struct {
	logger.Logger
	limited logger.Logger
}

// NewLogObserver returns an Observer which logs decisions using the given
// logger. Repeated warnings are rate-limited to one per interval.
func NewLogObserver(l logger.Logger, interval time.Duration) Observer {
	if l == nil {
		l = log
	}
	return &logObserver{
		Logger:  l,
		limited: logger.RateLimit(l, logger.Interval(interval)),
	}
}

func (o *logObserver) TaxationDecision(from, to uint64, work IncrementWork, threshold uint64) {
	o.Debug("taxation #%d-#%d: %s after %d bytes", from, to, work, threshold)
}

func (o *logObserver) PGCTypeDecision(plan PGCPlan) {
	o.Debug("next PGC: %s", plan)
}

func (o *logObserver) EdenResized(previous, current, ideal uint64) {
	o.Debug("Eden resized %d -> %d regions (ideal %d)", previous, current, ideal)
}

func (o *logObserver) IntermissionUpdated(remaining uint64) {
	if remaining == maxUint64 {
		o.Debug("GMP intermission: waiting for consumption data")
		return
	}
	o.Debug("GMP intermission: %d increments", remaining)
}

func (o *logObserver) SampleDiscarded(what string, value time.Duration) {
	o.limited.Warn("discarded implausible %s sample %v, clock adjusted?", what, value)
}
