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
	"fmt"
	"testing"
	"time"

	goxrate "golang.org/x/time/rate"
)

func TestRateLimitWindow(t *testing.T) {
	ratelimit := RateLimit(Default(), Rate{Window: MinimumWindow, Limit: Every(time.Second)})
	rl := ratelimit.(*ratelimited)

	limiters := make(map[string]*goxrate.Limiter)

	// fill message window, store limiters for checking
	messages := make([]string, 0, MinimumWindow)
	for idx := 0; idx < cap(messages); idx++ {
		msg := fmt.Sprintf("message #%d", idx)
		messages = append(messages, msg)
		limiters[msg] = rl.getMessageLimit(msg)
	}

	for msg, limiter := range limiters {
		if rl.getMessageLimit(msg) != limiter {
			t.Errorf("unexpected new limiter for message %s", msg)
		}
	}

	// push some of the oldest messages out of the window
	recent := make([]string, 0, MinimumWindow/4)
	for i := 0; i < cap(recent); i++ {
		msg := fmt.Sprintf("message #%d", len(messages)+i)
		recent = append(recent, msg)
		limiters[msg] = rl.getMessageLimit(msg)
	}

	for _, msg := range recent {
		if rl.getMessageLimit(msg) != limiters[msg] {
			t.Errorf("unexpected new limiter for recent message %s", msg)
		}
	}

	for idx := len(recent); idx < len(messages); idx++ {
		msg := messages[idx]
		if rl.getMessageLimit(msg) != limiters[msg] {
			t.Errorf("unexpected new limiter for in-window message %s", msg)
		}
	}

	if len(rl.limits) != MinimumWindow {
		t.Errorf("expected %d tracked limiters, got %d", MinimumWindow, len(rl.limits))
	}
}

func TestRateLimitSuppression(t *testing.T) {
	tl := setup(t, LevelInfo)
	defer teardown()

	rl := RateLimit(NewLogger("ratelimit-test"), Interval(time.Hour))
	for i := 0; i < 5; i++ {
		rl.Info("eden resized to %d regions", 10)
	}
	rl.Info("eden resized to %d regions", 12)

	tl.expect(t, 2, "eden resized to 10", "eden resized to 12")
}
