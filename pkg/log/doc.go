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

// Package log implements per-source loggers with pluggable backends.
//
// Every package creates its own logger, by convention named after the
// package:
//
//	var log = logger.NewLogger("scheduling")
//
// Debug messages are suppressed unless debugging is enabled for the
// source. Other messages are filtered by a global severity level. Both
// can be controlled by the "logger" configuration fragment:
//
//	logger:
//	  level: warning
//	  debug: [scheduling, vlhgc]
//	  backend: klog
//
// Messages which could otherwise flood the log, for instance ones
// emitted for every collection increment, can be passed through a
// rate-limited logger created with RateLimit.
package log
