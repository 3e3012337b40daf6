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
	"strings"

	"k8s.io/klog/v2"
)

const (
	// KlogBackendName is the name of our klog-based logging backend.
	KlogBackendName = "klog"
	// klogDepth is the call depth to report, skipping logger internals.
	klogDepth = 3
)

// klogBackend emits messages using k8s.io/klog.
type klogBackend struct {
	align int
}

func createKlogBackend() Backend {
	return &klogBackend{}
}

func (*klogBackend) Name() string {
	return KlogBackendName
}

func (k *klogBackend) Log(level Level, source, format string, args ...interface{}) {
	k.emit(level, k.prefix(source), fmt.Sprintf(format, args...))
}

func (k *klogBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	src := k.prefix(source)
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		k.emit(level, src, prefix+line)
	}
}

func (k *klogBackend) emit(level Level, source, msg string) {
	switch level {
	case LevelDebug, LevelInfo:
		klog.InfoDepth(klogDepth, source, msg)
	case LevelWarn:
		klog.WarningDepth(klogDepth, source, msg)
	default:
		klog.ErrorDepth(klogDepth, source, msg)
	}
}

func (k *klogBackend) prefix(source string) string {
	pad := k.align - len(source)
	if pad < 0 {
		pad = 0
	}
	return "[" + source + "]" + strings.Repeat(" ", pad) + " "
}

func (*klogBackend) Flush() {
	klog.Flush()
}

func (*klogBackend) Sync() {
	klog.Flush()
}

func (*klogBackend) Stop() {
	klog.Flush()
}

func (k *klogBackend) SetSourceAlignment(align int) {
	k.align = align
}

func init() {
	RegisterBackend(KlogBackendName, createKlogBackend)
}
