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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

//
// Logging backend interface and default fmt-based backend implementation.
//

// BackendFn is a functions that creates a Backend instance.
type BackendFn func() Backend

// Backend can format and emit log messages.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Log emits log messages with the given severity, source, and Printf-like arguments.
	Log(Level, string, string, ...interface{})
	// Block emits a multi-line log messages, with an additional line prefix.
	Block(Level, string, string, string, ...interface{})
	// Flush flushes any buffered messages.
	Flush()
	// Sync waits for all messages to get emitted.
	Sync()
	// Stop stops the backend instance.
	Stop()
	// SetSourceAlignment sets the maximum prefix length for optional alignment.
	SetSourceAlignment(int)
}

// RegisterBackend registers a logger backend.
func RegisterBackend(name string, fn BackendFn) {
	log.Lock()
	defer log.Unlock()
	log.backend[name] = fn
}

const (
	// FmtBackendName is the name of our simple fmt-based logging backend.
	FmtBackendName = "fmt"
	// fmtBackendQueueLen is the length of the internal fmt message queue.
	fmtBackendQueueLen = 1024
)

const (
	levelNop Level = iota + levelHighest
	levelAlign
	levelStop
)

// severity tags fmtBackend uses to prefix emitted messages with.
var fmtTags = map[Level]string{
	LevelDebug: "D:",
	LevelInfo:  "I:",
	LevelWarn:  "W:",
	LevelError: "E:",
	LevelFatal: "FATAL ERROR:",
	LevelPanic: "PANIC:",
}

// fmtOutput is where fmtBackend instances write to.
var fmtOutput io.Writer = os.Stderr

// fmtBackend is our simple, default fmt.Fprintln-based Backend.
type fmtBackend struct {
	q     chan *fmtReq // request channel
	out   io.Writer    // output for messages
	align int          // source alignment
}

// fmtReq is a request to the emitter goroutine.
type fmtReq struct {
	level  Level         // logging severity level
	source string        // logger source
	prefix string        // block prefix
	msg    string        // formatted log message
	align  int           // new source alignment
	sync   chan struct{} // reverse-ack for synchronous requests
}

// createFmtBackend creates an fmt Backend and starts its emitter goroutine.
func createFmtBackend() Backend {
	f := &fmtBackend{
		q:   make(chan *fmtReq, fmtBackendQueueLen),
		out: fmtOutput,
	}
	go f.run()
	return f
}

func (*fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Log(level Level, source, format string, args ...interface{}) {
	f.log(level, source, "", format, args...)
}

func (f *fmtBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	f.log(level, source, prefix, format, args...)
}

func (f *fmtBackend) Flush() {
	f.request(levelNop)
}

func (f *fmtBackend) Sync() {
	f.request(levelNop)
}

func (f *fmtBackend) Stop() {
	f.request(levelStop)
}

func (f *fmtBackend) SetSourceAlignment(align int) {
	sync := make(chan struct{})
	f.q <- &fmtReq{level: levelAlign, align: align, sync: sync}
	<-sync
}

// request sends a control request and waits for it to get processed.
func (f *fmtBackend) request(level Level) {
	sync := make(chan struct{})
	f.q <- &fmtReq{level: level, sync: sync}
	<-sync
}

// log pushes a new log message for emitting.
func (f *fmtBackend) log(level Level, source, prefix, format string, args ...interface{}) {
	var sync chan struct{}

	// anything above errors is synchronous
	if level > LevelError {
		sync = make(chan struct{})
	}

	f.q <- &fmtReq{
		level:  level,
		source: source,
		prefix: prefix,
		msg:    fmt.Sprintf(format, args...),
		sync:   sync,
	}

	if sync != nil {
		<-sync
	}
}

// run emits log messages for the fmtBackend.
func (f *fmtBackend) run() {
	for req := range f.q {
		if req.level == levelAlign {
			f.align = req.align
		}
		f.emit(req)
		if req.sync != nil {
			close(req.sync)
		}
		if req.level == levelStop {
			return
		}
	}
}

// emit formats and emits a single log message.
func (f *fmtBackend) emit(req *fmtReq) {
	if req.level >= levelHighest {
		return
	}

	pad := f.align - len(req.source)
	if pad < 0 {
		pad = 0
	}
	source := "[" + req.source + "]" + strings.Repeat(" ", pad)

	for _, line := range strings.Split(req.msg, "\n") {
		if req.prefix == "" {
			fmt.Fprintln(f.out, fmtTags[req.level], source, line)
		} else {
			fmt.Fprintln(f.out, fmtTags[req.level], source, req.prefix+line)
		}
	}
}

func init() {
	RegisterBackend(FmtBackendName, createFmtBackend)
	if err := SetBackend(FmtBackendName); err != nil {
		panic(err)
	}
}
