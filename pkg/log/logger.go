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
	"os"
	"sort"
	"strings"
	"sync"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
	// levelHighest is the highest externally visible level
	levelHighest
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logging is the shared state of all our loggers.
type logging struct {
	sync.RWMutex
	level   Level                // lowest non-debug severity emitted
	active  Backend              // active backend
	backend map[string]BackendFn // registered backends
	loggers map[string]logger    // source name to logger mapping
	sources []string             // logger to source name mapping
	debug   []bool               // per-logger debug state
	forced  bool                 // debug forced on for all sources
	align   int                  // longest source name, for alignment
}

// our shared logging state
var log = &logging{
	level:   LevelInfo,
	backend: make(map[string]BackendFn),
	loggers: make(map[string]logger),
}

// logger implements Logger, it is an index into our shared state.
type logger uint

// NewLogger creates a Logger for the given source, or returns the existing one.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

// SetLevel sets the lowest severity of non-debug messages to emit.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetBackend activates the named backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()

	fn, ok := log.backend[name]
	if !ok {
		return loggerError("can't activate unknown backend %q", name)
	}
	if log.active != nil {
		if log.active.Name() == name {
			return nil
		}
		log.active.Stop()
	}

	log.active = fn()
	log.active.SetSourceAlignment(log.align)

	return nil
}

// EnableDebug enables or disables debugging for the given sources. The
// source "*" or "all" refers to all present and future sources.
func EnableDebug(state bool, sources ...string) {
	log.Lock()
	defer log.Unlock()

	for _, source := range sources {
		if source == "*" || source == "all" {
			log.forced = state
			continue
		}
		l, ok := log.loggers[source]
		if !ok {
			l = log.create(source)
		}
		log.debug[l] = state
	}
}

// ResetDebug disables debugging for all sources.
func ResetDebug() {
	log.Lock()
	defer log.Unlock()

	log.forced = false
	for idx := range log.debug {
		log.debug[idx] = false
	}
}

// Sources returns the names of all known sources.
func Sources() []string {
	log.RLock()
	defer log.RUnlock()

	sources := make([]string, len(log.sources))
	copy(sources, log.sources)
	sort.Strings(sources)

	return sources
}

// Flush flushes any messages buffered by the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	active.Flush()
}

// get looks up or creates the logger for a source.
func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	return l.create(source)
}

// create creates a logger for a source, the caller must hold the lock.
func (l *logging) create(source string) logger {
	lg := logger(len(l.sources))
	l.loggers[source] = lg
	l.sources = append(l.sources, source)
	l.debug = append(l.debug, false)

	if len(source) > l.align {
		l.align = len(source)
		if l.active != nil {
			l.active.SetSourceAlignment(l.align)
		}
	}

	return lg
}

// EnableDebug enables/disables debug logging for this logger.
func (lg logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.debug[lg]
	log.debug[lg] = state

	return old
}

// DebugEnabled checks debug logging is enabled for this logger.
func (lg logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()

	return log.debug[lg] || log.forced
}

// Source returns the source for the given logger.
func (lg logger) Source() string {
	log.RLock()
	defer log.RUnlock()

	return log.sources[lg]
}

// Debug logs a debug message.
func (lg logger) Debug(format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelDebug); emit {
		active.Log(LevelDebug, source, format, args...)
	}
}

// Info logs a informational message.
func (lg logger) Info(format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelInfo); emit {
		active.Log(LevelInfo, source, format, args...)
	}
}

// Warn logs a warning message.
func (lg logger) Warn(format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelWarn); emit {
		active.Log(LevelWarn, source, format, args...)
	}
}

// Error logs an error message.
func (lg logger) Error(format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelError); emit {
		active.Log(LevelError, source, format, args...)
	}
}

// Fatal logs a fatal error message and os.Exit(1)'s.
func (lg logger) Fatal(format string, args ...interface{}) {
	source, active, _ := lg.check(LevelFatal)
	active.Log(LevelFatal, source, format, args...)
	active.Sync()

	os.Exit(1)
}

// Panic logs a panic message and panic()'s.
func (lg logger) Panic(format string, args ...interface{}) {
	source, active, _ := lg.check(LevelPanic)
	active.Log(LevelPanic, source, format, args...)
	active.Sync()

	panic(fmt.Sprintf("["+source+"] "+format, args...))
}

// DebugBlock logs a multi-line debug message.
func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelDebug); emit {
		active.Block(LevelDebug, source, prefix, format, args...)
	}
}

// InfoBlock logs a multi-line informational message.
func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelInfo); emit {
		active.Block(LevelInfo, source, prefix, format, args...)
	}
}

// WarnBlock logs a multi-line warning message.
func (lg logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelWarn); emit {
		active.Block(LevelWarn, source, prefix, format, args...)
	}
}

// ErrorBlock logs a multi-line error message.
func (lg logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := lg.check(LevelError); emit {
		active.Block(LevelError, source, prefix, format, args...)
	}
}

// check returns the source, the active backend, and whether level is emitted.
func (lg logger) check(level Level) (string, Backend, bool) {
	log.RLock()
	defer log.RUnlock()

	source := log.sources[lg]

	switch {
	case level == LevelDebug:
		return source, log.active, log.debug[lg] || log.forced
	case level < log.level:
		return source, log.active, false
	default:
		return source, log.active, true
	}
}

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	case LevelPanic:
		return "panic"
	case LevelFatal:
		return "fatal"
	}
	return fmt.Sprintf("<level %d>", int(l))
}

// ParseLevel parses the name of a level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "panic":
		return LevelPanic, nil
	case "fatal":
		return LevelFatal, nil
	}
	return LevelInfo, loggerError("unknown logging level %q", name)
}

// loggerError produces a formatted logger-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
