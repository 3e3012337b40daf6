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

package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"sigs.k8s.io/yaml"

	logger "github.com/intel/gcsched/pkg/log"
)

var log = logger.NewLogger("http")

// ServeMux multiplexes requests to handlers which can be removed later.
// net/http.ServeMux can't unregister patterns, so we rebuild one on
// every removal.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
	mux      *http.ServeMux
}

// NewServeMux creates a new, empty request multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: map[string]http.Handler{},
		mux:      http.NewServeMux(),
	}
}

// Handle registers handler for pattern. Duplicates are rejected with an error log.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; ok {
		log.Error("duplicate handler for %q, ignored", pattern)
		return
	}

	log.Debug("handler for %q registered", pattern)
	m.handlers[pattern] = handler
	m.mux.Handle(pattern, handler)
}

// HandleFunc registers fn as the handler for pattern.
func (m *ServeMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(fn))
}

// Unregister removes the handler for pattern, returning it if there was one.
func (m *ServeMux) Unregister(pattern string) (http.Handler, bool) {
	m.Lock()
	defer m.Unlock()

	h, ok := m.handlers[pattern]
	if !ok {
		return nil, false
	}

	delete(m.handlers, pattern)
	m.mux = http.NewServeMux()
	for p, h := range m.handlers {
		m.mux.Handle(p, h)
	}
	log.Debug("handler for %q unregistered", pattern)

	return h, true
}

// Patterns returns the sorted list of registered patterns.
func (m *ServeMux) Patterns() []string {
	m.RLock()
	defer m.RUnlock()

	patterns := make([]string, 0, len(m.handlers))
	for p := range m.handlers {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	return patterns
}

func (m *ServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.RLock()
	mux := m.mux
	m.RUnlock()

	log.Debug("%s %s", r.Method, r.URL)
	mux.ServeHTTP(w, r)
}

// YAMLHandler returns a handler which serves the data produced by fn as YAML.
// It is used to expose collector state, like the scheduling snapshot.
func YAMLHandler(fn func() (interface{}, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		data, err := fn()
		if err == nil {
			var raw []byte
			if raw, err = yaml.Marshal(data); err == nil {
				w.Header().Set("Content-Type", "application/yaml")
				_, _ = w.Write(raw)
				return
			}
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	})
}

// Server is an HTTP server serving a ServeMux. It can be stopped and
// restarted on a different address without losing registered handlers.
type Server struct {
	sync.Mutex
	srv *http.Server
	mux *ServeMux
}

// NewServer creates a new, stopped server.
func NewServer() *Server {
	return &Server{mux: NewServeMux()}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server is listening on, or "" if stopped.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// Start starts serving on addr. An empty address disables the server.
func (s *Server) Start(addr string) error {
	if addr == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	s.Lock()
	defer s.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return httpError("failed to listen on %q: %w", addr, err)
	}

	// record the real address, the port might have been autobound
	srv := &http.Server{Addr: ln.Addr().String(), Handler: s.mux}
	s.srv = srv
	log.Info("HTTP server listening on %s", srv.Addr)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server on %s failed: %v", srv.Addr, err)
		}
	}()

	return nil
}

// Stop closes the server immediately.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.srv == nil {
		return
	}
	log.Info("stopping HTTP server on %s", s.srv.Addr)
	s.srv.Close()
	s.srv = nil
}

// Shutdown shuts the server down gracefully, optionally waiting for
// shutdown hooks to finish.
func (s *Server) Shutdown(wait bool) {
	s.Lock()
	defer s.Unlock()

	if s.srv == nil {
		return
	}

	done := make(chan struct{})
	s.srv.RegisterOnShutdown(func() { close(done) })

	log.Info("shutting down HTTP server on %s", s.srv.Addr)
	if err := s.srv.Shutdown(context.Background()); err != nil {
		log.Error("HTTP server shutdown failed: %v", err)
	}
	if wait {
		<-done
	}
	s.srv = nil
}

// Reconfigure restarts the server if addr differs from the current address.
func (s *Server) Reconfigure(addr string) error {
	if s.GetAddress() == addr {
		return nil
	}
	return s.Restart(addr)
}

// Restart stops the server then starts it on addr.
func (s *Server) Restart(addr string) error {
	s.Stop()
	return s.Start(addr)
}

func httpError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation/http: "+format, args...)
}
