// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package info

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HandlerFunc serves one command. The returned string is the full
// response line, error tokens included.
type HandlerFunc func(params Params) string

// Registry is the dispatch table. Registration happens during startup;
// Freeze locks the table before the listener starts, after which the
// dispatch path reads without locking.
type Registry struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a command handler. It panics on duplicates and on
// registration after Freeze, both of which are wiring bugs.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		log.Panic("info command registered after freeze", zap.String("command", name))
	}
	if _, ok := r.handlers[name]; ok {
		log.Panic("info command registered twice", zap.String("command", name))
	}
	r.handlers[name] = fn
}

// Freeze locks the table.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Dispatch parses one request line and runs its handler. Once the table
// is frozen it never mutates again, so the hot path skips the lock.
func (r *Registry) Dispatch(line string) string {
	cmd, params := ParseCommand(line)
	var fn HandlerFunc
	if r.frozen.Load() {
		fn = r.handlers[cmd]
	} else {
		r.mu.Lock()
		fn = r.handlers[cmd]
		r.mu.Unlock()
	}
	if fn == nil {
		return "ERROR::unknown-command"
	}
	return fn(params)
}

// Commands returns the registered command names, for the HTTP surface.
func (r *Registry) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
