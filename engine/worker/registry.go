// Copyright 2024 PingCAP, Inc.
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

package worker

import (
	"context"
	"sync"

	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Body is the user code of a job. Returning an error, or panicking, fails
// the attempt.
type Body func(ctx context.Context, jc *JobContext) error

// Registry maps payload kinds to bodies.
type Registry struct {
	mu     sync.RWMutex
	bodies map[string]Body
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bodies: make(map[string]Body)}
}

// DefaultRegistry returns a registry holding the built-in bodies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ShellKind, ShellBody)
	r.MustRegister(ExecKind, ExecBody)
	return r
}

// Register adds a body under kind and reports whether kind was free.
func (r *Registry) Register(kind string, body Body) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bodies[kind]; exists {
		return false
	}
	r.bodies[kind] = body
	return true
}

// MustRegister is Register that panics on a duplicate kind.
func (r *Registry) MustRegister(kind string, body Body) {
	if ok := r.Register(kind, body); !ok {
		log.Panic("duplicate job body kind", zap.String("kind", kind))
	}
}

// Lookup returns the body registered under kind.
func (r *Registry) Lookup(kind string) (Body, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.bodies[kind]
	if !ok {
		return nil, errors.ErrJobBodyNotRegistered.GenWithStackByArgs(kind)
	}
	return body, nil
}
