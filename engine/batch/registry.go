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

package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Params is passed to a Factory. Config holds the backend specific section
// of the leader configuration and may be nil.
type Params struct {
	RunID  string
	Config interface{}
}

// Factory creates a batch system.
type Factory func(ctx context.Context, params *Params) (BatchSystem, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a batch system available under name. It panics if name is
// already registered.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[name]; exists {
		log.Panic("duplicate batch system", zap.String("name", name))
	}
	factories[name] = factory
}

// New creates the batch system registered under name.
func New(ctx context.Context, name string, params *Params) (BatchSystem, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.ErrUnknownBatchSystem.GenWithStackByArgs(name)
	}
	bs, err := factory(ctx, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bs, nil
}

// Names returns the registered batch system names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
