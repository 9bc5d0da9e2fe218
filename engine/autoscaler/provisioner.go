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

package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Node is a machine started by a provisioner. ID matches the node names a
// batch system reports in its node load.
type Node struct {
	ID          string
	Type        string
	Preemptable bool
	LaunchedAt  time.Time
}

// Provisioner starts and stops nodes. It is implemented outside the engine
// for each cloud.
type Provisioner interface {
	Provision(ctx context.Context, nodeType NodeType, count int) error
	Terminate(ctx context.Context, nodeIDs []string) error
	CurrentNodes(ctx context.Context) ([]Node, error)
}

// StaticProvisioner keeps nodes as bookkeeping only. It serves runs where
// the machines exist already and tests.
type StaticProvisioner struct {
	mu    sync.Mutex
	seq   int
	nodes map[string]Node
	// Fail, when set, is returned by Provision.
	Fail error
}

// NewStaticProvisioner creates an empty StaticProvisioner.
func NewStaticProvisioner() *StaticProvisioner {
	return &StaticProvisioner{nodes: make(map[string]Node)}
}

// Provision implements Provisioner.
func (p *StaticProvisioner) Provision(_ context.Context, nodeType NodeType, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	for i := 0; i < count; i++ {
		p.seq++
		id := fmt.Sprintf("%s-%d", nodeType.Name, p.seq)
		p.nodes[id] = Node{ID: id, Type: nodeType.Name, Preemptable: nodeType.Preemptable, LaunchedAt: time.Now()}
	}
	return nil
}

// Terminate implements Provisioner.
func (p *StaticProvisioner) Terminate(_ context.Context, nodeIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range nodeIDs {
		delete(p.nodes, id)
	}
	return nil
}

// CurrentNodes implements Provisioner.
func (p *StaticProvisioner) CurrentNodes(_ context.Context) ([]Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := make([]Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
