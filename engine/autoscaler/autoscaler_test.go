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
	"sync"
	"testing"
	"time"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/pkg/clock"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type fakeDemand struct {
	mu     sync.Mutex
	shapes []model.Requirements
}

func (d *fakeDemand) Demand() []model.Requirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Requirements(nil), d.shapes...)
}

func (d *fakeDemand) set(shapes ...model.Requirements) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shapes = shapes
}

type fakeLoad map[string]int

func (l fakeLoad) NodeLoad(context.Context) (map[string]int, error) {
	return l, nil
}

func cores(n int64) model.Requirements {
	return model.Requirements{Cores: model.MilliCores(n * 1000), Memory: 1 << 30}
}

func newConfig(t *testing.T, types ...NodeTypeConfig) *Config {
	cfg := &Config{Enabled: true, ScaleIntervalStr: "1s", IdleGraceStr: "1m", NodeTypes: types}
	require.NoError(t, cfg.Adjust())
	return cfg
}

var (
	small = NodeTypeConfig{Name: "small", Cores: "2", Memory: "4Gi", MaxNodes: 10}
	large = NodeTypeConfig{Name: "large", Cores: "8", Memory: "32Gi", MaxNodes: 2}
)

func countByType(t *testing.T, p *StaticProvisioner) map[string]int {
	nodes, err := p.CurrentNodes(context.Background())
	require.NoError(t, err)
	res := make(map[string]int)
	for _, n := range nodes {
		res[n.Type]++
	}
	return res
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, large, small)
	require.Equal(t, time.Second, cfg.ScaleInterval)
	types := cfg.Types()
	require.Equal(t, "small", types[0].Name)
	require.Equal(t, "large", types[1].Name)
	require.Equal(t, model.MilliCores(8000), types[1].Shape.Cores)

	for _, bad := range []*Config{
		{Enabled: true},
		{ScaleIntervalStr: "never"},
		{NodeTypes: []NodeTypeConfig{small, small}},
		{NodeTypes: []NodeTypeConfig{{Name: "x", MinNodes: 3, MaxNodes: 1}}},
		{NodeTypes: []NodeTypeConfig{{Name: "x", Memory: "much"}}},
	} {
		require.Error(t, bad.Adjust())
	}
	require.NoError(t, (&Config{}).Adjust())
}

func TestBinPack(t *testing.T) {
	t.Parallel()

	node := model.Requirements{Cores: 4000, Memory: 8 << 30}
	require.Equal(t, 0, binPack(nil, node))
	require.Equal(t, 2, binPack([]model.Requirements{cores(2), cores(2), cores(2)}, node))
	require.Equal(t, 2, binPack([]model.Requirements{cores(1), cores(3), cores(1), cores(3)}, node))
	require.Equal(t, 3, binPack([]model.Requirements{cores(3), cores(3), cores(3)}, node))
}

func TestTickProvisionsSmallestFittingType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	a := New(newConfig(t, small, large), prov, demand, nil, clock.NewMock())

	demand.set(cores(1), cores(1), cores(1))
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, map[string]int{"small": 2}, countByType(t, prov))

	// A shape only the large type holds moves the whole group there.
	demand.set(cores(4), cores(1), cores(1), cores(1))
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, map[string]int{"small": 2, "large": 1}, countByType(t, prov))
	require.Empty(t, a.Stalls())
}

func TestTickStallsWhenCapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	capped := NodeTypeConfig{Name: "capped", Cores: "4", Memory: "8Gi", MaxNodes: 0}
	spot := NodeTypeConfig{Name: "spot", Cores: "4", Memory: "8Gi", Preemptable: true, MaxNodes: 5}
	a := New(newConfig(t, capped, spot), prov, demand, nil, clock.NewMock())

	// Non-preemptable demand never goes to preemptable nodes.
	demand.set(cores(2))
	require.NoError(t, a.Tick(ctx))
	require.Empty(t, countByType(t, prov))
	stalls := a.Stalls()
	require.Len(t, stalls, 1)
	require.Equal(t, "capped", stalls[0].NodeType)
	require.Equal(t, 1, stalls[0].Wanted)
	require.Equal(t, 0, stalls[0].Allowed)

	p := cores(2)
	p.Preemptable = true
	demand.set(p, p, p)
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, map[string]int{"spot": 2}, countByType(t, prov))
}

func TestTickSkipsTypesWithoutHeadroom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	closed := NodeTypeConfig{Name: "small", Cores: "2", Memory: "4Gi", MaxNodes: 0}
	open := NodeTypeConfig{Name: "large", Cores: "8", Memory: "32Gi", MaxNodes: 5}
	a := New(newConfig(t, closed, open), prov, demand, nil, clock.NewMock())

	demand.set(cores(1))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Tick(ctx))
	}
	require.Equal(t, map[string]int{"large": 1}, countByType(t, prov))
	require.Empty(t, a.Stalls())
}

func TestTickOverflowsToNextType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	one := small
	one.MaxNodes = 1
	a := New(newConfig(t, one, large), prov, demand, nil, clock.NewMock())

	// One small node holds one shape; the other two go to a large node.
	demand.set(cores(2), cores(2), cores(2))
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, map[string]int{"small": 1, "large": 1}, countByType(t, prov))
	require.Empty(t, a.Stalls())

	// Both types are full: the rest is charged to the smallest type.
	demand.set(cores(2), cores(8), cores(8), cores(8))
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, map[string]int{"small": 1, "large": 2}, countByType(t, prov))
	stalls := a.Stalls()
	require.Len(t, stalls, 1)
	require.Equal(t, "large", stalls[0].NodeType)
	require.Equal(t, 3, stalls[0].Wanted)
	require.Equal(t, 2, stalls[0].Allowed)
}

func TestTickPreemptableFallsBackToRegular(t *testing.T) {
	t.Parallel()

	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	a := New(newConfig(t, small), prov, demand, nil, clock.NewMock())
	p := cores(2)
	p.Preemptable = true
	demand.set(p)
	require.NoError(t, a.Tick(context.Background()))
	require.Equal(t, map[string]int{"small": 1}, countByType(t, prov))
}

func TestTickProvisionFailureStalls(t *testing.T) {
	t.Parallel()

	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	prov.Fail = errors.New("quota exceeded")
	a := New(newConfig(t, small), prov, demand, nil, clock.NewMock())
	demand.set(cores(1))
	require.NoError(t, a.Tick(context.Background()))
	stalls := a.Stalls()
	require.Len(t, stalls, 1)
	require.Contains(t, stalls[0].Reason, "quota exceeded")
}

func TestTickNoNodeTypeFits(t *testing.T) {
	t.Parallel()

	demand := &fakeDemand{}
	a := New(newConfig(t, small), NewStaticProvisioner(), demand, nil, clock.NewMock())
	demand.set(cores(64))
	err := a.Tick(context.Background())
	require.True(t, errors.Is(err, errors.ErrNoNodeTypeFits))
}

func TestScaleDownIdleNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	demand := &fakeDemand{}
	prov := NewStaticProvisioner()
	withMin := small
	withMin.MinNodes = 1
	clk := clock.NewMock()
	load := fakeLoad{}
	a := New(newConfig(t, withMin), prov, demand, load, clk)

	require.NoError(t, prov.Provision(ctx, NodeType{Name: "small"}, 3))
	load["small-1"] = 1

	require.NoError(t, a.Tick(ctx))
	require.Equal(t, 3, countByType(t, prov)["small"])

	clk.Add(30 * time.Second)
	require.NoError(t, a.Tick(ctx))
	require.Equal(t, 3, countByType(t, prov)["small"])

	clk.Add(31 * time.Second)
	require.NoError(t, a.Tick(ctx))
	nodes, err := prov.CurrentNodes(ctx)
	require.NoError(t, err)
	// Busy small-1 is kept and covers min-nodes.
	require.Len(t, nodes, 1)
	require.Equal(t, "small-1", nodes[0].ID)
}

func TestRun(t *testing.T) {
	t.Parallel()

	demand := &fakeDemand{}
	a := New(newConfig(t, small), NewStaticProvisioner(), demand, nil, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	demand.set(cores(64))
	err := a.Run(context.Background())
	require.True(t, errors.Is(err, errors.ErrNoNodeTypeFits))
}
