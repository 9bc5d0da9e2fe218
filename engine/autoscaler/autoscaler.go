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
	"sort"
	"sync"
	"time"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/pkg/clock"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxStallHistory   = 128
	stallWarnInterval = time.Minute
)

// DemandSource reports the requirements of jobs waiting for or holding
// capacity.
type DemandSource interface {
	Demand() []model.Requirements
}

// LoadSource reports the running tasks per node.
type LoadSource interface {
	NodeLoad(ctx context.Context) (map[string]int, error)
}

// Stall records that demand for a node type could not be met.
type Stall struct {
	NodeType string
	Wanted   int
	Allowed  int
	Reason   string
	At       time.Time
}

// Autoscaler sizes the fleet of nodes to the outstanding demand. It never
// fails a run because capacity is short; it only reports stalls. The one
// fatal condition is a requirement that no node type can hold.
type Autoscaler struct {
	types  []NodeType
	cfg    *Config
	prov   Provisioner
	demand DemandSource
	load   LoadSource
	clock  clock.Clock
	warn   rate.Sometimes

	idleSince map[string]time.Time

	mu     sync.Mutex
	stalls []Stall
}

// New creates an autoscaler. cfg must have been adjusted. load may be nil,
// in which case nodes are never considered idle.
func New(cfg *Config, prov Provisioner, demand DemandSource, load LoadSource, clk clock.Clock) *Autoscaler {
	if clk == nil {
		clk = clock.New()
	}
	return &Autoscaler{
		types:     cfg.Types(),
		cfg:       cfg,
		prov:      prov,
		demand:    demand,
		load:      load,
		clock:     clk,
		warn:      rate.Sometimes{Interval: stallWarnInterval},
		idleSince: make(map[string]time.Time),
	}
}

// Run scales every ScaleInterval until ctx is done. It returns an error
// only when a requirement can never be met.
func (a *Autoscaler) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		if err := a.Tick(ctx); err != nil {
			if errors.Is(err, errors.ErrNoNodeTypeFits) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("autoscaler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stalls returns the recent stalls, oldest first.
func (a *Autoscaler) Stalls() []Stall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Stall(nil), a.stalls...)
}

func (a *Autoscaler) recordStall(s Stall) {
	s.At = a.clock.Now()
	a.mu.Lock()
	a.stalls = append(a.stalls, s)
	if len(a.stalls) > maxStallHistory {
		a.stalls = a.stalls[len(a.stalls)-maxStallHistory:]
	}
	a.mu.Unlock()
	stallGauge.WithLabelValues(s.NodeType).Set(1)
	a.warn.Do(func() {
		log.Warn("autoscaler cannot meet demand, jobs wait",
			zap.String("node-type", s.NodeType), zap.Int("wanted", s.Wanted),
			zap.Int("allowed", s.Allowed), zap.String("reason", s.Reason))
	})
}

// Tick performs one scaling round.
func (a *Autoscaler) Tick(ctx context.Context) error {
	targets, err := a.targets(a.demand.Demand())
	if err != nil {
		return err
	}
	nodes, err := a.prov.CurrentNodes(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	byType := make(map[string][]Node)
	for _, n := range nodes {
		byType[n.Type] = append(byType[n.Type], n)
	}
	var load map[string]int
	if a.load != nil {
		if load, err = a.load.NodeLoad(ctx); err != nil {
			log.Warn("failed to read node load, skipping scale down", zap.Error(err))
			load = nil
		}
	}

	for _, nt := range a.types {
		target := targets[nt.Name]
		current := len(byType[nt.Name])
		switch {
		case target > current:
			a.provision(ctx, nt, target-current)
		case target < current && load != nil:
			a.scaleDown(ctx, nt, byType[nt.Name], current-target, load)
		}
	}
	return nil
}

func (a *Autoscaler) provision(ctx context.Context, nt NodeType, count int) {
	log.Info("provisioning nodes", zap.String("node-type", nt.Name), zap.Int("count", count))
	if err := a.prov.Provision(ctx, nt, count); err != nil {
		a.recordStall(Stall{
			NodeType: nt.Name,
			Wanted:   count,
			Reason:   errors.ErrProvisionFailed.GenWithStackByArgs(count, nt.Name).Error() + ": " + err.Error(),
		})
		return
	}
	provisionedCounter.WithLabelValues(nt.Name).Add(float64(count))
}

// scaleDown terminates up to excess nodes that have been idle for longer
// than the grace period.
func (a *Autoscaler) scaleDown(ctx context.Context, nt NodeType, nodes []Node, excess int, load map[string]int) {
	now := a.clock.Now()
	var victims []string
	for _, n := range nodes {
		if load[n.ID] > 0 {
			delete(a.idleSince, n.ID)
			continue
		}
		since, ok := a.idleSince[n.ID]
		if !ok {
			a.idleSince[n.ID] = now
			continue
		}
		if now.Sub(since) >= a.cfg.IdleGrace && len(victims) < excess {
			victims = append(victims, n.ID)
		}
	}
	if len(victims) == 0 {
		return
	}
	log.Info("terminating idle nodes", zap.String("node-type", nt.Name), zap.Strings("nodes", victims))
	if err := a.prov.Terminate(ctx, victims); err != nil {
		log.Warn("failed to terminate nodes", zap.String("node-type", nt.Name), zap.Error(err))
		return
	}
	for _, id := range victims {
		delete(a.idleSince, id)
	}
	terminatedCounter.WithLabelValues(nt.Name).Add(float64(len(victims)))
}

// targets computes the wanted node count of every type for shapes.
func (a *Autoscaler) targets(shapes []model.Requirements) (map[string]int, error) {
	var regular, preemptable []NodeType
	for _, nt := range a.types {
		if nt.Preemptable {
			preemptable = append(preemptable, nt)
		} else {
			regular = append(regular, nt)
		}
	}
	var regularShapes, preemptableShapes []model.Requirements
	for _, s := range shapes {
		if s.Preemptable {
			preemptableShapes = append(preemptableShapes, s)
		} else {
			regularShapes = append(regularShapes, s)
		}
	}

	wanted := make(map[string]int)
	// Preemptable jobs fall back to regular nodes when no preemptable
	// type has room for them.
	fallback := place(preemptableShapes, preemptable, wanted)
	left := place(append(regularShapes, fallback...), regular, wanted)

	// Whatever is left fits no type with headroom. It is charged to the
	// smallest type that could hold it.
	short := make(map[string][]model.Requirements)
	for _, s := range left {
		nt, ok := smallestFitting(s, regular)
		if s.Preemptable {
			if p, found := smallestFitting(s, preemptable); found {
				nt, ok = p, true
			}
		}
		if !ok {
			return nil, errors.ErrNoNodeTypeFits.GenWithStackByArgs(s.String())
		}
		short[nt.Name] = append(short[nt.Name], s)
	}

	targets := make(map[string]int, len(a.types))
	for _, nt := range a.types {
		n := wanted[nt.Name]
		if group, ok := short[nt.Name]; ok {
			a.recordStall(Stall{
				NodeType: nt.Name,
				Wanted:   n + binPack(group, nt.Shape),
				Allowed:  nt.MaxNodes,
				Reason:   "max-nodes reached",
			})
		} else {
			stallGauge.WithLabelValues(nt.Name).Set(0)
		}
		if n < nt.MinNodes {
			n = nt.MinNodes
		}
		targets[nt.Name] = n
	}
	return targets, nil
}

// place packs shapes onto types, smallest type first, using at most
// MaxNodes nodes of each type. It adds the nodes used to wanted and returns
// the shapes that found no room.
func place(shapes []model.Requirements, types []NodeType, wanted map[string]int) []model.Requirements {
	left := shapes
	for _, nt := range types {
		if len(left) == 0 {
			break
		}
		if nt.MaxNodes <= 0 {
			continue
		}
		var n int
		n, left = packInto(left, nt.Shape, nt.MaxNodes)
		wanted[nt.Name] += n
	}
	return left
}

func smallestFitting(s model.Requirements, types []NodeType) (NodeType, bool) {
	for _, nt := range types {
		if s.FitsSize(nt.Shape) {
			return nt, true
		}
	}
	return NodeType{}, false
}

// binPack estimates the nodes of shape node needed to hold shapes, placing
// them first-fit in decreasing order.
func binPack(shapes []model.Requirements, node model.Requirements) int {
	n, _ := packInto(shapes, node, -1)
	return n
}

// packInto places shapes first-fit in decreasing order onto at most limit
// nodes of shape node, or any number when limit is negative. It returns the
// nodes used and the shapes that were not placed.
func packInto(shapes []model.Requirements, node model.Requirements, limit int) (int, []model.Requirements) {
	sorted := append([]model.Requirements(nil), shapes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[j].Less(sorted[i]) })
	var (
		bins []model.Requirements
		left []model.Requirements
	)
	for _, s := range sorted {
		placed := false
		for i := range bins {
			if s.FitsSize(bins[i]) {
				bins[i] = bins[i].Sub(s)
				placed = true
				break
			}
		}
		if placed {
			continue
		}
		if !s.FitsSize(node) || (limit >= 0 && len(bins) >= limit) {
			left = append(left, s)
			continue
		}
		bins = append(bins, node.Sub(s))
	}
	return len(bins), left
}
