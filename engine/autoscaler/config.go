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
	"sort"
	"time"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

const (
	defaultScaleInterval = "30s"
	defaultIdleGrace     = "5m"
)

// NodeTypeConfig is the TOML form of a NodeType.
type NodeTypeConfig struct {
	Name        string `toml:"name" json:"name"`
	Cores       string `toml:"cores" json:"cores"`
	Memory      string `toml:"memory" json:"memory"`
	Disk        string `toml:"disk" json:"disk"`
	Preemptable bool   `toml:"preemptable" json:"preemptable"`
	MinNodes    int    `toml:"min-nodes" json:"min-nodes"`
	MaxNodes    int    `toml:"max-nodes" json:"max-nodes"`
}

// Config configures the autoscaler.
type Config struct {
	Enabled          bool             `toml:"enabled" json:"enabled"`
	ScaleIntervalStr string           `toml:"scale-interval" json:"scale-interval"`
	IdleGraceStr     string           `toml:"idle-grace" json:"idle-grace"`
	NodeTypes        []NodeTypeConfig `toml:"node-types" json:"node-types"`

	ScaleInterval time.Duration `toml:"-" json:"-"`
	IdleGrace     time.Duration `toml:"-" json:"-"`

	nodeTypes []NodeType
}

// NodeType is a kind of machine the provisioner can start.
type NodeType struct {
	Name        string
	Shape       model.Requirements
	Preemptable bool
	MinNodes    int
	MaxNodes    int
}

// Adjust validates the config and parses durations and node shapes.
func (c *Config) Adjust() (err error) {
	if c.ScaleIntervalStr == "" {
		c.ScaleIntervalStr = defaultScaleInterval
	}
	if c.IdleGraceStr == "" {
		c.IdleGraceStr = defaultIdleGrace
	}
	if c.ScaleInterval, err = time.ParseDuration(c.ScaleIntervalStr); err != nil || c.ScaleInterval <= 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("autoscaler scale-interval " + c.ScaleIntervalStr)
	}
	if c.IdleGrace, err = time.ParseDuration(c.IdleGraceStr); err != nil || c.IdleGrace < 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("autoscaler idle-grace " + c.IdleGraceStr)
	}

	seen := make(map[string]bool, len(c.NodeTypes))
	c.nodeTypes = c.nodeTypes[:0]
	for _, nt := range c.NodeTypes {
		if nt.Name == "" || seen[nt.Name] {
			return errors.ErrInvalidArgument.GenWithStackByArgs("node type name " + nt.Name + " is empty or duplicated")
		}
		seen[nt.Name] = true
		if nt.MinNodes < 0 || nt.MaxNodes < nt.MinNodes {
			return errors.ErrInvalidArgument.GenWithStackByArgs("node type " + nt.Name + " needs 0 <= min-nodes <= max-nodes")
		}
		shape, err := model.ParseRequirements(nt.Cores, nt.Memory, nt.Disk, nt.Preemptable)
		if err != nil {
			return err
		}
		c.nodeTypes = append(c.nodeTypes, NodeType{
			Name:        nt.Name,
			Shape:       shape,
			Preemptable: nt.Preemptable,
			MinNodes:    nt.MinNodes,
			MaxNodes:    nt.MaxNodes,
		})
	}
	if c.Enabled && len(c.nodeTypes) == 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("autoscaler enabled without node types")
	}
	sortNodeTypes(c.nodeTypes)
	return nil
}

// Types returns the configured node types, smallest first.
func (c *Config) Types() []NodeType {
	return append([]NodeType(nil), c.nodeTypes...)
}

func sortNodeTypes(types []NodeType) {
	sort.SliceStable(types, func(i, j int) bool {
		return types[i].Shape.Less(types[j].Shape)
	})
}
