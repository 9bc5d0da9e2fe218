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

package leader

import (
	"testing"
	"time"

	"github.com/pingcap/jobflow/engine/batch/local"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Adjust())
	require.Equal(t, local.Name, cfg.BatchSystem)
	require.Equal(t, CleanOnSuccess, cfg.Clean)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, time.Minute, cfg.RescueInterval)
	require.Equal(t, 30*time.Second, cfg.LostGrace)
	require.Equal(t, time.Duration(0), cfg.MaxJobDuration)
	require.Equal(t, model.MilliCores(1000), cfg.DefaultRequirements.Cores)
	require.Equal(t, uint64(2<<30), cfg.DefaultRequirements.Memory)
	require.Equal(t, 1, cfg.DefaultRetries)
	require.False(t, cfg.Autoscaler.Enabled)

	data, err := cfg.Toml()
	require.NoError(t, err)
	decoded := GetDefaultConfig()
	require.NoError(t, decoded.ConfigFromString(data))
	require.NoError(t, decoded.Adjust())
	require.Equal(t, cfg.String(), decoded.String())
}

func TestConfigFromString(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	require.NoError(t, cfg.ConfigFromString(`
job-store = "file:/tmp/run"
batch-system = "slurm"
clean = "always"
default-cores = "0.5"
default-memory = "512Mi"
default-preemptable = true
max-job-duration = "2h"

[slurm]
partition = "short"

[autoscaler]
enabled = true
scale-interval = "1m"

[[autoscaler.node-types]]
name = "small"
cores = "2"
memory = "4Gi"
disk = "10Gi"
max-nodes = 3
`))
	require.NoError(t, cfg.Adjust())
	require.Equal(t, "slurm", cfg.BatchSystem)
	require.Equal(t, CleanAlways, cfg.Clean)
	require.Equal(t, 2*time.Hour, cfg.MaxJobDuration)
	require.Equal(t, model.MilliCores(500), cfg.DefaultRequirements.Cores)
	require.Equal(t, uint64(512<<20), cfg.DefaultRequirements.Memory)
	require.True(t, cfg.DefaultRequirements.Preemptable)
	require.Equal(t, "short", cfg.Slurm.Partition)
	require.Same(t, cfg.Slurm, cfg.batchConfig())
	require.True(t, cfg.Autoscaler.Enabled)
	require.Equal(t, time.Minute, cfg.Autoscaler.ScaleInterval)
	require.Len(t, cfg.Autoscaler.Types(), 1)
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	err := cfg.ConfigFromString(`unknown-key = 1`)
	require.True(t, errors.Is(err, errors.ErrConfigUnknownItem), "%v", err)

	cfg = GetDefaultConfig()
	err = cfg.ConfigFromString(`poll-interval = `)
	require.True(t, errors.Is(err, errors.ErrConfigDecode), "%v", err)

	for _, modify := range []func(*Config){
		func(c *Config) { c.Clean = "sometimes" },
		func(c *Config) { c.PollIntervalStr = "0s" },
		func(c *Config) { c.LostGraceStr = "-1s" },
		func(c *Config) { c.DefaultRetries = -1 },
	} {
		cfg := GetDefaultConfig()
		modify(cfg)
		err := cfg.Adjust()
		require.True(t, errors.Is(err, errors.ErrInvalidArgument), "%v", err)
	}

	cfg = GetDefaultConfig()
	cfg.DefaultMemory = "lots"
	require.Error(t, cfg.Adjust())
}

func TestCleanPolicy(t *testing.T) {
	t.Parallel()

	runErr := errors.New("failed")
	cases := []struct {
		policy    CleanPolicy
		onSuccess bool
		onError   bool
	}{
		{CleanAlways, true, true},
		{CleanOnError, false, true},
		{CleanOnSuccess, true, false},
		{CleanNever, false, false},
	}
	for _, c := range cases {
		require.Equal(t, c.onSuccess, c.policy.shouldClean(nil), c.policy)
		require.Equal(t, c.onError, c.policy.shouldClean(runErr), c.policy)
	}
}
