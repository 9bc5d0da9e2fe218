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

package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func newTestSystem(t *testing.T, cores string, launcher Launcher) *System {
	cfg := &Config{Cores: cores, Memory: "1Gi", Disk: "1Gi", WorkDir: t.TempDir()}
	require.NoError(t, cfg.Adjust())
	s, err := New(cfg, launcher)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func spec(id string, cores model.MilliCores) *batch.Spec {
	return &batch.Spec{
		JobID:        model.JobID(id),
		Name:         id,
		Requirements: model.Requirements{Cores: cores, Memory: 1 << 20},
	}
}

func pollUntil(t *testing.T, s *System, n int) map[batch.Handle]batch.Outcome {
	res := make(map[batch.Handle]batch.Outcome)
	deadline := time.Now().Add(10 * time.Second)
	for len(res) < n {
		require.True(t, time.Now().Before(deadline), "timed out waiting for outcomes")
		outcomes, err := s.Poll(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		for _, o := range outcomes {
			_, dup := res[o.Handle]
			require.False(t, dup, "outcome reported twice")
			res[o.Handle] = o
		}
	}
	return res
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := &Config{Cores: "1.5", Memory: "2Gi", Disk: "10G"}
	require.NoError(t, cfg.Adjust())
	require.Equal(t, model.MilliCores(1500), cfg.Capacity().Cores)
	require.Equal(t, uint64(2<<30), cfg.Capacity().Memory)
	require.Equal(t, defaultMaxInFlight, cfg.MaxInFlight)

	cfg = &Config{WorkDir: t.TempDir()}
	require.NoError(t, cfg.Adjust())
	require.Greater(t, int64(cfg.Capacity().Cores), int64(0))
	require.Greater(t, cfg.Capacity().Memory, uint64(0))

	require.Error(t, (&Config{Cores: "lots"}).Adjust())
}

func TestIssueRejectsOversizedTask(t *testing.T) {
	s := newTestSystem(t, "2", FuncLauncher(func(context.Context, *batch.Spec) error { return nil }))
	_, err := s.Issue(context.Background(), spec("big", 4000))
	require.True(t, errors.Is(err, errors.ErrInsufficientResources))
}

func TestOutcomes(t *testing.T) {
	s := newTestSystem(t, "4", FuncLauncher(func(_ context.Context, sp *batch.Spec) error {
		if sp.Name == "bad" {
			return errors.New("boom")
		}
		if sp.Name == "panic" {
			panic("boom")
		}
		return nil
	}))
	ctx := context.Background()
	ok, err := s.Issue(ctx, spec("ok", 1000))
	require.NoError(t, err)
	bad, err := s.Issue(ctx, spec("bad", 1000))
	require.NoError(t, err)
	p, err := s.Issue(ctx, spec("panic", 1000))
	require.NoError(t, err)

	res := pollUntil(t, s, 3)
	require.Equal(t, batch.StatusSucceeded, res[ok].Status)
	require.Equal(t, batch.StatusFailed, res[bad].Status)
	require.Equal(t, 1, res[bad].ExitCode)
	require.Equal(t, batch.StatusFailed, res[p].Status)
}

func TestResourceAccountingLargestFirst(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		cur, peak model.MilliCores
		release  = make(chan struct{})
	)
	s := newTestSystem(t, "2", FuncLauncher(func(ctx context.Context, sp *batch.Spec) error {
		mu.Lock()
		order = append(order, sp.Name)
		cur += sp.Requirements.Cores
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		cur -= sp.Requirements.Cores
		mu.Unlock()
		return nil
	}))
	ctx := context.Background()
	_, err := s.Issue(ctx, spec("blocker", 2000))
	require.NoError(t, err)
	_, err = s.Issue(ctx, spec("small", 1000))
	require.NoError(t, err)
	_, err = s.Issue(ctx, spec("large", 2000))
	require.NoError(t, err)

	running, err := s.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 3)
	load, err := s.NodeLoad(ctx)
	require.NoError(t, err)
	for _, n := range load {
		require.Equal(t, 1, n)
	}

	close(release)
	pollUntil(t, s, 3)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "large", "small"}, order)
	require.LessOrEqual(t, int64(peak), int64(2000))
}

func TestKill(t *testing.T) {
	s := newTestSystem(t, "1", FuncLauncher(func(ctx context.Context, _ *batch.Spec) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ctx := context.Background()
	running, err := s.Issue(ctx, spec("running", 1000))
	require.NoError(t, err)
	queued, err := s.Issue(ctx, spec("queued", 1000))
	require.NoError(t, err)

	require.NoError(t, s.Kill(ctx, []batch.Handle{running, queued, "unknown"}))
	res := pollUntil(t, s, 2)
	require.Equal(t, batch.StatusKilled, res[running].Status)
	require.Equal(t, batch.StatusKilled, res[queued].Status)

	left, err := s.Running(ctx)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestExecLauncher(t *testing.T) {
	s := newTestSystem(t, "2", ExecLauncher{})
	ctx := context.Background()
	ok, err := s.Issue(ctx, &batch.Spec{JobID: "ok", Command: []string{"sh", "-c", "test \"$FOO\" = bar"},
		Env: map[string]string{"FOO": "bar"}})
	require.NoError(t, err)
	bad, err := s.Issue(ctx, &batch.Spec{JobID: "bad", Command: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	missing, err := s.Issue(ctx, &batch.Spec{JobID: "missing", Command: []string{"/nonexistent/jobflow-test"}})
	require.NoError(t, err)
	sleeper, err := s.Issue(ctx, &batch.Spec{JobID: "sleep", Command: []string{"sh", "-c", "sleep 60"}})
	require.NoError(t, err)
	require.NoError(t, s.Kill(ctx, []batch.Handle{sleeper}))

	res := pollUntil(t, s, 4)
	require.Equal(t, batch.StatusSucceeded, res[ok].Status)
	require.Equal(t, batch.StatusFailed, res[bad].Status)
	require.Equal(t, 3, res[bad].ExitCode)
	require.Equal(t, batch.StatusFailed, res[missing].Status)
	require.Equal(t, batch.StatusKilled, res[sleeper].Status)
}

func TestPollRespectsContext(t *testing.T) {
	s := newTestSystem(t, "1", FuncLauncher(func(context.Context, *batch.Spec) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Poll(ctx, time.Minute)
	require.Error(t, err)

	start := time.Now()
	outcomes, err := s.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClosed(t *testing.T) {
	cfg := &Config{Cores: "1", Memory: "1Gi", Disk: "1Gi"}
	require.NoError(t, cfg.Adjust())
	s, err := New(cfg, FuncLauncher(func(context.Context, *batch.Spec) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Issue(context.Background(), spec("late", 1000))
	require.True(t, errors.Is(err, errors.ErrBatchSystemClosed))
}
