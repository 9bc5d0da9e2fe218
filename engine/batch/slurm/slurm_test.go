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

package slurm

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	calls   [][]string
	nextID  int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{"sinfo": "4096 2\n16384 8\n", "scancel": ""}, nextID: 100}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == "sbatch" {
		f.nextID++
		return []byte(strconv.Itoa(f.nextID) + ";cluster\n"), nil
	}
	out, ok := f.outputs[name]
	if !ok {
		return nil, errors.ErrBatchCommandFailed.GenWithStackByArgs(name)
	}
	return []byte(out), nil
}

func (f *fakeRunner) set(name, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[name] = out
}

func (f *fakeRunner) last(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i][0] == name {
			return f.calls[i]
		}
	}
	return nil
}

func newTestSystem(t *testing.T, runner *fakeRunner, cfg *Config) *System {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.PollInterval = "10ms"
	require.NoError(t, cfg.Adjust())
	s, err := newSystem(context.Background(), cfg, "run1", runner)
	require.NoError(t, err)
	return s
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := &Config{ExtraArgs: `--qos=high --comment "two words"`}
	require.NoError(t, cfg.Adjust())
	require.Equal(t, []string{"--qos=high", "--comment", "two words"}, cfg.extraArgs)
	require.Equal(t, defaultPollInterval, cfg.pollInterval)
	require.Equal(t, defaultMaxInFlight, cfg.MaxInFlight)

	require.Error(t, (&Config{PollInterval: "soon"}).Adjust())
	require.Error(t, (&Config{ExtraArgs: `"unterminated`}).Adjust())
}

func TestIssue(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := newTestSystem(t, runner, &Config{Partition: "batch", ExtraArgs: "--qos=low"})
	require.Equal(t, model.MilliCores(8000), s.capacity.Cores)
	require.Equal(t, uint64(16384<<20), s.capacity.Memory)

	h, err := s.Issue(context.Background(), &batch.Spec{
		JobID:        "j1",
		Command:      []string{"jobflow", "worker", "--job-id", "it's"},
		Requirements: model.Requirements{Cores: 1500, Memory: 3<<20 + 1, Disk: 1 << 20},
		Env:          map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, batch.Handle("101"), h)
	require.Equal(t, []string{
		"sbatch", "--parsable", "-J", "jobflow-run1-j1", "-o", "/dev/null", "-e", "/dev/null",
		"--partition=batch", "--cpus-per-task=2", "--mem=4M", "--tmp=1M", "--export=ALL,A=1,B=2",
		"--qos=low", "--wrap", `jobflow worker --job-id 'it'\''s'`,
	}, runner.last("sbatch"))

	_, err = s.Issue(context.Background(), &batch.Spec{
		JobID:        "huge",
		Requirements: model.Requirements{Cores: 1000, Memory: 1 << 40},
	})
	require.True(t, errors.Is(err, errors.ErrInsufficientResources))

	require.NoError(t, s.Close())
	_, err = s.Issue(context.Background(), &batch.Spec{JobID: "late"})
	require.True(t, errors.Is(err, errors.ErrBatchSystemClosed))
}

func TestUnknownCapacitySkipsCheck(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	delete(runner.outputs, "sinfo")
	s := newTestSystem(t, runner, nil)
	_, err := s.Issue(context.Background(), &batch.Spec{
		JobID:        "huge",
		Requirements: model.Requirements{Memory: 1 << 40},
	})
	require.NoError(t, err)
}

func TestPollMapsStates(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := newTestSystem(t, runner, nil)
	ctx := context.Background()
	var handles []batch.Handle
	for i := 0; i < 6; i++ {
		h, err := s.Issue(ctx, &batch.Spec{JobID: model.JobID(strconv.Itoa(i)), Command: []string{"true"}})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	runner.set("sacct", strings.Join([]string{
		"101|COMPLETED|0:0|12",
		"102|FAILED|2:0|3",
		"103|NODE_FAIL|0:0|1",
		"104|CANCELLED by 1000|0:15|5",
		"105|RUNNING|0:0|7",
		"106|COMPLETED|1:0|2",
		"999|COMPLETED|0:0|1",
		"",
	}, "\n"))

	outcomes, err := s.Poll(ctx, time.Second)
	require.NoError(t, err)
	byHandle := make(map[batch.Handle]batch.Outcome)
	for _, o := range outcomes {
		byHandle[o.Handle] = o
	}
	require.Len(t, byHandle, 5)
	require.Equal(t, batch.StatusSucceeded, byHandle["101"].Status)
	require.Equal(t, 12*time.Second, byHandle["101"].WallTime)
	require.Equal(t, batch.StatusFailed, byHandle["102"].Status)
	require.Equal(t, 2, byHandle["102"].ExitCode)
	require.Equal(t, batch.StatusLost, byHandle["103"].Status)
	require.Equal(t, batch.StatusKilled, byHandle["104"].Status)
	require.Equal(t, batch.StatusFailed, byHandle["106"].Status)
	require.Contains(t, runner.last("sacct"), "101,102,103,104,105,106")

	// Reported outcomes are not reported again, the running job is pending.
	outcomes, err = s.Poll(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Equal(t, "105", runner.last("sacct")[len(runner.last("sacct"))-1])
	require.Equal(t, handles[4], batch.Handle("105"))
}

func TestRunningAndNodeLoad(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := newTestSystem(t, runner, nil)
	runner.set("squeue", strings.Join([]string{
		"11|jobflow-run1-a|R|1-02:03:04|node1",
		"12|jobflow-run1-b|R|05:06|node1",
		"13|jobflow-run1-c|PD|0:00|",
		"14|jobflow-run2-d|R|01:00|node2",
		"15|other|R|01:00|node2",
	}, "\n"))

	running, err := s.Running(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[batch.Handle]time.Duration{
		"11": 26*time.Hour + 3*time.Minute + 4*time.Second,
		"12": 5*time.Minute + 6*time.Second,
		"13": 0,
	}, running)

	load, err := s.NodeLoad(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"node1": 2}, load)

	require.NoError(t, s.Kill(context.Background(), []batch.Handle{"11", "13"}))
	require.Equal(t, []string{"scancel", "11", "13"}, runner.last("scancel"))
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 90*time.Second, parseElapsed("01:30"))
	require.Equal(t, time.Duration(0), parseElapsed("INVALID"))
	code, sig := parseExitCode("0:9")
	require.Equal(t, 0, code)
	require.Equal(t, 9, sig)
	require.Equal(t, "plain", shellQuote("plain"))
	require.Equal(t, "''", shellQuote(""))
	require.Equal(t, "'a b'", shellQuote("a b"))
}
