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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Name is the registered name of the slurm batch system.
const Name = "slurm"

const (
	defaultMaxInFlight  = 1000
	defaultPollInterval = 5 * time.Second
	jobNamePrefix       = "jobflow-"
)

func init() {
	batch.Register(Name, func(ctx context.Context, p *batch.Params) (batch.BatchSystem, error) {
		cfg, _ := p.Config.(*Config)
		if cfg == nil {
			cfg = &Config{}
		}
		if err := cfg.Adjust(); err != nil {
			return nil, err
		}
		return newSystem(ctx, cfg, p.RunID, execRunner{})
	})
}

// Config configures the slurm batch system.
type Config struct {
	Partition    string `toml:"partition" json:"partition"`
	ExtraArgs    string `toml:"extra-args" json:"extra-args"`
	MaxInFlight  int    `toml:"max-in-flight" json:"max-in-flight"`
	PollInterval string `toml:"poll-interval" json:"poll-interval"`

	extraArgs    []string
	pollInterval time.Duration
}

// Adjust validates the config and fills defaults.
func (c *Config) Adjust() error {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	c.pollInterval = defaultPollInterval
	if c.PollInterval != "" {
		d, err := time.ParseDuration(c.PollInterval)
		if err != nil || d <= 0 {
			return errors.ErrInvalidArgument.GenWithStackByArgs("slurm poll-interval " + c.PollInterval)
		}
		c.pollInterval = d
	}
	args, err := shellwords.Parse(c.ExtraArgs)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "slurm extra-args")
	}
	c.extraArgs = args
	return nil
}

type issued struct {
	jobID     model.JobID
	submitted time.Time
}

// System submits every task as a slurm job. Job names carry the run ID, so
// a restarted leader finds the jobs of its predecessor through Running.
type System struct {
	cfg    *Config
	runID  string
	runner commandRunner
	// capacity is the largest node of the cluster; zero if unknown.
	capacity model.Requirements

	mu     sync.Mutex
	issued map[batch.Handle]issued
	closed bool
}

var _ batch.ScalableBatchSystem = (*System)(nil)

func newSystem(ctx context.Context, cfg *Config, runID string, runner commandRunner) (*System, error) {
	s := &System{
		cfg:    cfg,
		runID:  runID,
		runner: runner,
		issued: make(map[batch.Handle]issued),
	}
	capacity, err := s.largestNode(ctx)
	if err != nil {
		log.Warn("failed to query slurm node sizes, requirements are not checked", zap.Error(err))
	} else {
		s.capacity = capacity
	}
	return s, nil
}

func (s *System) largestNode(ctx context.Context) (model.Requirements, error) {
	out, err := s.runner.Run(ctx, "sinfo", "-Nhe", "--format", "%m %c")
	if err != nil {
		return model.Requirements{}, err
	}
	var largest model.Requirements
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		memMiB, err1 := strconv.ParseUint(strings.TrimRight(fields[0], "+"), 10, 64)
		cpus, err2 := strconv.ParseInt(strings.TrimRight(fields[1], "+"), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if memMiB<<20 > largest.Memory {
			largest.Memory = memMiB << 20
		}
		if model.MilliCores(cpus*1000) > largest.Cores {
			largest.Cores = model.MilliCores(cpus * 1000)
		}
	}
	if largest.Memory == 0 || largest.Cores == 0 {
		return model.Requirements{}, errors.ErrBatchCommandFailed.GenWithStackByArgs("sinfo returned no node sizes")
	}
	return largest, nil
}

func (s *System) jobName(spec *batch.Spec) string {
	return jobNamePrefix + s.runID + "-" + string(spec.JobID)
}

func (s *System) ownsJobName(name string) bool {
	return strings.HasPrefix(name, jobNamePrefix+s.runID+"-")
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func (s *System) sbatchArgs(spec *batch.Spec) []string {
	req := spec.Requirements
	args := []string{"--parsable", "-J", s.jobName(spec), "-o", "/dev/null", "-e", "/dev/null"}
	if s.cfg.Partition != "" {
		args = append(args, "--partition="+s.cfg.Partition)
	}
	cpus := ceilDiv(uint64(req.Cores), 1000)
	if cpus == 0 {
		cpus = 1
	}
	args = append(args, fmt.Sprintf("--cpus-per-task=%d", cpus))
	if req.Memory > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", ceilDiv(req.Memory, 1<<20)))
	}
	if req.Disk > 0 {
		args = append(args, fmt.Sprintf("--tmp=%dM", ceilDiv(req.Disk, 1<<20)))
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		export := "--export=ALL"
		for _, k := range keys {
			export += "," + k + "=" + spec.Env[k]
		}
		args = append(args, export)
	}
	args = append(args, s.cfg.extraArgs...)
	return append(args, "--wrap", shellJoin(spec.Command))
}

// Issue implements batch.BatchSystem.
func (s *System) Issue(ctx context.Context, spec *batch.Spec) (batch.Handle, error) {
	if !s.capacity.IsZero() && !spec.Requirements.FitsSize(s.capacity) {
		return "", errors.ErrInsufficientResources.GenWithStackByArgs(
			spec.JobID, spec.Requirements.String(), s.capacity.String())
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", errors.ErrBatchSystemClosed.GenWithStackByArgs()
	}

	out, err := s.runner.Run(ctx, "sbatch", s.sbatchArgs(spec)...)
	if err != nil {
		return "", err
	}
	// --parsable prints "jobid" or "jobid;cluster".
	id := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), ";", 2)[0])
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", errors.ErrBatchCommandFailed.GenWithStackByArgs("unexpected sbatch output " + strconv.Quote(string(out)))
	}
	h := batch.Handle(id)
	s.mu.Lock()
	s.issued[h] = issued{jobID: spec.JobID, submitted: time.Now()}
	s.mu.Unlock()
	log.Debug("submitted slurm job", zap.String("batch-handle", id), zap.String("job-id", string(spec.JobID)))
	return h, nil
}

// Poll implements batch.BatchSystem.
func (s *System) Poll(ctx context.Context, maxWait time.Duration) ([]batch.Outcome, error) {
	deadline := time.Now().Add(maxWait)
	for {
		outcomes, err := s.check(ctx)
		if err != nil || len(outcomes) > 0 {
			return outcomes, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > s.cfg.pollInterval {
			remaining = s.cfg.pollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Trace(ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *System) check(ctx context.Context) ([]batch.Outcome, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.issued))
	for h := range s.issued {
		ids = append(ids, string(h))
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	out, err := s.runner.Run(ctx, "sacct", "-n", "-P", "-X",
		"--format=JobIDRaw,State,ExitCode,ElapsedRaw", "-j", strings.Join(ids, ","))
	if err != nil {
		// Accounting may be briefly unavailable; try again next poll.
		log.Warn("failed to query slurm accounting", zap.Error(err))
		return nil, nil
	}
	var outcomes []batch.Outcome
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 {
			continue
		}
		outcome, terminal := parseAccounting(fields)
		if !terminal {
			continue
		}
		s.mu.Lock()
		_, ok := s.issued[outcome.Handle]
		delete(s.issued, outcome.Handle)
		s.mu.Unlock()
		if ok {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

// parseAccounting maps one sacct line to an outcome and reports whether the
// job reached a terminal state.
func parseAccounting(fields []string) (batch.Outcome, bool) {
	o := batch.Outcome{Handle: batch.Handle(fields[0])}
	state := strings.Fields(fields[1])
	if len(state) == 0 {
		return o, false
	}
	code, signal := parseExitCode(fields[2])
	o.ExitCode = code
	if secs, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
		o.WallTime = time.Duration(secs) * time.Second
	}
	switch state[0] {
	case "COMPLETED":
		o.Status = batch.StatusSucceeded
		if code != 0 {
			o.Status = batch.StatusFailed
		}
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "DEADLINE":
		o.Status = batch.StatusFailed
	case "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "REVOKED":
		o.Status = batch.StatusLost
	case "CANCELLED":
		o.Status = batch.StatusKilled
	default:
		return o, false
	}
	if o.Status != batch.StatusSucceeded {
		o.Message = fmt.Sprintf("slurm state %s exit %d:%d", state[0], code, signal)
	}
	return o, true
}

func parseExitCode(s string) (int, int) {
	parts := strings.SplitN(s, ":", 2)
	code, _ := strconv.Atoi(parts[0])
	signal := 0
	if len(parts) == 2 {
		signal, _ = strconv.Atoi(parts[1])
	}
	return code, signal
}

// parseElapsed parses the [days-][hours:]minutes:seconds form of squeue.
func parseElapsed(s string) time.Duration {
	parts := strings.Split(strings.ReplaceAll(s, "-", ":"), ":")
	multipliers := []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}
	var total time.Duration
	for i := 0; i < len(parts) && i < len(multipliers); i++ {
		n, err := strconv.Atoi(parts[len(parts)-1-i])
		if err != nil {
			return 0
		}
		total += time.Duration(n) * multipliers[i]
	}
	return total
}

// squeue lists the jobs of this run as handle, state, elapsed, node.
func (s *System) squeue(ctx context.Context) ([][4]string, error) {
	out, err := s.runner.Run(ctx, "squeue", "-h", "--format", "%i|%j|%t|%M|%N")
	if err != nil {
		return nil, err
	}
	var rows [][4]string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 5 || !s.ownsJobName(fields[1]) {
			continue
		}
		rows = append(rows, [4]string{fields[0], fields[2], fields[3], fields[4]})
	}
	return rows, nil
}

// Running implements batch.BatchSystem. It reports every job of this run,
// including jobs submitted by an earlier leader of the same run.
func (s *System) Running(ctx context.Context) (map[batch.Handle]time.Duration, error) {
	rows, err := s.squeue(ctx)
	if err != nil {
		return nil, err
	}
	res := make(map[batch.Handle]time.Duration, len(rows))
	for _, row := range rows {
		var elapsed time.Duration
		if row[1] == "R" {
			elapsed = parseElapsed(row[2])
		}
		res[batch.Handle(row[0])] = elapsed
	}
	return res, nil
}

// NodeLoad implements batch.ScalableBatchSystem.
func (s *System) NodeLoad(ctx context.Context) (map[string]int, error) {
	rows, err := s.squeue(ctx)
	if err != nil {
		return nil, err
	}
	load := make(map[string]int)
	for _, row := range rows {
		if row[1] == "R" && row[3] != "" {
			load[row[3]]++
		}
	}
	return load, nil
}

// Kill implements batch.BatchSystem. Killed jobs are reported by Poll once
// slurm accounts them as cancelled.
func (s *System) Kill(ctx context.Context, handles []batch.Handle) error {
	if len(handles) == 0 {
		return nil
	}
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = string(h)
	}
	_, err := s.runner.Run(ctx, "scancel", ids...)
	return err
}

// MaxInFlight implements batch.BatchSystem.
func (s *System) MaxInFlight() int {
	return s.cfg.MaxInFlight
}

// Close implements batch.BatchSystem. Submitted jobs keep running.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
