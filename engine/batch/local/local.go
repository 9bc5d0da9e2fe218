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
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/pkg/containers"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Name is the registered name of the local batch system.
const Name = "local"

const defaultMaxInFlight = 1024

func init() {
	batch.Register(Name, func(ctx context.Context, p *batch.Params) (batch.BatchSystem, error) {
		cfg, _ := p.Config.(*Config)
		if cfg == nil {
			cfg = &Config{}
		}
		if err := cfg.Adjust(); err != nil {
			return nil, err
		}
		return New(cfg, ExecLauncher{})
	})
}

// Config configures the local batch system. Empty sizes default to what
// the machine has.
type Config struct {
	Cores       string `toml:"cores" json:"cores"`
	Memory      string `toml:"memory" json:"memory"`
	Disk        string `toml:"disk" json:"disk"`
	WorkDir     string `toml:"work-dir" json:"work-dir"`
	MaxInFlight int    `toml:"max-in-flight" json:"max-in-flight"`

	capacity model.Requirements
}

// Adjust validates the config and resolves the machine capacity.
func (c *Config) Adjust() error {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	capacity, err := model.ParseRequirements(c.Cores, c.Memory, c.Disk, false)
	if err != nil {
		return err
	}
	if capacity.Cores == 0 {
		n, err := cpu.Counts(true)
		if err != nil {
			return errors.Trace(err)
		}
		capacity.Cores = model.MilliCores(n * 1000)
	}
	if capacity.Memory == 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return errors.Trace(err)
		}
		capacity.Memory = vm.Total
	}
	if capacity.Disk == 0 {
		usage, err := disk.Usage(c.WorkDir)
		if err != nil {
			return errors.Trace(err)
		}
		capacity.Disk = usage.Free
	}
	c.capacity = capacity
	return nil
}

// Capacity returns the resources tasks are packed into.
func (c *Config) Capacity() model.Requirements {
	return c.capacity
}

type task struct {
	handle  batch.Handle
	spec    *batch.Spec
	seq     uint64
	started time.Time
	proc    Process
	killed  bool
}

// System runs tasks on this machine, never letting the sum of the
// requirements of running tasks exceed the configured capacity.
type System struct {
	capacity    model.Requirements
	maxInFlight int
	launcher    Launcher
	hostname    string

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64
	wg     sync.WaitGroup

	mu      sync.Mutex
	free    model.Requirements
	queue   []*task
	running map[batch.Handle]*task
	closed  bool

	completions *containers.Deque[batch.Outcome]
}

var _ batch.ScalableBatchSystem = (*System)(nil)

// New creates a local batch system. cfg must have been adjusted.
func New(cfg *Config, launcher Launcher) (*System, error) {
	if cfg.capacity.IsZero() {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("local batch system has no capacity")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &System{
		capacity:    cfg.capacity,
		maxInFlight: cfg.MaxInFlight,
		launcher:    launcher,
		hostname:    hostname,
		ctx:         ctx,
		cancel:      cancel,
		free:        cfg.capacity,
		running:     make(map[batch.Handle]*task),
		completions: containers.NewDeque[batch.Outcome](),
	}
	log.Info("local batch system started",
		zap.Stringer("capacity", cfg.capacity), zap.Int("max-in-flight", cfg.MaxInFlight))
	return s, nil
}

// Issue implements batch.BatchSystem.
func (s *System) Issue(_ context.Context, spec *batch.Spec) (batch.Handle, error) {
	req := spec.Requirements
	if !req.FitsSize(s.capacity) {
		return "", errors.ErrInsufficientResources.GenWithStackByArgs(spec.JobID, req.String(), s.capacity.String())
	}
	seq := s.seq.Inc()
	t := &task{
		handle: batch.Handle(fmt.Sprintf("local-%d", seq)),
		spec:   spec,
		seq:    seq,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.ErrBatchSystemClosed.GenWithStackByArgs()
	}
	s.queue = append(s.queue, t)
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i].spec.Requirements, s.queue[j].spec.Requirements
		return b.Less(a)
	})
	s.scheduleLocked()
	return t.handle, nil
}

// scheduleLocked starts queued tasks, largest first, while they fit.
func (s *System) scheduleLocked() {
	kept := s.queue[:0]
	for _, t := range s.queue {
		if s.closed || !t.spec.Requirements.FitsSize(s.free) {
			kept = append(kept, t)
			continue
		}
		s.startLocked(t)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

func (s *System) startLocked(t *task) {
	t.started = time.Now()
	proc, err := s.launcher.Start(s.ctx, t.spec)
	if err != nil {
		log.Warn("failed to launch task", zap.String("batch-handle", string(t.handle)),
			zap.String("job-id", string(t.spec.JobID)), zap.Error(err))
		s.completions.Push(batch.Outcome{
			Handle:   t.handle,
			Status:   batch.StatusFailed,
			ExitCode: -1,
			Message:  err.Error(),
		})
		return
	}
	t.proc = proc
	s.free = s.free.Sub(t.spec.Requirements)
	s.running[t.handle] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		code, err := proc.Wait()
		s.finish(t, code, err)
	}()
}

func (s *System) finish(t *task, code int, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, t.handle)
	s.free = s.free.Add(t.spec.Requirements)
	outcome := batch.Outcome{
		Handle:   t.handle,
		ExitCode: code,
		WallTime: time.Since(t.started),
	}
	switch {
	case t.killed:
		outcome.Status = batch.StatusKilled
	case waitErr != nil:
		outcome.Status = batch.StatusLost
		outcome.Message = waitErr.Error()
	case code == 0:
		outcome.Status = batch.StatusSucceeded
	default:
		outcome.Status = batch.StatusFailed
		outcome.Message = fmt.Sprintf("exit code %d", code)
	}
	s.completions.Push(outcome)
	s.scheduleLocked()
}

// Poll implements batch.BatchSystem.
func (s *System) Poll(ctx context.Context, maxWait time.Duration) ([]batch.Outcome, error) {
	if outcomes := s.completions.PopAll(); len(outcomes) > 0 {
		return outcomes, nil
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-timer.C:
	case <-s.completions.C:
	}
	return s.completions.PopAll(), nil
}

// Kill implements batch.BatchSystem.
func (s *System) Kill(_ context.Context, handles []batch.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for _, h := range handles {
		if t, ok := s.running[h]; ok {
			t.killed = true
			errs = multierr.Append(errs, t.proc.Kill())
			continue
		}
		for i, t := range s.queue {
			if t.handle == h {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.completions.Push(batch.Outcome{Handle: h, Status: batch.StatusKilled, ExitCode: -1})
				break
			}
		}
	}
	return errs
}

// Running implements batch.BatchSystem.
func (s *System) Running(_ context.Context) (map[batch.Handle]time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[batch.Handle]time.Duration, len(s.running)+len(s.queue))
	for h, t := range s.running {
		res[h] = time.Since(t.started)
	}
	for _, t := range s.queue {
		res[t.handle] = 0
	}
	return res, nil
}

// NodeLoad implements batch.ScalableBatchSystem.
func (s *System) NodeLoad(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{s.hostname: len(s.running)}, nil
}

// MaxInFlight implements batch.BatchSystem.
func (s *System) MaxInFlight() int {
	return s.maxInFlight
}

// Close kills every task and waits for them to exit.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs error
	for _, t := range s.running {
		t.killed = true
		errs = multierr.Append(errs, t.proc.Kill())
	}
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return errs
}
