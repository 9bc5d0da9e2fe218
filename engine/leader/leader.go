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
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pingcap/jobflow/engine/autoscaler"
	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/pkg/clock"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/pingcap/jobflow/pkg/version"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RunIDEnv is set in the environment of every issued worker.
const RunIDEnv = "JOBFLOW_RUN_ID"

const (
	waitWarnInterval    = time.Minute
	issueBackoffInitial = 100 * time.Millisecond
	issueBackoffMax     = 30 * time.Second
)

type issuedJob struct {
	job      *model.Job
	handle   batch.Handle
	issuedAt clock.MonotonicTime
	// missingSince is set while Running does not report the handle.
	missingSince clock.MonotonicTime
	missing      bool
}

// Option customizes a Leader.
type Option func(*Leader)

// WithBatchSystem makes the leader use bs instead of creating the one named
// in the config. The leader closes it when Run returns.
func WithBatchSystem(bs batch.BatchSystem) Option {
	return func(l *Leader) {
		l.bs = bs
	}
}

// WithClock replaces the clock driving intervals.
func WithClock(clk clock.Clock) Option {
	return func(l *Leader) {
		l.clock = clk
	}
}

// WithProvisioner sets the provisioner the autoscaler drives. Without one an
// in-memory StaticProvisioner is used.
func WithProvisioner(p autoscaler.Provisioner) Option {
	return func(l *Leader) {
		l.prov = p
	}
}

// Leader schedules the job graph of one run. It is the only process that
// releases successors, so its state needs no locking except for what the
// autoscaler reads through Demand.
type Leader struct {
	cfg      *Config
	store    jobstore.JobStore
	bs       batch.BatchSystem
	clock    clock.Clock
	prov     autoscaler.Provisioner
	scaler   *autoscaler.Autoscaler
	logger   *zap.Logger
	manifest *model.Manifest

	ready  *readyQueue
	issued map[batch.Handle]*issuedJob
	byJob  map[model.JobID]batch.Handle
	// pending counts the successors of the current phase of a completed job
	// that have not been discharged yet.
	pending map[model.JobID]int
	// waiting maps a released successor to the predecessors waiting for it.
	waiting  map[model.JobID][]model.JobID
	failed   map[model.JobID]struct{}
	rootDone bool
	abortErr error

	lastRescue   clock.MonotonicTime
	lastProgress clock.MonotonicTime
	waitWarn     rate.Sometimes

	// issueBackoff spaces out issue attempts after the batch system
	// rejected one for a transient reason.
	issueBackoff *backoff.ExponentialBackOff
	issueRetryAt clock.MonotonicTime
	issueFailing bool

	demandMu    sync.Mutex
	demand      []model.Requirements
	outstanding map[bool]model.Requirements

	stats StatsTotals
}

// New creates a leader over store. cfg must have been adjusted.
func New(cfg *Config, store jobstore.JobStore, opts ...Option) *Leader {
	l := &Leader{
		cfg:         cfg,
		store:       store,
		logger:      logutil.NewLogger4Leader(""),
		ready:       newReadyQueue(),
		issued:      make(map[batch.Handle]*issuedJob),
		byJob:       make(map[model.JobID]batch.Handle),
		pending:     make(map[model.JobID]int),
		waiting:     make(map[model.JobID][]model.JobID),
		failed:      make(map[model.JobID]struct{}),
		waitWarn:    rate.Sometimes{Interval: waitWarnInterval},
		outstanding: make(map[bool]model.Requirements),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	l.issueBackoff = backoff.NewExponentialBackOff()
	l.issueBackoff.InitialInterval = issueBackoffInitial
	l.issueBackoff.MaxInterval = issueBackoffMax
	l.issueBackoff.MaxElapsedTime = 0
	l.issueBackoff.Clock = l.clock
	l.issueBackoff.Reset()
	return l
}

// Start initializes the store for a fresh run whose root job is described
// by root.
func (l *Leader) Start(ctx context.Context, root *model.JobSpec) error {
	m := &model.Manifest{
		RunID:               uuid.NewString(),
		CreatedAt:           l.clock.Now(),
		StatsEnabled:        l.cfg.Stats,
		CreatedBy:           version.ReleaseVersion,
		DefaultRetries:      l.cfg.DefaultRetries,
		DefaultRequirements: l.cfg.DefaultRequirements,
	}
	if err := l.store.Initialize(ctx, m); err != nil {
		return err
	}
	spec := root.WithDefaults(m)
	spec.PredecessorCount = 0
	spec.CreatorID = ""
	job, err := l.store.CreateJob(ctx, spec)
	if err != nil {
		return err
	}
	m.RootJobID = job.ID
	if err := l.store.UpdateManifest(ctx, m); err != nil {
		return err
	}
	l.setManifest(m)
	if err := l.openBatchSystem(ctx); err != nil {
		return err
	}
	l.ready.push(job)
	l.logger.Info("run created",
		zap.String("job-store", l.store.Locator()), zap.String("root-job-id", string(job.ID)))
	return nil
}

// Restart resumes the run persisted in the store.
func (l *Leader) Restart(ctx context.Context) error {
	m, err := l.store.Resume(ctx)
	if err != nil {
		return err
	}
	if m.RootJobID == "" {
		return errors.ErrRootJobMissing.GenWithStackByArgs(l.store.Locator())
	}
	if err := version.CheckResumable(m.CreatedBy); err != nil {
		return err
	}
	l.setManifest(m)
	if err := l.openBatchSystem(ctx); err != nil {
		return err
	}
	return l.recover(ctx)
}

func (l *Leader) setManifest(m *model.Manifest) {
	l.manifest = m
	l.logger = logutil.NewLogger4Leader(m.RunID)
}

func (l *Leader) openBatchSystem(ctx context.Context) error {
	if l.bs == nil {
		bs, err := batch.New(ctx, l.cfg.BatchSystem, &batch.Params{
			RunID:  l.manifest.RunID,
			Config: l.cfg.batchConfig(),
		})
		if err != nil {
			return err
		}
		l.bs = bs
	}
	if !l.cfg.Autoscaler.Enabled {
		return nil
	}
	var load autoscaler.LoadSource
	if sbs, ok := l.bs.(batch.ScalableBatchSystem); ok {
		load = sbs
	} else {
		l.logger.Warn("batch system does not report node load, idle nodes are never scaled down",
			zap.String("batch-system", l.cfg.BatchSystem))
	}
	if l.prov == nil {
		l.prov = autoscaler.NewStaticProvisioner()
	}
	l.scaler = autoscaler.New(l.cfg.Autoscaler, l.prov, l, load, l.clock)
	return nil
}

// RunID returns the ID of the run, empty before Start or Restart.
func (l *Leader) RunID() string {
	if l.manifest == nil {
		return ""
	}
	return l.manifest.RunID
}

// Autoscaler returns the autoscaler of the run, nil when disabled.
func (l *Leader) Autoscaler() *autoscaler.Autoscaler {
	return l.scaler
}

// Run schedules jobs until the root job is discharged, the run cannot make
// progress, or ctx is canceled. It then closes the batch system and applies
// the clean policy.
func (l *Leader) Run(ctx context.Context) (err error) {
	if l.manifest == nil || l.bs == nil {
		return errors.ErrInvalidArgument.GenWithStackByArgs("leader is neither started nor restarted")
	}
	start := l.clock.Now()
	l.lastRescue = l.clock.Mono()
	l.lastProgress = l.lastRescue

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return l.loop(gctx)
	})
	g.Go(func() error {
		return l.aggregateStats(gctx)
	})
	if l.scaler != nil {
		g.Go(func() error {
			if err := l.scaler.Run(gctx); err != nil {
				return errors.WrapError(errors.ErrUnsatisfiableRequirement, err,
					l.manifest.RootJobID, "a node no configured type provides")
			}
			return nil
		})
	}
	err = g.Wait()

	cleanupCtx := context.WithoutCancel(ctx)
	l.killAll(cleanupCtx)
	l.drainStats(cleanupCtx)
	l.persistProgress(cleanupCtx)
	if cerr := l.bs.Close(); cerr != nil {
		l.logger.Warn("close batch system failed", zap.Error(cerr))
	}
	l.logger.Info("run finished",
		zap.Duration("elapsed", l.clock.Since(start)),
		zap.Int("attempts", l.stats.Attempts),
		zap.Int("succeeded-attempts", l.stats.Succeeded),
		zap.Int("failed-jobs", len(l.failed)),
		zap.Duration("cpu-time", l.stats.CPUTime),
		logutil.ShortError(err))

	if l.cfg.Clean.shouldClean(err) {
		if derr := l.store.Destroy(cleanupCtx); derr != nil {
			l.logger.Warn("destroy job store failed", zap.Error(derr))
			err = multierr.Append(err, derr)
		} else {
			l.logger.Info("job store destroyed", zap.String("clean", string(l.cfg.Clean)))
		}
	}
	return err
}

func (l *Leader) loop(ctx context.Context) error {
	for {
		if l.rootDone {
			l.sweep(ctx, nil)
			return nil
		}
		if l.abortErr != nil {
			return l.abortErr
		}
		if err := l.issueReady(ctx); err != nil {
			return err
		}
		l.updateDemand()
		if len(l.issued) == 0 && l.ready.len() == 0 {
			if len(l.failed) > 0 {
				return errors.ErrFailedJobs.GenWithStackByArgs(l.store.Locator(), len(l.failed))
			}
			return errors.ErrRunAborted.GenWithStackByArgs("no job is ready or running but the root job has not finished")
		}

		outcomes, err := l.bs.Poll(ctx, l.cfg.PollInterval)
		if err != nil {
			return errors.Trace(err)
		}
		if len(outcomes) == 0 {
			l.waitWarn.Do(func() {
				l.logger.Info("waiting for jobs",
					zap.Int("in-flight", len(l.issued)), zap.Int("ready", l.ready.len()))
			})
		}
		for _, o := range outcomes {
			if err := l.handleOutcome(ctx, o); err != nil {
				return err
			}
		}

		now := l.clock.Mono()
		if now.Sub(l.lastRescue) >= l.cfg.RescueInterval {
			l.lastRescue = now
			if err := l.rescue(ctx); err != nil {
				return err
			}
		}
		if now.Sub(l.lastProgress) >= l.cfg.ProgressInterval {
			l.lastProgress = now
			l.persistProgress(ctx)
		}
	}
}

func (l *Leader) issueReady(ctx context.Context) error {
	if l.issueFailing && l.clock.Mono() < l.issueRetryAt {
		return nil
	}
	limit := l.bs.MaxInFlight()
	for len(l.issued) < limit {
		job, ok := l.ready.pop()
		if !ok {
			break
		}
		h, err := l.bs.Issue(ctx, &batch.Spec{
			JobID:        job.ID,
			Name:         job.Name,
			Command:      l.workerCommand(job.ID),
			Requirements: job.Requirements,
			Env:          map[string]string{RunIDEnv: l.manifest.RunID},
		})
		if err != nil {
			if errors.Is(err, errors.ErrInsufficientResources) {
				return errors.WrapError(errors.ErrUnsatisfiableRequirement, err,
					job.ID, job.Requirements.String())
			}
			l.ready.push(job)
			if errors.Is(err, errors.ErrBatchSystemClosed) || ctx.Err() != nil {
				return errors.Trace(err)
			}
			wait := l.issueBackoff.NextBackOff()
			l.issueFailing = true
			l.issueRetryAt = l.clock.Mono().Add(wait)
			l.logger.Warn("issue job failed, will retry",
				zap.String("job-id", string(job.ID)), zap.Duration("retry-after", wait), zap.Error(err))
			break
		}
		if l.issueFailing {
			l.issueFailing = false
			l.issueBackoff.Reset()
		}
		l.issued[h] = &issuedJob{job: job, handle: h, issuedAt: l.clock.Mono()}
		l.byJob[job.ID] = h
		jobCounter.WithLabelValues("issued").Inc()
		l.logger.Debug("job issued",
			zap.String("job-id", string(job.ID)), zap.String("job-name", job.Name),
			zap.String("batch-handle", string(h)), zap.Stringer("requirements", job.Requirements))
	}
	readyGauge.Set(float64(l.ready.len()))
	inFlightGauge.Set(float64(len(l.issued)))
	return nil
}

// workerCommand is the command line that runs job id in a worker process.
func (l *Leader) workerCommand(id model.JobID) []string {
	base := l.cfg.WorkerCommand
	if len(base) == 0 {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		base = []string{exe, "worker"}
	}
	cmd := append([]string(nil), base...)
	cmd = append(cmd, "--job-store", l.store.Locator(), "--job-id", string(id))
	if l.cfg.WorkDir != "" {
		cmd = append(cmd, "--work-dir", l.cfg.WorkDir)
	}
	return cmd
}

func (l *Leader) handleOutcome(ctx context.Context, o batch.Outcome) error {
	ij, ok := l.issued[o.Handle]
	if !ok {
		l.logger.Debug("ignore outcome of unknown handle",
			zap.String("batch-handle", string(o.Handle)), zap.Stringer("status", o.Status))
		return nil
	}
	delete(l.issued, o.Handle)
	delete(l.byJob, ij.job.ID)
	jobCounter.WithLabelValues(o.Status.String()).Inc()

	job, err := l.store.Load(ctx, ij.job.ID)
	if errors.Is(err, errors.ErrJobNotFound) {
		l.logger.Warn("issued job vanished from the job store",
			zap.String("job-id", string(ij.job.ID)))
		return nil
	}
	if err != nil {
		return err
	}
	// The record, not the exit status, tells whether the attempt committed.
	if job.Completed {
		if o.Status != batch.StatusSucceeded {
			l.logger.Info("job committed before its worker ended abnormally",
				zap.String("job-id", string(job.ID)), zap.Stringer("status", o.Status))
		}
		return l.startPhase(ctx, job)
	}
	return l.processFailed(ctx, job, o)
}

// rescue reconciles issued jobs with what the batch system still runs.
func (l *Leader) rescue(ctx context.Context) error {
	running, err := l.bs.Running(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		l.logger.Warn("query running jobs failed", zap.Error(err))
		return nil
	}
	now := l.clock.Mono()
	var (
		kill    []batch.Handle
		reasons = make(map[batch.Handle]string)
	)
	for h, ij := range l.issued {
		d, ok := running[h]
		if ok {
			ij.missing = false
			if l.cfg.MaxJobDuration > 0 && d > l.cfg.MaxJobDuration {
				kill = append(kill, h)
				reasons[h] = "exceeded max job duration " + l.cfg.MaxJobDuration.String()
			}
			continue
		}
		if !ij.missing {
			ij.missing = true
			ij.missingSince = now
		}
		if now.Sub(ij.missingSince) >= l.cfg.LostGrace {
			kill = append(kill, h)
			reasons[h] = "not reported by the batch system"
		}
	}
	if len(kill) == 0 {
		return nil
	}
	if err := l.bs.Kill(ctx, kill); err != nil {
		l.logger.Warn("kill rescued jobs failed", zap.Error(err))
	}
	for _, h := range kill {
		l.logger.Warn("job treated as lost",
			zap.String("job-id", string(l.issued[h].job.ID)),
			zap.String("batch-handle", string(h)), zap.String("reason", reasons[h]))
		if err := l.handleOutcome(ctx, batch.Outcome{
			Handle:  h,
			Status:  batch.StatusLost,
			Message: reasons[h],
		}); err != nil {
			return err
		}
	}
	return nil
}

// killAll kills every in-flight job and forgets it.
func (l *Leader) killAll(ctx context.Context) {
	if len(l.issued) == 0 {
		return
	}
	handles := make([]batch.Handle, 0, len(l.issued))
	for h, ij := range l.issued {
		handles = append(handles, h)
		delete(l.byJob, ij.job.ID)
	}
	l.issued = make(map[batch.Handle]*issuedJob)
	if err := l.bs.Kill(ctx, handles); err != nil {
		l.logger.Warn("kill in-flight jobs failed", zap.Error(err))
	}
	inFlightGauge.Set(0)
}

// updateDemand snapshots the requirements of ready and in-flight jobs.
func (l *Leader) updateDemand() {
	shapes := make([]model.Requirements, 0, l.ready.len()+len(l.issued))
	outstanding := make(map[bool]model.Requirements, 2)
	add := func(r model.Requirements) {
		shapes = append(shapes, r)
		outstanding[r.Preemptable] = outstanding[r.Preemptable].Add(r)
	}
	l.ready.each(func(job *model.Job) {
		add(job.Requirements)
	})
	for _, ij := range l.issued {
		add(ij.job.Requirements)
	}
	l.demandMu.Lock()
	l.demand = shapes
	l.outstanding = outstanding
	l.demandMu.Unlock()
	setOutstandingGauge(outstanding)
}

// Demand implements autoscaler.DemandSource.
func (l *Leader) Demand() []model.Requirements {
	l.demandMu.Lock()
	defer l.demandMu.Unlock()
	return append([]model.Requirements(nil), l.demand...)
}

func setOutstandingGauge(outstanding map[bool]model.Requirements) {
	for _, preemptable := range []bool{false, true} {
		r := outstanding[preemptable]
		label := strconv.FormatBool(preemptable)
		outstandingGauge.WithLabelValues("cores", label).Set(float64(r.Cores) / 1000)
		outstandingGauge.WithLabelValues("memory", label).Set(float64(r.Memory))
		outstandingGauge.WithLabelValues("disk", label).Set(float64(r.Disk))
	}
}
