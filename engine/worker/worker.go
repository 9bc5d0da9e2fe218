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

package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pingcap/jobflow/engine/filestore"
	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Config configures a worker.
type Config struct {
	FileStore filestore.Config
	Registry  *Registry
	// Cache is shared by the file stores of in-process workers. Nil opens
	// one from FileStore.
	Cache *filestore.Cache
}

type usage struct {
	start time.Time
	proc  *process.Process
	cpu   time.Duration
}

func startUsage() *usage {
	u := &usage{start: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return u
	}
	u.proc = proc
	if times, err := proc.Times(); err == nil {
		u.cpu = cpuDuration(times.User + times.System)
	}
	return u
}

func cpuDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// fill records wall time, CPU time and resident memory of the attempt.
// In-process workers measure the whole process.
func (u *usage) fill(rec *model.StatsRecord) {
	rec.WallTime = time.Since(u.start)
	if u.proc == nil {
		return
	}
	if times, err := u.proc.Times(); err == nil {
		rec.CPUTime = cpuDuration(times.User+times.System) - u.cpu
	}
	if mem, err := u.proc.MemoryInfo(); err == nil {
		rec.MaxRSS = mem.RSS
	}
}

// Run executes one attempt of job id. It returns nil when the attempt
// committed, or when the job had already been committed by an earlier
// delivery, and an error otherwise.
func Run(ctx context.Context, cfg *Config, store jobstore.JobStore, id model.JobID) error {
	manifest, err := store.Resume(ctx)
	if err != nil {
		return err
	}
	logger := logutil.NewLogger4Worker(manifest.RunID, string(id))

	job, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	if job.Completed {
		logger.Info("job already completed, nothing to do")
		return nil
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	u := startUsage()
	logger.Info("job attempt started", zap.String("name", job.Name), zap.Int("attempt", job.Attempt))
	fs, err := filestore.New(ctx, &cfg.FileStore, store, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fs.Close(); cerr != nil {
			logger.Warn("failed to close file store", zap.Error(cerr))
		}
	}()

	jc := newJobContext(manifest, store, fs, job, logger)
	bodyErr := runBody(ctx, registry, jc)
	if bodyErr == nil {
		bodyErr = fs.Flush(ctx)
	}
	if bodyErr == nil {
		if err := commit(ctx, store, jc); err != nil {
			// Nothing of this attempt is visible yet, the leader retries it.
			logger.Warn("failed to commit job", zap.Error(err))
			bodyErr = err
		}
	}
	if bodyErr != nil {
		return fail(ctx, store, jc, manifest, u, bodyErr)
	}

	if err := fs.DeletePendingBlobs(ctx); err != nil {
		// The leader deletes them again when the job is discharged.
		logger.Warn("failed to delete blobs", zap.Error(err))
	}
	appendStats(ctx, store, jc, manifest, u, true)
	logger.Info("job attempt succeeded", zap.Int("created-jobs", len(jc.createdJobs())))
	return nil
}

func runBody(ctx context.Context, registry *Registry, jc *JobContext) (err error) {
	body, err := registry.Lookup(jc.Job().Payload.Kind)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job body panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return body(ctx, jc)
}

// commit fulfils the promises of the running job, persists the edges
// between the jobs created by this attempt and then marks the running job
// completed with the new successors. The last write is the commit point.
func commit(ctx context.Context, store jobstore.JobStore, jc *JobContext) error {
	if err := fulfilPromises(ctx, store, jc); err != nil {
		return err
	}
	for _, h := range jc.createdJobs() {
		if !h.dirty {
			continue
		}
		rec := h.job.Clone()
		rec.Children = append(rec.Children, h.children...)
		rec.FollowOns = append(rec.FollowOns, h.followOns...)
		if err := store.Update(ctx, rec); err != nil {
			return err
		}
	}

	self := jc.self
	rec := self.job.Clone()
	rec.Children = append(rec.Children, self.children...)
	rec.FollowOns = append(rec.FollowOns, self.followOns...)
	rec.Completed = true
	rec.Attempt++
	rec.BlobsToDelete = append(rec.BlobsToDelete, jc.fs.PendingDeletes()...)
	rec.LogBlob = ""
	rec.UpdatedAt = time.Now()
	return store.Update(ctx, rec)
}

func fail(
	ctx context.Context, store jobstore.JobStore, jc *JobContext,
	manifest *model.Manifest, u *usage, cause error,
) error {
	logger := jc.Logger()
	logger.Warn("job attempt failed", zap.Error(cause))

	created := jc.createdJobs()
	for i := len(created) - 1; i >= 0; i-- {
		if err := store.Delete(ctx, created[i].ID()); err != nil {
			// Unreachable from the root, swept when the leader recovers.
			logger.Warn("failed to delete created job", zap.String("new-job-id", string(created[i].ID())), zap.Error(err))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "job %s (%s) attempt %d failed: %v\n", jc.Job().ID, jc.Job().Name, jc.Job().Attempt, cause)
	for _, m := range jc.messages() {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Level, m.Text)
	}
	if blob, err := store.WriteBlob(ctx, strings.NewReader(sb.String())); err != nil {
		logger.Warn("failed to write failure log", zap.Error(err))
	} else if job, err := store.Load(ctx, jc.Job().ID); err == nil && !job.Completed {
		old := job.LogBlob
		job.LogBlob = blob
		job.UpdatedAt = time.Now()
		if err := store.Update(ctx, job); err != nil {
			logger.Warn("failed to record failure log", zap.Error(err))
		} else if old != "" {
			if err := store.DeleteBlob(ctx, old); err != nil {
				logger.Warn("failed to delete previous failure log",
					zap.String("blob-id", string(old)), zap.Error(err))
			}
		}
	}

	appendStats(ctx, store, jc, manifest, u, false)
	return errors.WrapError(errors.ErrJobBodyFailed, cause, jc.Job().ID)
}

func appendStats(
	ctx context.Context, store jobstore.JobStore, jc *JobContext,
	manifest *model.Manifest, u *usage, succeeded bool,
) {
	msgs := jc.messages()
	if !manifest.StatsEnabled && len(msgs) == 0 {
		return
	}
	job := jc.Job()
	rec := &model.StatsRecord{
		JobID:      job.ID,
		JobName:    job.Name,
		Attempt:    job.Attempt,
		Succeeded:  succeeded,
		RetryCount: job.RemainingRetries,
		Logs:       msgs,
		Time:       time.Now(),
	}
	u.fill(rec)
	if err := store.AppendStats(ctx, rec); err != nil {
		jc.Logger().Warn("failed to append statistics", zap.Error(err))
	}
}
