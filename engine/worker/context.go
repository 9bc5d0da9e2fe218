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
	"sync"

	"github.com/pingcap/jobflow/engine/filestore"
	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"go.uber.org/zap"
)

// JobHandle is a job of the graph a body is building: the running job
// itself or one created during this attempt.
type JobHandle struct {
	jc        *JobContext
	job       *model.Job
	children  []model.JobID
	followOns []model.JobID
	// dirty is set once the record differs from what was created.
	dirty bool
}

// ID returns the job ID.
func (h *JobHandle) ID() model.JobID {
	return h.job.ID
}

// AddChild creates a job that runs after h completes.
func (h *JobHandle) AddChild(ctx context.Context, spec *model.JobSpec) (*JobHandle, error) {
	child, err := h.jc.create(ctx, spec)
	if err != nil {
		return nil, err
	}
	h.jc.mu.Lock()
	h.children = append(h.children, child.ID())
	h.dirty = true
	h.jc.mu.Unlock()
	return child, nil
}

// AddFollowOn creates a job that runs after h and everything below its
// children has finished.
func (h *JobHandle) AddFollowOn(ctx context.Context, spec *model.JobSpec) (*JobHandle, error) {
	followOn, err := h.jc.create(ctx, spec)
	if err != nil {
		return nil, err
	}
	h.jc.mu.Lock()
	h.followOns = append(h.followOns, followOn.ID())
	h.dirty = true
	h.jc.mu.Unlock()
	return followOn, nil
}

// JobContext is what a body sees of the engine during one attempt.
type JobContext struct {
	manifest *model.Manifest
	store    jobstore.JobStore
	fs       *filestore.FileStore
	logger   *zap.Logger

	mu          sync.Mutex
	self        *JobHandle
	created     []*JobHandle
	logs        []model.LogMessage
	returnValue []byte
}

func newJobContext(
	manifest *model.Manifest, store jobstore.JobStore, fs *filestore.FileStore,
	job *model.Job, logger *zap.Logger,
) *JobContext {
	jc := &JobContext{manifest: manifest, store: store, fs: fs, logger: logger}
	jc.self = &JobHandle{jc: jc, job: job}
	return jc
}

// Job returns the record of the running job. It must not be modified.
func (jc *JobContext) Job() *model.Job {
	return jc.self.job
}

// Self returns the handle of the running job.
func (jc *JobContext) Self() *JobHandle {
	return jc.self
}

// FileStore returns the file store of this attempt.
func (jc *JobContext) FileStore() *filestore.FileStore {
	return jc.fs
}

// Logger returns the worker logger.
func (jc *JobContext) Logger() *zap.Logger {
	return jc.logger
}

// Log records a message that is shipped to the leader with the statistics
// of this attempt.
func (jc *JobContext) Log(level, text string) {
	jc.logger.Info("job message", zap.String("level", level), zap.String("text", text))
	jc.mu.Lock()
	jc.logs = append(jc.logs, model.LogMessage{Level: level, Text: text})
	jc.mu.Unlock()
}

// AddChild adds a child to the running job.
func (jc *JobContext) AddChild(ctx context.Context, spec *model.JobSpec) (*JobHandle, error) {
	return jc.self.AddChild(ctx, spec)
}

// AddFollowOn adds a follow-on to the running job.
func (jc *JobContext) AddFollowOn(ctx context.Context, spec *model.JobSpec) (*JobHandle, error) {
	return jc.self.AddFollowOn(ctx, spec)
}

// AddFollowOnTo makes succ, created by this attempt, also wait for pred.
// succ then runs once every predecessor released it.
func (jc *JobContext) AddFollowOnTo(pred, succ *JobHandle) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if succ == jc.self || succ.jc != jc || pred.jc != jc {
		return errors.ErrInvalidArgument.GenWithStackByArgs("successor must be a job created by this attempt")
	}
	if pred == succ || jc.reachableLocked(succ, pred.ID()) {
		return errors.ErrJobGraphCycle.GenWithStackByArgs(pred.ID(), succ.ID())
	}
	for _, id := range pred.followOns {
		if id == succ.ID() {
			return nil
		}
	}
	pred.followOns = append(pred.followOns, succ.ID())
	pred.dirty = true
	succ.job.PredecessorCount = succ.job.Predecessors() + 1
	succ.dirty = true
	return nil
}

// reachableLocked reports whether target can be reached from h through
// the edges added in this attempt.
func (jc *JobContext) reachableLocked(h *JobHandle, target model.JobID) bool {
	byID := make(map[model.JobID]*JobHandle, len(jc.created)+1)
	byID[jc.self.ID()] = jc.self
	for _, c := range jc.created {
		byID[c.ID()] = c
	}
	seen := make(map[model.JobID]bool)
	stack := []*JobHandle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.ID() == target {
			return true
		}
		if seen[cur.ID()] {
			continue
		}
		seen[cur.ID()] = true
		for _, ids := range [][]model.JobID{cur.children, cur.followOns} {
			for _, id := range ids {
				if next, ok := byID[id]; ok {
					stack = append(stack, next)
				}
			}
		}
	}
	return false
}

func (jc *JobContext) create(ctx context.Context, spec *model.JobSpec) (*JobHandle, error) {
	full := spec.WithDefaults(jc.manifest)
	full.CreatorID = jc.self.ID()
	full.CreatorAttempt = jc.self.job.Attempt
	full.Children, full.FollowOns = nil, nil
	full.PredecessorCount = 0
	job, err := jc.store.CreateJob(ctx, full)
	if err != nil {
		return nil, err
	}
	h := &JobHandle{jc: jc, job: job}
	jc.mu.Lock()
	jc.created = append(jc.created, h)
	jc.mu.Unlock()
	jc.logger.Debug("created job", zap.String("new-job-id", string(job.ID)), zap.String("name", job.Name))
	return h, nil
}

// createdJobs returns the handles created by this attempt.
func (jc *JobContext) createdJobs() []*JobHandle {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return append([]*JobHandle(nil), jc.created...)
}

func (jc *JobContext) messages() []model.LogMessage {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return append([]model.LogMessage(nil), jc.logs...)
}
