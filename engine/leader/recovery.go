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

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"go.uber.org/zap"
)

// recover rebuilds the scheduling state from the job records reachable
// from the root. Completed jobs are never issued again; jobs that did not
// commit are issued again with a fresh retry budget.
func (l *Leader) recover(ctx context.Context) error {
	l.killForeign(ctx)

	root, err := l.store.Load(ctx, l.manifest.RootJobID)
	if errors.Is(err, errors.ErrJobNotFound) {
		l.logger.Info("root job already discharged")
		l.rootDone = true
		return nil
	}
	if err != nil {
		return err
	}

	records := map[model.JobID]*model.Job{root.ID: root}
	missing := make(map[model.JobID]struct{})
	order := []model.JobID{root.ID}
	for i := 0; i < len(order); i++ {
		job := records[order[i]]
		for _, lst := range [][]model.JobID{job.Children, job.FollowOns} {
			for _, id := range lst {
				if _, ok := records[id]; ok {
					continue
				}
				if _, ok := missing[id]; ok {
					continue
				}
				succ, err := l.store.Load(ctx, id)
				if errors.Is(err, errors.ErrJobNotFound) {
					missing[id] = struct{}{}
					continue
				}
				if err != nil {
					return err
				}
				records[id] = succ
				order = append(order, id)
			}
		}
	}
	keep := make(map[model.JobID]struct{}, len(records))
	for id := range records {
		keep[id] = struct{}{}
	}
	l.sweep(ctx, keep)

	absent := make(map[model.JobID]int)
	for _, id := range order {
		job := records[id]
		if !job.Completed {
			continue
		}
		succ := job.Successors()
		l.pending[id] = len(succ)
		for _, s := range succ {
			if _, ok := missing[s]; ok {
				absent[id]++
				continue
			}
			l.addWaiting(s, id)
		}
	}

	for _, id := range order {
		job := records[id]
		if job.Completed {
			continue
		}
		changed := false
		if job.Failed {
			job.Failed = false
			changed = true
		}
		if job.RemainingRetries < l.manifest.DefaultRetries {
			job.RemainingRetries = l.manifest.DefaultRetries
			changed = true
		}
		released := id == root.ID
		if preds := l.waiting[id]; len(preds) > 0 {
			released = true
			if job.Predecessors() > 1 {
				for _, pred := range preds {
					if job.MarkPredecessorFinished(pred) {
						changed = true
					}
				}
				released = job.AllPredecessorsFinished()
			}
		}
		if changed {
			job.UpdatedAt = l.clock.Now()
			if err := l.store.Update(ctx, job); err != nil {
				return err
			}
		}
		if released {
			l.ready.push(job)
		}
	}

	// Deepest jobs first, so that discharges cascade upwards.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		n, ok := l.pending[id]
		if !ok {
			continue
		}
		if n == 0 {
			delete(l.pending, id)
			if err := l.startPhase(ctx, records[id]); err != nil {
				return err
			}
			continue
		}
		for k := 0; k < absent[id]; k++ {
			if err := l.successorDone(ctx, id); err != nil {
				return err
			}
		}
	}

	l.logger.Info("run recovered",
		zap.Int("jobs", len(records)), zap.Int("ready", l.ready.len()),
		zap.Int("waiting-on-successors", len(l.pending)), zap.Bool("root-done", l.rootDone))
	return nil
}

// killForeign kills the tasks the batch system still runs for this run.
// A fresh leader has issued nothing, so every one of them belongs to a
// previous leader.
func (l *Leader) killForeign(ctx context.Context) {
	running, err := l.bs.Running(ctx)
	if err != nil {
		l.logger.Warn("query running jobs failed", zap.Error(err))
		return
	}
	if len(running) == 0 {
		return
	}
	handles := make([]batch.Handle, 0, len(running))
	for h := range running {
		handles = append(handles, h)
	}
	l.logger.Info("killing jobs of previous leader", zap.Int("count", len(handles)))
	if err := l.bs.Kill(ctx, handles); err != nil {
		l.logger.Warn("kill jobs of previous leader failed", zap.Error(err))
	}
}
