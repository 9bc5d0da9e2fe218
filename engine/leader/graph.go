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
	"io"

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"go.uber.org/zap"
)

const maxFailureLogBytes = 4 << 10

// startPhase releases the successors of the current phase of a completed
// job, or discharges it when it has none left.
func (l *Leader) startPhase(ctx context.Context, job *model.Job) error {
	succ := job.Successors()
	if len(succ) == 0 {
		return l.discharge(ctx, job)
	}
	l.pending[job.ID] = len(succ)
	for _, id := range succ {
		if err := l.release(ctx, job.ID, id); err != nil {
			return err
		}
	}
	return nil
}

// release tells successor id that pred no longer holds it back.
func (l *Leader) release(ctx context.Context, pred, id model.JobID) error {
	succ, err := l.store.Load(ctx, id)
	if errors.Is(err, errors.ErrJobNotFound) {
		// Absent successors were discharged before a restart.
		return l.successorDone(ctx, pred)
	}
	if err != nil {
		return err
	}
	l.addWaiting(id, pred)
	if succ.Predecessors() > 1 {
		if succ.MarkPredecessorFinished(pred) {
			succ.UpdatedAt = l.clock.Now()
			if err := l.store.Update(ctx, succ); err != nil {
				return err
			}
		}
		if !succ.AllPredecessorsFinished() {
			return nil
		}
	}
	return l.schedule(ctx, succ)
}

// schedule handles a job all of whose predecessors released it.
func (l *Leader) schedule(ctx context.Context, job *model.Job) error {
	switch {
	case job.Completed:
		if _, ok := l.pending[job.ID]; ok {
			return nil
		}
		return l.startPhase(ctx, job)
	case job.Failed:
		l.failed[job.ID] = struct{}{}
		return nil
	}
	if _, ok := l.byJob[job.ID]; ok {
		return nil
	}
	l.ready.push(job)
	return nil
}

func (l *Leader) addWaiting(succ, pred model.JobID) {
	for _, id := range l.waiting[succ] {
		if id == pred {
			return
		}
	}
	l.waiting[succ] = append(l.waiting[succ], pred)
}

// successorDone records that one successor of pred was discharged and
// moves pred to its next phase once all of them are.
func (l *Leader) successorDone(ctx context.Context, pred model.JobID) error {
	n, ok := l.pending[pred]
	if !ok {
		return nil
	}
	if n > 1 {
		l.pending[pred] = n - 1
		return nil
	}
	delete(l.pending, pred)

	job, err := l.store.Load(ctx, pred)
	if errors.Is(err, errors.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(job.Children) > 0 {
		job.Children = nil
		job.UpdatedAt = l.clock.Now()
		if err := l.store.Update(ctx, job); err != nil {
			return err
		}
	} else {
		job.FollowOns = nil
	}
	return l.startPhase(ctx, job)
}

// discharge deletes a job whose successors are all done and propagates
// to the predecessors waiting on it.
func (l *Leader) discharge(ctx context.Context, job *model.Job) error {
	blobs := job.BlobsToDelete
	if job.LogBlob != "" {
		blobs = append(blobs, job.LogBlob)
	}
	for _, id := range blobs {
		if err := l.store.DeleteBlob(ctx, id); err != nil && !errors.Is(err, errors.ErrBlobNotFound) {
			l.logger.Warn("delete blob of discharged job failed",
				zap.String("job-id", string(job.ID)), zap.String("blob-id", string(id)), zap.Error(err))
		}
	}
	if err := l.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, errors.ErrJobNotFound) {
		return err
	}
	jobCounter.WithLabelValues("discharged").Inc()
	l.logger.Debug("job discharged", zap.String("job-id", string(job.ID)), zap.String("job-name", job.Name))

	preds := l.waiting[job.ID]
	delete(l.waiting, job.ID)
	delete(l.failed, job.ID)
	if job.ID == l.manifest.RootJobID {
		l.rootDone = true
		return nil
	}
	for _, pred := range preds {
		if err := l.successorDone(ctx, pred); err != nil {
			return err
		}
	}
	return nil
}

// processFailed handles an attempt that did not commit.
func (l *Leader) processFailed(ctx context.Context, job *model.Job, o batch.Outcome) error {
	l.logger.Warn("job attempt failed",
		zap.String("job-id", string(job.ID)), zap.String("job-name", job.Name),
		zap.Stringer("status", o.Status), zap.Int("exit-code", o.ExitCode),
		zap.String("message", o.Message), zap.String("log", l.readFailureLog(ctx, job)))

	if job.Checkpoint {
		if err := l.deleteCreatedBy(ctx, job.ID); err != nil {
			return err
		}
	}
	job.UpdatedAt = l.clock.Now()
	if job.RemainingRetries > 0 {
		job.RemainingRetries--
		if err := l.store.Update(ctx, job); err != nil {
			return err
		}
		jobCounter.WithLabelValues("retried").Inc()
		l.ready.push(job)
		return nil
	}

	job.Failed = true
	if err := l.store.Update(ctx, job); err != nil {
		return err
	}
	l.failed[job.ID] = struct{}{}
	l.logger.Error("job failed permanently",
		zap.String("job-id", string(job.ID)), zap.String("job-name", job.Name))

	if l.cfg.StopOnFailure {
		l.abortErr = errors.ErrFailedJobs.GenWithStackByArgs(l.store.Locator(), len(l.failed))
		return nil
	}
	anc, err := l.checkpointAncestor(ctx, job.ID)
	if err != nil || anc == nil {
		return err
	}
	return l.restartCheckpoint(ctx, anc)
}

func (l *Leader) readFailureLog(ctx context.Context, job *model.Job) string {
	if job.LogBlob == "" {
		return ""
	}
	rc, err := l.store.ReadBlob(ctx, job.LogBlob)
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(io.LimitReader(rc, maxFailureLogBytes))
	return string(data)
}

// deleteCreatedBy removes records a crashed attempt of creator left behind.
func (l *Leader) deleteCreatedBy(ctx context.Context, creator model.JobID) error {
	ids, err := l.store.CreatedBy(ctx, creator)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := l.store.Delete(ctx, id); err != nil && !errors.Is(err, errors.ErrJobNotFound) {
			return err
		}
	}
	if len(ids) > 0 {
		l.logger.Info("deleted successors of failed checkpoint attempt",
			zap.String("job-id", string(creator)), zap.Int("count", len(ids)))
	}
	return nil
}

// checkpointAncestor finds the nearest checkpoint job above id that can
// still be retried.
func (l *Leader) checkpointAncestor(ctx context.Context, id model.JobID) (*model.Job, error) {
	seen := map[model.JobID]struct{}{id: {}}
	cur := id
	for {
		preds := l.waiting[cur]
		if len(preds) == 0 {
			return nil, nil
		}
		cur = preds[0]
		if _, ok := seen[cur]; ok {
			return nil, nil
		}
		seen[cur] = struct{}{}
		job, err := l.store.Load(ctx, cur)
		if errors.Is(err, errors.ErrJobNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if job.Checkpoint && job.RemainingRetries > 0 {
			return job, nil
		}
	}
}

// restartCheckpoint throws away everything below anc and runs it again.
func (l *Leader) restartCheckpoint(ctx context.Context, anc *model.Job) error {
	subtree, err := l.subtree(ctx, anc)
	if err != nil {
		return err
	}
	var (
		kill     []batch.Handle
		external []model.JobID
	)
	for _, id := range subtree {
		if h, ok := l.byJob[id]; ok {
			kill = append(kill, h)
			delete(l.issued, h)
			delete(l.byJob, id)
		}
		l.ready.remove(id)
		delete(l.pending, id)
		delete(l.failed, id)
	}
	inSubtree := make(map[model.JobID]struct{}, len(subtree))
	for _, id := range subtree {
		inSubtree[id] = struct{}{}
	}
	for _, id := range subtree {
		for _, pred := range l.waiting[id] {
			if _, ok := inSubtree[pred]; !ok && pred != anc.ID {
				external = append(external, pred)
			}
		}
		delete(l.waiting, id)
	}
	if len(kill) > 0 {
		if err := l.bs.Kill(ctx, kill); err != nil {
			l.logger.Warn("kill subtree of checkpoint failed", zap.Error(err))
		}
	}
	for _, id := range subtree {
		if err := l.store.Delete(ctx, id); err != nil && !errors.Is(err, errors.ErrJobNotFound) {
			return err
		}
	}

	delete(l.pending, anc.ID)
	anc.Children = nil
	anc.FollowOns = nil
	anc.Completed = false
	anc.Failed = false
	anc.RemainingRetries--
	anc.UpdatedAt = l.clock.Now()
	if err := l.store.Update(ctx, anc); err != nil {
		return err
	}
	l.ready.push(anc)
	l.logger.Warn("restarting checkpoint job",
		zap.String("job-id", string(anc.ID)), zap.String("job-name", anc.Name),
		zap.Int("deleted-jobs", len(subtree)), zap.Int("remaining-retries", anc.RemainingRetries))

	for _, pred := range external {
		if err := l.successorDone(ctx, pred); err != nil {
			return err
		}
	}
	return nil
}

// subtree returns the IDs of the records reachable from job, excluding job.
func (l *Leader) subtree(ctx context.Context, job *model.Job) ([]model.JobID, error) {
	seen := map[model.JobID]struct{}{job.ID: {}}
	var (
		res   []model.JobID
		queue = append(append([]model.JobID(nil), job.Children...), job.FollowOns...)
	)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		succ, err := l.store.Load(ctx, id)
		if errors.Is(err, errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, id)
		queue = append(queue, succ.Children...)
		queue = append(queue, succ.FollowOns...)
	}
	return res, nil
}

// sweep deletes every record not in keep.
func (l *Leader) sweep(ctx context.Context, keep map[model.JobID]struct{}) {
	var orphans []model.JobID
	err := l.store.Jobs(ctx, func(job *model.Job) error {
		if _, ok := keep[job.ID]; !ok {
			orphans = append(orphans, job.ID)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("list jobs for sweep failed", zap.Error(err))
		return
	}
	for _, id := range orphans {
		if err := l.store.Delete(ctx, id); err != nil && !errors.Is(err, errors.ErrJobNotFound) {
			l.logger.Warn("delete orphan job failed", zap.String("job-id", string(id)), zap.Error(err))
		}
	}
	if len(orphans) > 0 {
		l.logger.Info("deleted unreachable jobs", zap.Int("count", len(orphans)))
	}
}
