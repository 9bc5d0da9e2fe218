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
	"bytes"
	"context"
	"io"

	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"go.uber.org/zap"
)

// Rv returns a promise of the value the job of h returns. The value is
// written when that job commits, so the promise must be resolved by a job
// that runs after it. Every call returns a new promise, and each promise
// is resolved once.
func (h *JobHandle) Rv() model.Promise {
	id := model.NewBlobID()
	h.jc.mu.Lock()
	defer h.jc.mu.Unlock()
	h.job.Promises = append(h.job.Promises, id)
	if h != h.jc.self {
		h.dirty = true
	}
	return model.Promise{JobID: h.job.ID, Blob: id}
}

// SetReturnValue sets the value promises of the running job resolve to.
// Without a call they resolve to an empty value.
func (jc *JobContext) SetReturnValue(v []byte) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.returnValue = append([]byte(nil), v...)
}

// Resolve reads the value of promise p. The value is deleted once the
// running job commits.
func (jc *JobContext) Resolve(ctx context.Context, p model.Promise) ([]byte, error) {
	rc, err := jc.store.ReadBlob(ctx, p.Blob)
	if errors.Is(err, errors.ErrBlobNotFound) {
		return nil, errors.ErrPromiseNotFulfilled.GenWithStackByArgs(p.JobID)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	value, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	jc.fs.DeleteGlobalFile(p.Blob)
	return value, nil
}

// fulfilPromises writes the return value to every promise of the running
// job. It runs before the commit point, a retry overwrites the blobs.
func fulfilPromises(ctx context.Context, store jobstore.JobStore, jc *JobContext) error {
	jc.mu.Lock()
	promises := append([]model.BlobID(nil), jc.self.job.Promises...)
	value := jc.returnValue
	jc.mu.Unlock()
	for _, id := range promises {
		if err := store.PutBlob(ctx, id, bytes.NewReader(value)); err != nil {
			return err
		}
	}
	if len(promises) > 0 {
		jc.logger.Debug("promises fulfilled", zap.Int("count", len(promises)), zap.Int("value-size", len(value)))
	}
	return nil
}
