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

package jobstore

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/retry"
)

const (
	defaultRetryMaxTries  = 8
	defaultRetryBaseDelay = 50
	defaultRetryMaxDelay  = 5000
)

// retryingStore retries operations of the wrapped store that fail with a
// transient io error. Semantic failures such as not found or corrupted are
// returned at once.
type retryingStore struct {
	inner JobStore
	opts  []retry.Option
}

// NewRetryingStore wraps inner with retries. opts override the default
// backoff.
func NewRetryingStore(inner JobStore, opts ...retry.Option) JobStore {
	all := []retry.Option{
		retry.WithMaxTries(defaultRetryMaxTries),
		retry.WithBackoffBaseDelay(defaultRetryBaseDelay),
		retry.WithBackoffMaxDelay(defaultRetryMaxDelay),
		retry.WithIsRetryableErr(errors.IsRetryable),
		retry.WithOnRetry(func(err error, try int, backoff time.Duration) {
			log.Warn("job store operation failed, retrying",
				zap.Int("try", try),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}),
	}
	all = append(all, opts...)
	return &retryingStore{inner: inner, opts: all}
}

func (s *retryingStore) do(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, fn, s.opts...)
}

func (s *retryingStore) Locator() string {
	return s.inner.Locator()
}

func (s *retryingStore) Initialize(ctx context.Context, m *model.Manifest) error {
	return s.do(ctx, func() error { return s.inner.Initialize(ctx, m) })
}

func (s *retryingStore) Resume(ctx context.Context) (m *model.Manifest, err error) {
	err = s.do(ctx, func() error {
		m, err = s.inner.Resume(ctx)
		return err
	})
	return
}

func (s *retryingStore) UpdateManifest(ctx context.Context, m *model.Manifest) error {
	return s.do(ctx, func() error { return s.inner.UpdateManifest(ctx, m) })
}

func (s *retryingStore) Destroy(ctx context.Context) error {
	return s.do(ctx, func() error { return s.inner.Destroy(ctx) })
}

func (s *retryingStore) CreateJob(ctx context.Context, spec *model.JobSpec) (job *model.Job, err error) {
	err = s.do(ctx, func() error {
		job, err = s.inner.CreateJob(ctx, spec)
		return err
	})
	return
}

func (s *retryingStore) Load(ctx context.Context, id model.JobID) (job *model.Job, err error) {
	err = s.do(ctx, func() error {
		job, err = s.inner.Load(ctx, id)
		return err
	})
	return
}

func (s *retryingStore) Update(ctx context.Context, job *model.Job) error {
	return s.do(ctx, func() error { return s.inner.Update(ctx, job) })
}

func (s *retryingStore) Delete(ctx context.Context, id model.JobID) error {
	return s.do(ctx, func() error { return s.inner.Delete(ctx, id) })
}

func (s *retryingStore) Exists(ctx context.Context, id model.JobID) (ok bool, err error) {
	err = s.do(ctx, func() error {
		ok, err = s.inner.Exists(ctx, id)
		return err
	})
	return
}

// Jobs is not retried as a whole since fn may not be idempotent.
func (s *retryingStore) Jobs(ctx context.Context, fn func(*model.Job) error) error {
	return s.inner.Jobs(ctx, fn)
}

func (s *retryingStore) CreatedBy(ctx context.Context, creator model.JobID) (ids []model.JobID, err error) {
	err = s.do(ctx, func() error {
		ids, err = s.inner.CreatedBy(ctx, creator)
		return err
	})
	return
}

// WriteBlob puts the blob under an ID chosen up front, so a retry after an
// ambiguous failure overwrites the same blob instead of leaking one.
func (s *retryingStore) WriteBlob(ctx context.Context, r io.Reader) (model.BlobID, error) {
	id := model.NewBlobID()
	if err := s.PutBlob(ctx, id, r); err != nil {
		return "", err
	}
	return id, nil
}

func (s *retryingStore) PutBlob(ctx context.Context, id model.BlobID, r io.Reader) error {
	rewind, cleanup, err := replayable(r)
	if err != nil {
		return err
	}
	defer cleanup()
	return s.do(ctx, func() error {
		src, err := rewind()
		if err != nil {
			return err
		}
		return s.inner.PutBlob(ctx, id, src)
	})
}

func (s *retryingStore) ReadBlob(ctx context.Context, id model.BlobID) (rc io.ReadCloser, err error) {
	err = s.do(ctx, func() error {
		rc, err = s.inner.ReadBlob(ctx, id)
		return err
	})
	return
}

func (s *retryingStore) DeleteBlob(ctx context.Context, id model.BlobID) error {
	return s.do(ctx, func() error { return s.inner.DeleteBlob(ctx, id) })
}

func (s *retryingStore) BlobExists(ctx context.Context, id model.BlobID) (ok bool, err error) {
	err = s.do(ctx, func() error {
		ok, err = s.inner.BlobExists(ctx, id)
		return err
	})
	return
}

func (s *retryingStore) WriteShared(ctx context.Context, name string, r io.Reader) error {
	rewind, cleanup, err := replayable(r)
	if err != nil {
		return err
	}
	defer cleanup()
	return s.do(ctx, func() error {
		src, err := rewind()
		if err != nil {
			return err
		}
		return s.inner.WriteShared(ctx, name, src)
	})
}

func (s *retryingStore) ReadShared(ctx context.Context, name string) (rc io.ReadCloser, err error) {
	err = s.do(ctx, func() error {
		rc, err = s.inner.ReadShared(ctx, name)
		return err
	})
	return
}

func (s *retryingStore) AppendStats(ctx context.Context, rec *model.StatsRecord) error {
	return s.do(ctx, func() error { return s.inner.AppendStats(ctx, rec) })
}

// ReadStats is not retried since records already delivered are consumed.
func (s *retryingStore) ReadStats(ctx context.Context, fn func(*model.StatsRecord) error) (int, error) {
	return s.inner.ReadStats(ctx, fn)
}

func (s *retryingStore) Close() error {
	return s.inner.Close()
}

// replayable lets a write be retried with the same content. Seekable
// readers are rewound to where they started; anything else is spooled to a
// temporary file first, so the content is never held in memory.
func replayable(r io.Reader) (rewind func() (io.Reader, error), cleanup func(), err error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			rewind = func() (io.Reader, error) {
				if _, err := rs.Seek(start, io.SeekStart); err != nil {
					return nil, errors.Trace(err)
				}
				return rs, nil
			}
			return rewind, func() {}, nil
		}
	}

	f, err := os.CreateTemp("", "jobflow-spool-*")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	cleanup = func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, errors.Trace(err)
	}
	rewind = func() (io.Reader, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Trace(err)
		}
		return f, nil
	}
	return rewind, cleanup, nil
}

// ReadAllShared is a helper reading a whole shared file.
func ReadAllShared(ctx context.Context, store JobStore, name string) ([]byte, error) {
	rc, err := store.ReadShared(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return data, errors.Trace(err)
}

// ReadAllBlob is a helper reading a whole blob.
func ReadAllBlob(ctx context.Context, store JobStore, id model.BlobID) ([]byte, error) {
	rc, err := store.ReadBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return data, errors.Trace(err)
}
