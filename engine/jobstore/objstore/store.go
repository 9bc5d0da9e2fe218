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

package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

const (
	jobsPrefix      = "jobs/"
	blobsPrefix     = "blobs/"
	sharedPrefix    = "shared/"
	statsPrefix     = "stats/"
	statsReadPrefix = "stats-read/"
)

// Store is a job store over a Bucket. Every object is framed with a
// checksum, so a torn or foreign object is reported as corrupted instead of
// being decoded.
type Store struct {
	locator string
	bucket  Bucket

	retainStats atomic.Bool
	closed      atomic.Bool
}

// NewStore creates a job store over bucket.
func NewStore(locator string, bucket Bucket) *Store {
	return &Store{locator: locator, bucket: bucket}
}

func jobKey(id model.JobID) string   { return jobsPrefix + string(id) }
func blobKey(id model.BlobID) string { return blobsPrefix + string(id) }
func sharedKey(name string) string   { return sharedPrefix + name }

// Locator returns the locator the store was opened with.
func (s *Store) Locator() string {
	return s.locator
}

func (s *Store) checkClosed() error {
	if s.closed.Load() {
		return errors.ErrJobStoreClosed.GenWithStackByArgs()
	}
	return nil
}

// Initialize writes the manifest of a new run. It fails if the location
// already holds a job store.
func (s *Store) Initialize(ctx context.Context, m *model.Manifest) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	exists, err := s.bucket.Exists(ctx, sharedKey(model.ManifestFileName))
	if err != nil {
		return err
	}
	if exists {
		return errors.ErrJobStoreExists.GenWithStackByArgs(s.locator)
	}
	return s.UpdateManifest(ctx, m)
}

// Resume reads the manifest of an existing run.
func (s *Store) Resume(ctx context.Context) (*model.Manifest, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	data, err := s.getFramed(ctx, sharedKey(model.ManifestFileName))
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.ErrJobStoreNotFound.GenWithStackByArgs(s.locator)
		}
		return nil, err
	}
	m, err := model.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	s.retainStats.Store(m.StatsEnabled)
	return m, nil
}

// UpdateManifest replaces the manifest.
func (s *Store) UpdateManifest(ctx context.Context, m *model.Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := s.bucket.Put(ctx, sharedKey(model.ManifestFileName), frameReader(bytes.NewReader(data))); err != nil {
		return err
	}
	s.retainStats.Store(m.StatsEnabled)
	return nil
}

// Destroy removes every object of the job store.
func (s *Store) Destroy(ctx context.Context) error {
	return s.bucket.DeleteAll(ctx)
}

func (s *Store) getFramed(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(newUnframeReader(key, rc))
}

// CreateJob persists a new job record with a fresh ID.
func (s *Store) CreateJob(ctx context.Context, spec *model.JobSpec) (*model.Job, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	job := model.NewJob(model.NewJobIDFor(spec), spec)
	job.UpdatedAt = time.Now()
	if err := s.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) putJob(ctx context.Context, job *model.Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	return s.bucket.Put(ctx, jobKey(job.ID), frameReader(bytes.NewReader(data)))
}

// Load reads a job record.
func (s *Store) Load(ctx context.Context, id model.JobID) (*model.Job, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	data, err := s.getFramed(ctx, jobKey(id))
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.ErrJobNotFound.GenWithStackByArgs(id)
		}
		return nil, err
	}
	return model.DecodeJob(id, data)
}

// Update replaces a job record. Updating a deleted job fails with
// ErrJobNotFound.
func (s *Store) Update(ctx context.Context, job *model.Job) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	exists, err := s.bucket.Exists(ctx, jobKey(job.ID))
	if err != nil {
		return err
	}
	if !exists {
		return errors.ErrJobNotFound.GenWithStackByArgs(job.ID)
	}
	job.UpdatedAt = time.Now()
	return s.putJob(ctx, job)
}

// Delete removes a job record. Deleting a missing job succeeds.
func (s *Store) Delete(ctx context.Context, id model.JobID) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.bucket.Delete(ctx, jobKey(id))
}

// Exists reports whether a job record exists.
func (s *Store) Exists(ctx context.Context, id model.JobID) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, jobKey(id))
}

// Jobs calls fn with every job record. Records deleted while iterating are
// skipped.
func (s *Store) Jobs(ctx context.Context, fn func(*model.Job) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.bucket.List(ctx, jobsPrefix, func(key string) error {
		job, err := s.Load(ctx, model.JobID(strings.TrimPrefix(key, jobsPrefix)))
		if err != nil {
			if errors.Is(err, errors.ErrJobNotFound) {
				return nil
			}
			return err
		}
		return fn(job)
	})
}

// CreatedBy lists the job keys sharing the prefix of creator.
func (s *Store) CreatedBy(ctx context.Context, creator model.JobID) ([]model.JobID, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var ids []model.JobID
	err := s.bucket.List(ctx, jobsPrefix+model.CreatedPrefix(creator), func(key string) error {
		ids = append(ids, model.JobID(strings.TrimPrefix(key, jobsPrefix)))
		return nil
	})
	return ids, err
}

// WriteBlob stores the content of r under a new blob ID.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader) (model.BlobID, error) {
	if err := s.checkClosed(); err != nil {
		return "", err
	}
	id := model.NewBlobID()
	if err := s.PutBlob(ctx, id, r); err != nil {
		return "", err
	}
	return id, nil
}

// PutBlob stores the content of r under id.
func (s *Store) PutBlob(ctx context.Context, id model.BlobID, r io.Reader) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.bucket.Put(ctx, blobKey(id), frameReader(r))
}

// ReadBlob streams the content of a blob. The checksum is verified when
// the end is reached; a mismatch fails that read with ErrJobStoreCorrupted.
func (s *Store) ReadBlob(ctx context.Context, id model.BlobID) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rc, err := s.bucket.Get(ctx, blobKey(id))
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.ErrBlobNotFound.GenWithStackByArgs(id)
		}
		return nil, err
	}
	return newUnframeReader(blobKey(id), rc), nil
}

// DeleteBlob removes a blob. Deleting a missing blob succeeds.
func (s *Store) DeleteBlob(ctx context.Context, id model.BlobID) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.bucket.Delete(ctx, blobKey(id))
}

// BlobExists reports whether a blob exists.
func (s *Store) BlobExists(ctx context.Context, id model.BlobID) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, blobKey(id))
}

// WriteShared replaces the named shared file.
func (s *Store) WriteShared(ctx context.Context, name string, r io.Reader) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.bucket.Put(ctx, sharedKey(name), frameReader(r))
}

// ReadShared reads the named shared file.
func (s *Store) ReadShared(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rc, err := s.bucket.Get(ctx, sharedKey(name))
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.ErrSharedFileNotFound.GenWithStackByArgs(name)
		}
		return nil, err
	}
	return newUnframeReader(sharedKey(name), rc), nil
}

// AppendStats appends a stats record.
func (s *Store) AppendStats(ctx context.Context, rec *model.StatsRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d-%s", statsPrefix, time.Now().UnixNano(), uuid.NewString())
	return s.bucket.Put(ctx, key, frameReader(bytes.NewReader(data)))
}

// ReadStats delivers every unread stats record once and returns how many
// were delivered. Delivered records are kept aside when the run retains
// statistics and deleted otherwise.
func (s *Store) ReadStats(ctx context.Context, fn func(*model.StatsRecord) error) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	count := 0
	err := s.bucket.List(ctx, statsPrefix, func(key string) error {
		rc, err := s.bucket.Get(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return errors.WrapError(errors.ErrJobStoreIO, err)
		}
		data, err := decodeFrame(key, raw)
		if err != nil {
			return err
		}
		rec, err := model.DecodeStats(key, data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		count++
		if s.retainStats.Load() {
			readKey := statsReadPrefix + strings.TrimPrefix(key, statsPrefix)
			if err := s.bucket.Put(ctx, readKey, bytes.NewReader(raw)); err != nil {
				return err
			}
		}
		return s.bucket.Delete(ctx, key)
	})
	return count, err
}

// Close releases the bucket.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.bucket.Close()
}
