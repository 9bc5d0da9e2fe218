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

	"github.com/pingcap/jobflow/engine/model"
)

// JobStore is the durable home of job records, blobs, shared files and
// statistics of a run. It is the only state shared between the leader and
// the workers.
//
// Every method is safe for concurrent use on different IDs. Update is an
// atomic replace of the whole record. Once a write returns nil its effect is
// durable and visible to every process opening the same locator.
type JobStore interface {
	// Locator returns the string that reopens this store.
	Locator() string

	// Initialize creates the store for a fresh run. It fails with
	// ErrJobStoreExists if a run already lives there.
	Initialize(ctx context.Context, m *model.Manifest) error
	// Resume opens an existing run. It fails with ErrJobStoreNotFound if
	// there is none.
	Resume(ctx context.Context) (*model.Manifest, error)
	UpdateManifest(ctx context.Context, m *model.Manifest) error
	// Destroy deletes everything the store holds.
	Destroy(ctx context.Context) error

	// CreateJob persists a new record and returns it with its assigned ID.
	CreateJob(ctx context.Context, spec *model.JobSpec) (*model.Job, error)
	// Load fails with ErrJobNotFound if the job is absent or deleted.
	Load(ctx context.Context, id model.JobID) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) error
	Delete(ctx context.Context, id model.JobID) error
	Exists(ctx context.Context, id model.JobID) (bool, error)
	// Jobs iterates every job record.
	Jobs(ctx context.Context, fn func(*model.Job) error) error
	// CreatedBy lists the records created by the attempts of creator,
	// without iterating the other records.
	CreatedBy(ctx context.Context, creator model.JobID) ([]model.JobID, error)

	WriteBlob(ctx context.Context, r io.Reader) (model.BlobID, error)
	// PutBlob writes a blob under an ID obtained from model.NewBlobID, so
	// callers can hand out the ID before the upload finishes.
	PutBlob(ctx context.Context, id model.BlobID, r io.Reader) error
	// ReadBlob fails with ErrBlobNotFound if the blob is absent. A blob
	// whose checksum does not match fails with ErrJobStoreCorrupted, at the
	// latest on the read that reaches its end.
	ReadBlob(ctx context.Context, id model.BlobID) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, id model.BlobID) error
	BlobExists(ctx context.Context, id model.BlobID) (bool, error)

	WriteShared(ctx context.Context, name string, r io.Reader) error
	ReadShared(ctx context.Context, name string) (io.ReadCloser, error)

	AppendStats(ctx context.Context, rec *model.StatsRecord) error
	// ReadStats delivers each appended record at most once.
	ReadStats(ctx context.Context, fn func(*model.StatsRecord) error) (int, error)

	Close() error
}
