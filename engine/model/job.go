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

package model

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pingcap/jobflow/pkg/errors"
)

// RecordVersion is the encoding version written into every job record.
const RecordVersion = 1

const jobIDSeparator = '.'

type (
	// JobID identifies a job record. It is assigned by the job store.
	JobID string
	// BlobID identifies an immutable blob in the job store.
	BlobID string
)

// NewJobID returns a fresh job ID.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// NewJobIDFor returns a fresh ID for the job described by spec. The ID of a
// job created by another job starts with CreatedPrefix of its creator.
func NewJobIDFor(spec *JobSpec) JobID {
	if spec.CreatorID == "" {
		return NewJobID()
	}
	return JobID(CreatedPrefix(spec.CreatorID) + uuid.NewString())
}

// CreatedPrefix is the ID prefix shared by every job creator created. It
// only depends on the last segment of creator, so IDs do not grow with
// the depth of the graph.
func CreatedPrefix(creator JobID) string {
	id := string(creator)
	if i := strings.LastIndexByte(id, jobIDSeparator); i >= 0 {
		id = id[i+1:]
	}
	return id + string(jobIDSeparator)
}

// NewBlobID returns a fresh blob ID.
func NewBlobID() BlobID {
	return BlobID(uuid.NewString())
}

// Payload references the body a worker runs for a job. The engine never
// looks inside Args.
type Payload struct {
	Kind string `json:"kind"`
	Args []byte `json:"args,omitempty"`
}

// JobSpec describes a job before the store assigns it an ID.
type JobSpec struct {
	Name         string       `json:"name"`
	Payload      Payload      `json:"payload"`
	Requirements Requirements `json:"requirements"`
	// Preemptable, when set, decides whether the job may run on
	// preemptable nodes. Unset takes Requirements.Preemptable or the run
	// default, whichever is true.
	Preemptable *bool `json:"preemptable,omitempty"`
	// RemainingRetries of zero means the run default, negative means none.
	RemainingRetries int  `json:"remaining-retries"`
	Checkpoint       bool `json:"checkpoint"`
	// PredecessorCount is the number of jobs that list this job as a
	// successor. Zero is treated as one, except for the root job.
	PredecessorCount int     `json:"predecessor-count"`
	Children         []JobID `json:"children,omitempty"`
	FollowOns        []JobID `json:"follow-ons,omitempty"`
	CreatorID        JobID   `json:"creator-id,omitempty"`
	CreatorAttempt   int     `json:"creator-attempt,omitempty"`
}

// WithDefaults returns a copy of s with unset requirements, preemptability
// and retries taken from the manifest.
func (s JobSpec) WithDefaults(m *Manifest) *JobSpec {
	if s.Requirements.Cores == 0 {
		s.Requirements.Cores = m.DefaultRequirements.Cores
	}
	if s.Requirements.Memory == 0 {
		s.Requirements.Memory = m.DefaultRequirements.Memory
	}
	if s.Requirements.Disk == 0 {
		s.Requirements.Disk = m.DefaultRequirements.Disk
	}
	if s.Preemptable != nil {
		s.Requirements.Preemptable = *s.Preemptable
	} else if m.DefaultRequirements.Preemptable {
		s.Requirements.Preemptable = true
	}
	switch {
	case s.RemainingRetries == 0:
		s.RemainingRetries = m.DefaultRetries
	case s.RemainingRetries < 0:
		s.RemainingRetries = 0
	}
	return &s
}

// Promise refers to the return value of a job before the job has run.
// It is resolved by a job that runs after the promising job committed.
type Promise struct {
	JobID JobID  `json:"job-id"`
	Blob  BlobID `json:"blob"`
}

// Job is the durable record of a node in the job graph.
type Job struct {
	Version      int          `json:"version"`
	ID           JobID        `json:"id"`
	Name         string       `json:"name"`
	Payload      Payload      `json:"payload"`
	Requirements Requirements `json:"requirements"`

	// Children run once this job has completed. FollowOns run once every
	// child and its descendants have been discharged. The leader clears a
	// list when its phase is over.
	Children  []JobID `json:"children,omitempty"`
	FollowOns []JobID `json:"follow-ons,omitempty"`

	RemainingRetries int  `json:"remaining-retries"`
	Checkpoint       bool `json:"checkpoint"`
	Attempt          int  `json:"attempt"`
	Completed        bool `json:"completed"`
	Failed           bool `json:"failed"`

	PredecessorCount     int     `json:"predecessor-count"`
	PredecessorsFinished []JobID `json:"predecessors-finished,omitempty"`

	CreatorID      JobID `json:"creator-id,omitempty"`
	CreatorAttempt int   `json:"creator-attempt,omitempty"`

	// Promises are the blobs the return value of the job is written to
	// when it commits.
	Promises      []BlobID  `json:"promises,omitempty"`
	BlobsToDelete []BlobID  `json:"blobs-to-delete,omitempty"`
	LogBlob       BlobID    `json:"log-blob,omitempty"`
	UpdatedAt     time.Time `json:"updated-at"`
}

// NewJob builds an un-run job record from spec.
func NewJob(id JobID, spec *JobSpec) *Job {
	return &Job{
		Version:          RecordVersion,
		ID:               id,
		Name:             spec.Name,
		Payload:          spec.Payload,
		Requirements:     spec.Requirements,
		Children:         append([]JobID(nil), spec.Children...),
		FollowOns:        append([]JobID(nil), spec.FollowOns...),
		RemainingRetries: spec.RemainingRetries,
		Checkpoint:       spec.Checkpoint,
		PredecessorCount: spec.PredecessorCount,
		CreatorID:        spec.CreatorID,
		CreatorAttempt:   spec.CreatorAttempt,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload.Args = append([]byte(nil), j.Payload.Args...)
	c.Children = append([]JobID(nil), j.Children...)
	c.FollowOns = append([]JobID(nil), j.FollowOns...)
	c.PredecessorsFinished = append([]JobID(nil), j.PredecessorsFinished...)
	c.Promises = append([]BlobID(nil), j.Promises...)
	c.BlobsToDelete = append([]BlobID(nil), j.BlobsToDelete...)
	return &c
}

// Successors returns the successor list of the phase the job is in: the
// children while any remain, then the follow-ons.
func (j *Job) Successors() []JobID {
	if len(j.Children) > 0 {
		return j.Children
	}
	return j.FollowOns
}

// HasSuccessors reports whether any successor is still registered.
func (j *Job) HasSuccessors() bool {
	return len(j.Children) > 0 || len(j.FollowOns) > 0
}

// Predecessors returns how many releases the job waits for.
func (j *Job) Predecessors() int {
	if j.PredecessorCount < 1 {
		return 1
	}
	return j.PredecessorCount
}

// MarkPredecessorFinished records that pred released this job and reports
// whether the record changed.
func (j *Job) MarkPredecessorFinished(pred JobID) bool {
	for _, id := range j.PredecessorsFinished {
		if id == pred {
			return false
		}
	}
	j.PredecessorsFinished = append(j.PredecessorsFinished, pred)
	return true
}

// AllPredecessorsFinished reports whether every predecessor released the job.
func (j *Job) AllPredecessorsFinished() bool {
	return len(j.PredecessorsFinished) >= j.Predecessors()
}

// Encode serializes the job record.
func (j *Job) Encode() ([]byte, error) {
	j.Version = RecordVersion
	data, err := json.Marshal(j)
	return data, errors.Trace(err)
}

// DecodeJob deserializes a job record and checks that it belongs to id.
func DecodeJob(id JobID, data []byte) (*Job, error) {
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreCorrupted, err, id, "undecodable job record")
	}
	if job.ID != id {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(id, "record holds job "+string(job.ID))
	}
	if job.Version > RecordVersion {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(id, "unsupported record version")
	}
	return job, nil
}
