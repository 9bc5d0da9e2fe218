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
	"time"

	"github.com/goccy/go-json"

	"github.com/pingcap/jobflow/pkg/errors"
)

// Shared file names used by the engine itself.
const (
	ManifestFileName = "manifest"
	ProgressFileName = "leader-progress"
)

// Manifest is the run-level record of a job store.
type Manifest struct {
	Version      int       `json:"version"`
	RunID        string    `json:"run-id"`
	RootJobID    JobID     `json:"root-job-id"`
	CreatedAt    time.Time `json:"created-at"`
	StatsEnabled bool      `json:"stats-enabled"`
	CreatedBy    string    `json:"created-by,omitempty"`
	// Defaults applied to jobs created by workers, see JobSpec.WithDefaults.
	DefaultRetries      int          `json:"default-retries"`
	DefaultRequirements Requirements `json:"default-requirements"`
}

// Encode serializes the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	m.Version = RecordVersion
	data, err := json.Marshal(m)
	return data, errors.Trace(err)
}

// DecodeManifest deserializes a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreCorrupted, err, ManifestFileName, "undecodable manifest")
	}
	if m.RunID == "" {
		return nil, errors.ErrJobStoreCorrupted.GenWithStackByArgs(ManifestFileName, "missing run id")
	}
	return m, nil
}

// Progress is the leader's periodic snapshot of its scheduling state. It is
// informational; recovery re-derives the state from the job records.
type Progress struct {
	RunID     string    `json:"run-id"`
	Ready     []JobID   `json:"ready"`
	Issued    []JobID   `json:"issued"`
	Failed    []JobID   `json:"failed"`
	UpdatedAt time.Time `json:"updated-at"`
}

// Encode serializes the progress snapshot.
func (p *Progress) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	return data, errors.Trace(err)
}

// DecodeProgress deserializes a progress snapshot.
func DecodeProgress(data []byte) (*Progress, error) {
	p := &Progress{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreCorrupted, err, ProgressFileName, "undecodable progress")
	}
	return p, nil
}

// LogMessage is a message a job body asked to surface on the leader.
type LogMessage struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// StatsRecord is appended by a worker for every attempt. RetryCount is the
// retry budget the job had left when the attempt started.
type StatsRecord struct {
	JobID      JobID         `json:"job-id"`
	JobName    string        `json:"job-name"`
	Attempt    int           `json:"attempt"`
	Succeeded  bool          `json:"succeeded"`
	WallTime   time.Duration `json:"wall-time"`
	CPUTime    time.Duration `json:"cpu-time"`
	MaxRSS     uint64        `json:"max-rss"`
	RetryCount int           `json:"retry-count"`
	Logs       []LogMessage  `json:"logs,omitempty"`
	Time       time.Time     `json:"time"`
}

// Encode serializes the stats record.
func (s *StatsRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	return data, errors.Trace(err)
}

// DecodeStats deserializes a stats record.
func DecodeStats(key string, data []byte) (*StatsRecord, error) {
	s := &StatsRecord{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.WrapError(errors.ErrJobStoreCorrupted, err, key, "undecodable stats record")
	}
	return s, nil
}
