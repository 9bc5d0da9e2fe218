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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/jobflow/pkg/errors"
)

func TestJobEncodeDecode(t *testing.T) {
	t.Parallel()

	spec := &JobSpec{
		Name:             "align",
		Payload:          Payload{Kind: "shell", Args: []byte("echo hi")},
		Requirements:     Requirements{Cores: 1000, Memory: 1 << 20},
		RemainingRetries: 2,
		Checkpoint:       true,
		Children:         []JobID{"c1"},
	}
	job := NewJob("j1", spec)
	data, err := job.Encode()
	require.NoError(t, err)

	decoded, err := DecodeJob("j1", data)
	require.NoError(t, err)
	require.Equal(t, job.ID, decoded.ID)
	require.Equal(t, job.Payload, decoded.Payload)
	require.Equal(t, []JobID{"c1"}, decoded.Children)
	require.Equal(t, RecordVersion, decoded.Version)

	_, err = DecodeJob("other", data)
	require.True(t, errors.Is(err, errors.ErrJobStoreCorrupted))
	_, err = DecodeJob("j1", data[:len(data)/2])
	require.True(t, errors.Is(err, errors.ErrJobStoreCorrupted))
}

func TestJobPhases(t *testing.T) {
	t.Parallel()

	job := NewJob("j", &JobSpec{Children: []JobID{"a", "b"}, FollowOns: []JobID{"f"}})
	require.Equal(t, []JobID{"a", "b"}, job.Successors())
	job.Children = nil
	require.Equal(t, []JobID{"f"}, job.Successors())
	require.True(t, job.HasSuccessors())
	job.FollowOns = nil
	require.False(t, job.HasSuccessors())
}

func TestJobPredecessors(t *testing.T) {
	t.Parallel()

	job := NewJob("s", &JobSpec{PredecessorCount: 2})
	require.False(t, job.AllPredecessorsFinished())
	require.True(t, job.MarkPredecessorFinished("a"))
	require.False(t, job.MarkPredecessorFinished("a"))
	require.False(t, job.AllPredecessorsFinished())
	require.True(t, job.MarkPredecessorFinished("b"))
	require.True(t, job.AllPredecessorsFinished())

	single := NewJob("t", &JobSpec{})
	require.Equal(t, 1, single.Predecessors())
}

func TestJobClone(t *testing.T) {
	t.Parallel()

	job := NewJob("j", &JobSpec{Children: []JobID{"a"}, Payload: Payload{Args: []byte("x")}})
	job.Promises = []BlobID{"p"}
	c := job.Clone()
	c.Children[0] = "b"
	c.Payload.Args[0] = 'y'
	c.Promises[0] = "q"
	require.Equal(t, JobID("a"), job.Children[0])
	require.Equal(t, []byte("x"), job.Payload.Args)
	require.Equal(t, []BlobID{"p"}, job.Promises)
}

func TestManifestDecode(t *testing.T) {
	t.Parallel()

	m := &Manifest{RunID: "run", RootJobID: "root", StatsEnabled: true}
	data, err := m.Encode()
	require.NoError(t, err)
	decoded, err := DecodeManifest(data)
	require.NoError(t, err)
	require.Equal(t, JobID("root"), decoded.RootJobID)

	_, err = DecodeManifest([]byte(`{}`))
	require.True(t, errors.Is(err, errors.ErrJobStoreCorrupted))
}

func TestNewJobIDFor(t *testing.T) {
	t.Parallel()

	root := NewJobIDFor(&JobSpec{})
	require.NotContains(t, string(root), ".")
	child := NewJobIDFor(&JobSpec{CreatorID: root})
	require.True(t, strings.HasPrefix(string(child), CreatedPrefix(root)))
	require.Equal(t, string(root)+".", CreatedPrefix(root))

	grandchild := NewJobIDFor(&JobSpec{CreatorID: child})
	require.True(t, strings.HasPrefix(string(grandchild), CreatedPrefix(child)))
	require.False(t, strings.HasPrefix(string(grandchild), CreatedPrefix(root)))
	require.Len(t, string(grandchild), len(child))
}

func TestJobSpecWithDefaults(t *testing.T) {
	t.Parallel()

	m := &Manifest{
		DefaultRetries:      2,
		DefaultRequirements: Requirements{Cores: 1000, Memory: 1 << 30, Disk: 1 << 30},
	}
	spec := JobSpec{Requirements: Requirements{Memory: 1 << 20}}
	got := spec.WithDefaults(m)
	require.Equal(t, Requirements{Cores: 1000, Memory: 1 << 20, Disk: 1 << 30}, got.Requirements)
	require.Equal(t, 2, got.RemainingRetries)
	require.Equal(t, uint64(0), spec.Requirements.Disk)

	spec.RemainingRetries = -1
	require.Equal(t, 0, spec.WithDefaults(m).RemainingRetries)
	spec.RemainingRetries = 5
	require.Equal(t, 5, spec.WithDefaults(m).RemainingRetries)
}

func TestJobSpecWithDefaultsPreemptable(t *testing.T) {
	t.Parallel()

	regular := &Manifest{}
	preemptable := &Manifest{DefaultRequirements: Requirements{Preemptable: true}}
	yes, no := true, false

	require.False(t, JobSpec{}.WithDefaults(regular).Requirements.Preemptable)
	require.True(t, JobSpec{}.WithDefaults(preemptable).Requirements.Preemptable)
	require.True(t, JobSpec{Requirements: Requirements{Preemptable: true}}.WithDefaults(regular).Requirements.Preemptable)
	require.True(t, JobSpec{Preemptable: &yes}.WithDefaults(regular).Requirements.Preemptable)
	require.False(t, JobSpec{Preemptable: &no}.WithDefaults(preemptable).Requirements.Preemptable)
	require.False(t, JobSpec{Preemptable: &no, Requirements: Requirements{Preemptable: true}}.
		WithDefaults(regular).Requirements.Preemptable)
}
