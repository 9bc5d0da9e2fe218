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

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/jobflow/engine/model"
)

// Handle identifies a task inside a batch system.
type Handle string

// Status is the terminal state of an issued task.
type Status int

// Terminal states of a task.
const (
	StatusSucceeded Status = iota + 1
	StatusFailed
	// StatusLost means the task disappeared without reporting an exit, e.g.
	// because its node went away.
	StatusLost
	StatusKilled
)

var statusNames = map[Status]string{
	StatusSucceeded: "succeeded",
	StatusFailed:    "failed",
	StatusLost:      "lost",
	StatusKilled:    "killed",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Spec is what the leader asks a batch system to run.
type Spec struct {
	JobID        model.JobID
	Name         string
	Command      []string
	Requirements model.Requirements
	Env          map[string]string
}

// Outcome reports that an issued task reached a terminal state.
type Outcome struct {
	Handle   Handle
	Status   Status
	ExitCode int
	WallTime time.Duration
	Message  string
}

// BatchSystem runs worker commands somewhere and reports when they end.
// Every issued handle is reported by Poll exactly once, including handles
// that were killed.
type BatchSystem interface {
	// Issue submits a task. It fails with ErrInsufficientResources when the
	// requirements can never be met by this system.
	Issue(ctx context.Context, spec *Spec) (Handle, error)
	// Poll returns the outcomes that arrived since the last call, waiting
	// up to maxWait for at least one.
	Poll(ctx context.Context, maxWait time.Duration) ([]Outcome, error)
	// Kill stops the given tasks. Unknown or finished handles are ignored.
	Kill(ctx context.Context, handles []Handle) error
	// Running returns the tasks the system currently knows about and how
	// long they have been running. Queued tasks report zero.
	Running(ctx context.Context) (map[Handle]time.Duration, error)
	// MaxInFlight is the number of tasks the leader should keep issued at
	// most.
	MaxInFlight() int
	Close() error
}

// ScalableBatchSystem is a BatchSystem whose nodes an autoscaler manages.
type ScalableBatchSystem interface {
	BatchSystem
	// NodeLoad returns the number of running tasks per node name.
	NodeLoad(ctx context.Context) (map[string]int, error)
}
