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
	"testing"

	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

type nopSystem struct {
	BatchSystem
	runID string
}

func TestRegistry(t *testing.T) {
	Register("nop-for-test", func(_ context.Context, p *Params) (BatchSystem, error) {
		return &nopSystem{runID: p.RunID}, nil
	})
	require.Contains(t, Names(), "nop-for-test")
	require.Panics(t, func() {
		Register("nop-for-test", func(context.Context, *Params) (BatchSystem, error) { return nil, nil })
	})

	bs, err := New(context.Background(), "nop-for-test", &Params{RunID: "r1"})
	require.NoError(t, err)
	require.Equal(t, "r1", bs.(*nopSystem).runID)

	_, err = New(context.Background(), "missing", &Params{})
	require.True(t, errors.Is(err, errors.ErrUnknownBatchSystem))
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "succeeded", StatusSucceeded.String())
	require.Equal(t, "lost", StatusLost.String())
	require.Equal(t, "status(42)", Status(42).String())
}
