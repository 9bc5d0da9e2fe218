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

package logutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerAndSetLogLevel(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test")
	cfg := &Config{
		Level: "warning",
		File:  f,
	}
	err := InitLogger(cfg)
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, log.GetLevel())

	err = SetLogLevel("info")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, log.GetLevel())

	err = SetLogLevel("badlevel")
	require.Error(t, err)
}

func TestZapErrorFilter(t *testing.T) {
	t.Parallel()

	err := errors.New("test error")
	testCases := []struct {
		err      error
		filters  []error
		expected zap.Field
	}{
		{nil, []error{}, zap.Error(nil)},
		{err, []error{}, zap.Error(err)},
		{err, []error{context.Canceled}, zap.Error(err)},
		{err, []error{err}, zap.Error(nil)},
		{context.Canceled, []error{context.Canceled}, zap.Error(nil)},
		{errors.Annotate(context.Canceled, "annotate error"), []error{context.Canceled}, zap.Error(nil)},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, ZapErrorFilter(tc.err, tc.filters...))
	}
}

func TestIsCanceled(t *testing.T) {
	t.Parallel()

	require.True(t, IsCanceled(errors.Trace(context.Canceled)))
	require.True(t, IsCanceled(context.DeadlineExceeded))
	require.False(t, IsCanceled(errors.New("boom")))
}

func TestNewLoggerFields(t *testing.T) {
	t.Parallel()

	require.NotNil(t, NewLogger4Leader("run-1"))
	require.NotNil(t, NewLogger4Worker("run-1", "job-1"))
	require.Equal(t, zap.Skip(), ShortError(nil))
	require.Equal(t, zap.String("error", "x"), ShortError(errors.New("x")))
}
