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

package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesNormalizedErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err      error
		target   error
		expected bool
	}{
		{ErrJobNotFound.GenWithStackByArgs("job-1"), ErrJobNotFound, true},
		{ErrJobNotFound.FastGenByArgs("job-1"), ErrJobNotFound, true},
		{WrapError(ErrJobStoreIO, stderrors.New("disk full")), ErrJobStoreIO, true},
		{Trace(ErrJobStoreIO.GenWithStackByArgs()), ErrJobStoreIO, true},
		{Annotate(ErrBlobNotFound.GenWithStackByArgs("b"), "read blob"), ErrBlobNotFound, true},
		{ErrJobNotFound.GenWithStackByArgs("job-1"), ErrBlobNotFound, false},
		{stderrors.New("plain"), ErrJobStoreIO, false},
		{nil, ErrJobStoreIO, false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, Is(tc.err, tc.target), "err: %v", tc.err)
	}
}

func TestWrapErrorNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, WrapError(ErrJobStoreIO, nil))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(WrapError(ErrJobStoreIO, stderrors.New("timeout"))))
	require.False(t, IsRetryable(ErrJobNotFound.GenWithStackByArgs("x")))
	require.True(t, IsNotFound(ErrSharedFileNotFound.GenWithStackByArgs("root")))
	require.True(t, IsNotFound(ErrBlobNotFound.GenWithStackByArgs("b")))
	require.False(t, IsNotFound(ErrJobStoreCorrupted.GenWithStackByArgs("j", "bad")))
}
