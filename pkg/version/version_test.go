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

package version

import (
	"testing"

	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestReleaseSemver(t *testing.T) {
	cases := []struct{ releaseVersion, releaseSemver string }{
		{"None", ""},
		{"HEAD", ""},
		{"v1.2.3", "1.2.3"},
		{"v1.2.3-rc.1", "1.2.3-rc.1"},
		{"v1.2.3-12-g1234567", "1.2.3"},
		{"v1.2.3-12-g1234567-dirty", "1.2.3"},
	}
	for _, cs := range cases {
		ReleaseVersion = cs.releaseVersion
		require.Equal(t, cs.releaseSemver, ReleaseSemver(), "%v", cs)
	}
	ReleaseVersion = "None"
}

func TestCheckResumable(t *testing.T) {
	defer func() { ReleaseVersion = "None" }()

	ReleaseVersion = "v1.4.0"
	require.NoError(t, CheckResumable(""))
	require.NoError(t, CheckResumable("None"))
	require.NoError(t, CheckResumable("v1.3.2"))
	require.NoError(t, CheckResumable("v1.4.0-5-gabcdef12"))

	err := CheckResumable("v1.5.0")
	require.True(t, errors.Is(err, errors.ErrInvalidArgument), "%v", err)
	err = CheckResumable("v0.9.0")
	require.True(t, errors.Is(err, errors.ErrInvalidArgument), "%v", err)

	ReleaseVersion = "None"
	require.NoError(t, CheckResumable("v2.0.0"))
}
