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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCores(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in       string
		expected MilliCores
		hasErr   bool
	}{
		{"1", 1000, false},
		{"0.5", 500, false},
		{" 2.25 ", 2250, false},
		{"0.0001", 1, false},
		{"0", 0, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range testCases {
		c, err := ParseCores(tc.in)
		if tc.hasErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expected, c, tc.in)
	}
	require.Equal(t, "1.5", MilliCores(1500).String())
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in       string
		expected uint64
	}{
		{"100", 100},
		{"1K", 1000},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"100M", 100 * 1000 * 1000},
		{"100mi", 100 * 1024 * 1024},
		{"2G", 2 * 1000 * 1000 * 1000},
		{"2Gi", 2 * 1024 * 1024 * 1024},
		{"1T", 1000 * 1000 * 1000 * 1000},
		{"1Ti", 1024 * 1024 * 1024 * 1024},
	}
	for _, tc := range testCases {
		n, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expected, n, tc.in)
	}
	_, err := ParseSize("12 parsecs")
	require.Error(t, err)
}

func TestRequirementsFits(t *testing.T) {
	t.Parallel()

	job, err := ParseRequirements("1", "100M", "100M", false)
	require.NoError(t, err)
	node, err := ParseRequirements("4", "1G", "10G", false)
	require.NoError(t, err)
	require.True(t, job.Fits(node))
	require.False(t, node.Fits(job))

	spot := node
	spot.Preemptable = true
	require.False(t, job.Fits(spot))
	require.True(t, job.FitsSize(spot))

	job.Preemptable = true
	require.True(t, job.Fits(spot))
	require.True(t, job.Fits(node))
}

func TestRequirementsArithmetic(t *testing.T) {
	t.Parallel()

	a := Requirements{Cores: 1000, Memory: 100, Disk: 10}
	b := Requirements{Cores: 500, Memory: 200, Disk: 5}
	require.Equal(t, Requirements{Cores: 1500, Memory: 300, Disk: 15}, a.Add(b))
	require.Equal(t, Requirements{Cores: 500, Memory: 0, Disk: 5}, a.Sub(b))
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, Requirements{}.IsZero())
	require.Contains(t, a.String(), "cores=1")
}
