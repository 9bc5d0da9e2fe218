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

package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubcommands(t *testing.T) {
	t.Parallel()

	cmd := NewCmd()
	AddJobflowCommands(cmd)
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.ElementsMatch(t, []string{"run", "restart", "clean", "worker", "version"}, names)

	worker, _, err := cmd.Find([]string{"worker"})
	require.NoError(t, err)
	require.True(t, worker.DisableFlagParsing)
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := NewCmd()
	AddJobflowCommands(cmd)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "Release Version:")
}
