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

package leader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/jobflow/engine/leader"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/worker"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRunOptionsComplete(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
job-store = "file:/from/config"
clean = "never"
default-retries = 3

[log]
level = "debug"
`), 0o600))

	o := newOptions()
	cmd := &cobra.Command{Use: "run"}
	o.addFlags(cmd, true)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path, "--job-store", "file:/from/flag", "--retries", "5", "--cores", "2",
	}))
	require.NoError(t, o.complete(cmd))

	cfg := o.leaderConfig
	require.Equal(t, "file:/from/flag", cfg.JobStore)
	require.Equal(t, leader.CleanNever, cfg.Clean)
	require.Equal(t, 5, cfg.DefaultRetries)
	require.Equal(t, "debug", cfg.LogConf.Level)

	root, err := o.rootSpec([]string{"echo", "hello world", "'q'"})
	require.NoError(t, err)
	require.Equal(t, "root", root.Name)
	require.Equal(t, worker.ExecPayload("echo", "hello world", "'q'"), root.Payload)
	require.Equal(t, model.MilliCores(2000), root.Requirements.Cores)
	require.Zero(t, root.Requirements.Memory)
}

func TestRestartOptionsRequireJobStore(t *testing.T) {
	t.Parallel()

	o := newOptions()
	cmd := &cobra.Command{Use: "restart"}
	o.addFlags(cmd, false)
	require.NoError(t, cmd.ParseFlags(nil))
	err := o.complete(cmd)
	require.True(t, errors.Is(err, errors.ErrInvalidArgument), "%v", err)
}
