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
	"os"

	"github.com/pingcap/jobflow/engine/worker"
	"github.com/pingcap/jobflow/pkg/cmd/clean"
	"github.com/pingcap/jobflow/pkg/cmd/leader"
	"github.com/pingcap/jobflow/pkg/version"
	"github.com/spf13/cobra"

	// batch systems register themselves
	_ "github.com/pingcap/jobflow/engine/batch/local"
	_ "github.com/pingcap/jobflow/engine/batch/slurm"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobflow",
		Short: "Run self-extending job graphs on a batch system",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
}

// newCmdWorker creates the `worker` command the batch systems launch. It
// parses its own flags so that its exit code follows the worker contract.
func newCmdWorker() *cobra.Command {
	return &cobra.Command{
		Use:                "worker",
		Short:              "Run one attempt of a job",
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(worker.Main(args))
		},
	}
}

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(version.GetRawInfo())
		},
	}
}

// AddJobflowCommands adds all subcommands to cmd.
func AddJobflowCommands(cmd *cobra.Command) {
	cmd.AddCommand(leader.NewCmdRun())
	cmd.AddCommand(leader.NewCmdRestart())
	cmd.AddCommand(clean.NewCmdClean())
	cmd.AddCommand(newCmdWorker())
	cmd.AddCommand(newCmdVersion())
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	AddJobflowCommands(cmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
