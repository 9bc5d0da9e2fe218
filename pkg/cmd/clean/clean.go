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

package clean

import (
	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/pkg/cmd/util"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags for the `clean` command.
type options struct {
	jobStore string
	logLevel string
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.jobStore, "job-store", "", "locator of the job store to destroy")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "log level (etc: debug|info|warn|error)")
	// the possible error returned from MarkFlagRequired is `no such flag`
	cmd.MarkFlagRequired("job-store") //nolint:errcheck
}

func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel := util.InitCmd(cmd, &logutil.Config{Level: o.logLevel})
	defer cancel()

	store, err := jobstore.Open(ctx, o.jobStore)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.Resume(ctx); err != nil {
		if errors.Is(err, errors.ErrJobStoreNotFound) {
			log.Info("job store is already clean", zap.String("job-store", jobstore.Redact(o.jobStore)))
			return nil
		}
		return err
	}
	if err := store.Destroy(ctx); err != nil {
		return err
	}
	log.Info("job store destroyed", zap.String("job-store", jobstore.Redact(o.jobStore)))
	return nil
}

// NewCmdClean creates the `clean` command.
func NewCmdClean() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "clean",
		Short: "Destroy a job store and everything in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(command)
	return command
}
