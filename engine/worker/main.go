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

package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Exit codes of the worker process.
const (
	ExitSucceeded = 0
	ExitFailed    = 1
	ExitBadUsage  = 2
)

// Options are the command line options of the worker process.
type Options struct {
	JobStore   string
	JobID      string
	WorkDir    string
	CacheDir   string
	CacheLimit string
	LogLevel   string
	LogFile    string
}

// AddFlags registers the options on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.JobStore, "job-store", "", "locator of the job store")
	fs.StringVar(&o.JobID, "job-id", "", "ID of the job to run")
	fs.StringVar(&o.WorkDir, "work-dir", "", "directory for local temporary files")
	fs.StringVar(&o.CacheDir, "cache-dir", "", "directory caching blobs shared by workers on this node")
	fs.StringVar(&o.CacheLimit, "cache-limit", "", "size bound of the blob cache, e.g. 10GiB")
	fs.StringVar(&o.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&o.LogFile, "log-file", "", "log file path")
}

// Config builds the worker config from the options.
func (o *Options) Config() (*Config, error) {
	if o.JobStore == "" || o.JobID == "" {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("--job-store and --job-id are required")
	}
	cfg := &Config{Registry: DefaultRegistry()}
	cfg.FileStore.WorkDir = o.WorkDir
	cfg.FileStore.CacheDir = o.CacheDir
	if o.CacheLimit != "" {
		limit, err := model.ParseSize(o.CacheLimit)
		if err != nil {
			return nil, err
		}
		cfg.FileStore.CacheLimit = int64(limit)
	}
	return cfg, nil
}

// Main is the entrypoint of the worker process a batch system launches. It
// returns the process exit code.
func Main(args []string) int {
	return MainWithRegistry(args, nil)
}

// MainWithRegistry is Main with additional job bodies registered.
func MainWithRegistry(args []string, register func(*Registry)) int {
	opts := &Options{}
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitBadUsage
	}
	cfg, err := opts.Config()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitBadUsage
	}
	if register != nil {
		register(cfg.Registry)
	}
	if err := logutil.InitLogger(&logutil.Config{Level: opts.LogLevel, File: opts.LogFile}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitBadUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := jobstore.Open(ctx, opts.JobStore)
	if err != nil {
		log.Error("failed to open job store", zap.String("job-store", jobstore.Redact(opts.JobStore)), zap.Error(err))
		return ExitFailed
	}
	defer store.Close()

	if err := Run(ctx, cfg, store, model.JobID(opts.JobID)); err != nil {
		log.Error("worker failed", zap.String("job-id", opts.JobID), logutil.ShortError(err))
		return ExitFailed
	}
	return ExitSucceeded
}
