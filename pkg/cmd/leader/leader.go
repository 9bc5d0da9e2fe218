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
	"context"
	"net/http"
	"time"

	"github.com/pingcap/jobflow/engine/autoscaler"
	"github.com/pingcap/jobflow/engine/jobstore"
	"github.com/pingcap/jobflow/engine/leader"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/engine/worker"
	"github.com/pingcap/jobflow/pkg/cmd/util"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/version"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags shared by the `run` and `restart` commands.
type options struct {
	leaderConfig         *leader.Config
	leaderConfigFilePath string
	metricsAddr          string

	// Requirements of the root job of a fresh run.
	rootName   string
	rootCores  string
	rootMemory string
	rootDisk   string
}

func newOptions() *options {
	return &options{
		leaderConfig: leader.GetDefaultConfig(),
	}
}

// addFlags binds the flags of a leader command.
func (o *options) addFlags(cmd *cobra.Command, fresh bool) {
	cmd.Flags().StringVar(&o.leaderConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.leaderConfig.JobStore, "job-store", o.leaderConfig.JobStore, "locator of the job store, e.g. file:/data/run or s3://bucket/prefix")
	cmd.Flags().StringVar(&o.leaderConfig.BatchSystem, "batch-system", o.leaderConfig.BatchSystem, "batch system running the workers (local|slurm)")
	cmd.Flags().StringVar((*string)(&o.leaderConfig.Clean), "clean", string(o.leaderConfig.Clean), "when to destroy the job store (always|onError|never|onSuccess)")
	cmd.Flags().BoolVar(&o.leaderConfig.StopOnFailure, "stop-on-failure", o.leaderConfig.StopOnFailure, "abort the run on the first permanently failed job")
	cmd.Flags().StringVar(&o.leaderConfig.LogConf.File, "log-file", o.leaderConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.leaderConfig.LogConf.Level, "log-level", o.leaderConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	if !fresh {
		return
	}
	cmd.Flags().BoolVar(&o.leaderConfig.Stats, "stats", o.leaderConfig.Stats, "record statistics of every job attempt")
	cmd.Flags().IntVar(&o.leaderConfig.DefaultRetries, "retries", o.leaderConfig.DefaultRetries, "default number of retries of a failed job")
	cmd.Flags().StringVar(&o.rootName, "name", "root", "name of the root job")
	cmd.Flags().StringVar(&o.rootCores, "cores", "", "cores of the root job")
	cmd.Flags().StringVar(&o.rootMemory, "memory", "", "memory of the root job")
	cmd.Flags().StringVar(&o.rootDisk, "disk", "", "disk of the root job")
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := leader.GetDefaultConfig()
	if len(o.leaderConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.leaderConfigFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "job-store":
			cfg.JobStore = o.leaderConfig.JobStore
		case "batch-system":
			cfg.BatchSystem = o.leaderConfig.BatchSystem
		case "clean":
			cfg.Clean = o.leaderConfig.Clean
		case "stop-on-failure":
			cfg.StopOnFailure = o.leaderConfig.StopOnFailure
		case "log-file":
			cfg.LogConf.File = o.leaderConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.leaderConfig.LogConf.Level
		case "stats":
			cfg.Stats = o.leaderConfig.Stats
		case "retries":
			cfg.DefaultRetries = o.leaderConfig.DefaultRetries
		case "config", "metrics-addr", "name", "cores", "memory", "disk":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if cfg.JobStore == "" {
		return errors.ErrInvalidArgument.GenWithStackByArgs("job-store is required")
	}
	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}
	o.leaderConfig = cfg
	return nil
}

// rootSpec builds the root job of a fresh run running the command in args.
// args are passed to the command as given.
func (o *options) rootSpec(args []string) (*model.JobSpec, error) {
	req, err := model.ParseRequirements(o.rootCores, o.rootMemory, o.rootDisk, o.leaderConfig.DefaultPreemptable)
	if err != nil {
		return nil, err
	}
	return &model.JobSpec{
		Name:         o.rootName,
		Payload:      worker.ExecPayload(args...),
		Requirements: req,
	}, nil
}

// run starts the leader. A nil root resumes the run in the job store.
func (o *options) run(cmd *cobra.Command, root *model.JobSpec) error {
	ctx, cancel := util.InitCmd(cmd, &o.leaderConfig.LogConf)
	defer cancel()
	version.LogVersionInfo("jobflow leader")
	log.Info("leader config", zap.Stringer("config", o.leaderConfig))

	registry := prometheus.NewRegistry()
	leader.InitMetrics(registry)
	autoscaler.InitMetrics(registry)
	if o.metricsAddr != "" {
		stop := serveMetrics(o.metricsAddr, registry)
		defer stop()
	}

	store, err := jobstore.Open(ctx, o.leaderConfig.JobStore)
	if err != nil {
		return err
	}
	defer store.Close()

	l := leader.New(o.leaderConfig, store)
	if root != nil {
		err = l.Start(ctx, root)
	} else {
		err = l.Restart(ctx)
	}
	if err != nil {
		return err
	}
	if err := l.Run(ctx); err != nil {
		log.Error("run failed", zap.String("job-store", jobstore.Redact(store.Locator())), zap.Error(err))
		return err
	}
	log.Info("run succeeded", zap.String("run-id", l.RunID()))
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Start a fresh run whose root job executes a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			root, err := o.rootSpec(args)
			if err != nil {
				return err
			}
			return o.run(cmd, root)
		},
	}
	o.addFlags(command, true)
	return command
}

// NewCmdRestart creates the `restart` command.
func NewCmdRestart() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "restart",
		Short: "Resume the run persisted in a job store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd, nil)
		},
	}
	o.addFlags(command, false)
	return command
}
