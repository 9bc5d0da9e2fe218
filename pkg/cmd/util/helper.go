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

package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const forceExitTimeout = time.Minute

// InitCmd initializes the logger and returns a context that is canceled
// when the process receives a termination signal.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	err := logutil.InitLogger(logCfg)
	if err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	ctx, cancel := context.WithCancel(context.Background())
	InitSignalHandling(ctx, cancel)
	return ctx, cancel
}

// InitSignalHandling cancels the context on the first termination signal
// and exits on the second one.
func InitSignalHandling(ctx context.Context, cancel context.CancelFunc) {
	// systemd and k8s send signals twice. The first is for graceful shutdown,
	// and the second is for force shutdown.
	sc := make(chan os.Signal, 2)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sc)
		select {
		case <-ctx.Done():
			return
		case sig := <-sc:
			log.Info("got signal, prepare to shutdown", zap.Stringer("signal", sig))
			cancel()
		}
		select {
		case <-time.After(forceExitTimeout):
		case sig := <-sc:
			log.Info("got signal, force shutdown", zap.Stringer("signal", sig))
			os.Exit(1)
		}
	}()
}
