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

package local

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/pingcap/jobflow/engine/batch"
	"github.com/pingcap/jobflow/pkg/errors"
)

// Process is a started task.
type Process interface {
	// Wait blocks until the task exits and returns its exit code. An error
	// means the exit status could not be observed.
	Wait() (int, error)
	Kill() error
}

// Launcher starts the command of a task.
type Launcher interface {
	Start(ctx context.Context, spec *batch.Spec) (Process, error)
}

// ExecLauncher runs the command as a child process in its own process
// group, so that killing it also kills whatever it spawned.
type ExecLauncher struct{}

// Start implements Launcher.
func (ExecLauncher) Start(_ context.Context, spec *batch.Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("empty command")
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Trace(err)
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd)
}

// FuncLauncher runs the task as a function in this process. The context it
// receives is canceled when the task is killed. A nil error is exit code 0,
// any other error exit code 1.
type FuncLauncher func(ctx context.Context, spec *batch.Spec) error

// Start implements Launcher.
func (f FuncLauncher) Start(ctx context.Context, spec *batch.Spec) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &funcProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.exitCode = 1
			}
		}()
		if err := f(ctx, spec); err != nil {
			p.exitCode = 1
		}
	}()
	return p, nil
}

type funcProcess struct {
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	exitCode int
}

func (p *funcProcess) Wait() (int, error) {
	<-p.done
	p.once.Do(p.cancel)
	return p.exitCode, nil
}

func (p *funcProcess) Kill() error {
	p.once.Do(p.cancel)
	return nil
}
