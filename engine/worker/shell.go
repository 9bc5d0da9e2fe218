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
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/goccy/go-json"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
)

const (
	// ShellKind is the payload kind of ShellBody.
	ShellKind = "shell"
	// ExecKind is the payload kind of ExecBody.
	ExecKind = "exec"

	// maxLogLine bounds a forwarded output line. Longer lines are cut and
	// the rest of the line is discarded.
	maxLogLine = 64 * 1024
)

// ShellPayload builds a payload running cmdline with ShellBody.
func ShellPayload(cmdline string) model.Payload {
	return model.Payload{Kind: ShellKind, Args: []byte(cmdline)}
}

// ExecPayload builds a payload running argv with ExecBody. No word splitting
// or expansion is applied to argv.
func ExecPayload(argv ...string) model.Payload {
	args, err := json.Marshal(argv)
	if err != nil {
		// A []string always marshals.
		panic(err)
	}
	return model.Payload{Kind: ExecKind, Args: args}
}

// ShellBody runs the payload arguments as a command line, split into words
// the way a shell would, inside a fresh local directory. Environment
// variables are expanded. Output lines are forwarded to the job log.
func ShellBody(ctx context.Context, jc *JobContext) error {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(string(jc.Job().Payload.Args))
	if err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "shell command")
	}
	return runCommand(ctx, jc, args)
}

// ExecBody runs the JSON encoded argv of the payload like ShellBody, without
// parsing a command line.
func ExecBody(ctx context.Context, jc *JobContext) error {
	var args []string
	if err := json.Unmarshal(jc.Job().Payload.Args, &args); err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "exec argv")
	}
	return runCommand(ctx, jc, args)
}

func runCommand(ctx context.Context, jc *JobContext, args []string) error {
	if len(args) == 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("empty command")
	}
	dir, err := jc.FileStore().LocalTempDir()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "JOBFLOW_JOB_ID="+string(jc.Job().ID))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Trace(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Trace(err)
	}
	if err := cmd.Start(); err != nil {
		return errors.Trace(err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardLines(stdout, func(line string) { jc.Log("info", line) })
	}()
	go func() {
		defer wg.Done()
		forwardLines(stderr, func(line string) { jc.Log("warn", line) })
	}()
	wg.Wait()
	return errors.Trace(cmd.Wait())
}

// forwardLines calls emit for every line of r until r is drained. Lines
// longer than maxLogLine are truncated, the pipe keeps being read.
func forwardLines(r io.Reader, emit func(string)) {
	br := bufio.NewReaderSize(r, maxLogLine)
	for {
		line, isPrefix, err := br.ReadLine()
		if len(line) > 0 || (err == nil && !isPrefix) {
			emit(string(line))
		}
		for isPrefix && err == nil {
			_, isPrefix, err = br.ReadLine()
		}
		if err != nil {
			if err != io.EOF {
				// Drain so the child never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}
