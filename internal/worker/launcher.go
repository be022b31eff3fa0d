/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package worker

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/google/shlex"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// Process is one running worker: a byte pipe plus lifecycle control.
type Process interface {
	Conn() io.ReadWriteCloser
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill forces termination.
	Kill() error
}

// Launcher spawns worker processes. Production uses ExecLauncher; tests
// inject the in-memory stub runtime.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Process, error)
}

// ExecLauncher spawns workers with a configured command line. The worker
// speaks the framed protocol on stdin/stdout; stderr passes through.
type ExecLauncher struct {
	// Command is the full worker command line, shell-style quoted.
	Command string
	// Env entries are appended to the inherited environment.
	Env []string
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *stdioConn
}

// stdioConn joins the child's stdin and stdout into one pipe.
type stdioConn struct {
	io.WriteCloser // child stdin
	reader         io.ReadCloser
}

func (c *stdioConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

func (c *stdioConn) Close() error {
	err := c.WriteCloser.Close()
	if rerr := c.reader.Close(); err == nil {
		err = rerr
	}
	return err
}

// Launch starts one worker process.
func (l *ExecLauncher) Launch(ctx context.Context, workerID string) (Process, error) {
	args, err := shlex.Split(l.Command)
	if err != nil || len(args) == 0 {
		return nil, gwerr.Wrap(gwerr.InvalidArgument, "unparseable worker command", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "HALO_WORKER_ID="+workerID)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.WorkerUnavailable, "worker stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.WorkerUnavailable, "worker stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, gwerr.Wrap(gwerr.WorkerUnavailable, "worker spawn failed", err)
	}

	return &execProcess{
		cmd:  cmd,
		conn: &stdioConn{WriteCloser: stdin, reader: stdout},
	}, nil
}

func (p *execProcess) Conn() io.ReadWriteCloser { return p.conn }
func (p *execProcess) PID() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error              { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
