// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Command describes an executable invocation.
type Command struct {
	Path string
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the child environment. Nil inherits relayd's environment.
	Env []string
}

// String returns the command line for logging.
func (c Command) String() string {
	s := c.Path
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Process is a started child.
type Process interface {
	// Pid returns the operating system process ID.
	Pid() int

	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct{}

// NewExecLauncher creates a launcher backed by os/exec.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Launch starts cmd. Standard input, output and error are attached to the
// null device. The context only bounds the start itself; the child outlives
// it and is stopped with Signal or Kill.
func (l *ExecLauncher) Launch(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Path == "" {
		return nil, errors.New("launch: empty command path")
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.SysProcAttr = childAttr()

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	return &execProcess{cmd: c}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, p.Pid(), err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to kill process %d: %w", p.Pid(), err)
	}
	return nil
}
