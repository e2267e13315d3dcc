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

// Package supervisor keeps a single relay process alive, relaunching it
// after a fixed cooldown whenever it exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/tombee/relayd/internal/lifecycle"
	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/metrics"
)

const (
	// DefaultCooldown is the pause between an exit and the next launch.
	DefaultCooldown = 5 * time.Second

	// DefaultStopTimeout is how long Stop waits after SIGTERM before killing.
	DefaultStopTimeout = 10 * time.Second
)

// ErrAlreadyStarted is returned by Start on a supervisor that was started
// or stopped before. A supervisor runs once.
var ErrAlreadyStarted = errors.New("supervisor already started")

// State is the supervisor's lifecycle state.
type State int

const (
	NotStarted State = iota
	Running
	CoolingDown
	Stopped
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case CoolingDown:
		return "cooling_down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Supervisor.
type Config struct {
	// Cooldown between an exit and the next launch. Default: 5s
	Cooldown time.Duration

	// StopTimeout between SIGTERM and SIGKILL on Stop. Default: 10s
	StopTimeout time.Duration

	// Clock drives cooldown and stop timers. Default: wall clock
	Clock clock.Clock

	Logger *slog.Logger
}

// Supervisor owns the relay child. At most one child is alive at any time
// and a relaunch never begins before the previous child has been reaped.
type Supervisor struct {
	launcher    lifecycle.Launcher
	cooldown    time.Duration
	stopTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu        sync.RWMutex
	state     State
	pid       int
	started   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	cooldowns int64

	launches atomic.Int64
	failures atomic.Int64

	// spawnLog throttles spawn failure logs when the binary is broken.
	spawnLog rate.Sometimes
}

// New creates a supervisor. It does not launch anything.
func New(cfg Config, launcher lifecycle.Launcher) (*Supervisor, error) {
	if launcher == nil {
		return nil, fmt.Errorf("supervisor: launcher is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	metrics.SetSupervisorState(NotStarted.String())
	return &Supervisor{
		launcher:    launcher,
		cooldown:    cfg.Cooldown,
		stopTimeout: cfg.StopTimeout,
		clock:       cfg.Clock,
		logger:      log.WithComponent(cfg.Logger, "supervisor"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		spawnLog:    rate.Sometimes{First: 3, Interval: time.Minute},
	}, nil
}

// Start launches cmd and keeps it running in the background until Stop is
// called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, cmd lifecycle.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrAlreadyStarted
	}
	s.started = true

	s.logger.Info("supervisor starting", "command", cmd.String(), "cooldown", s.cooldown)
	go s.run(ctx, cmd)
	return nil
}

// Stop disables relaunching, terminates the current child and waits for the
// supervision loop to exit. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.doneCh
		return
	}
	s.stopped = true
	close(s.stopCh)
	if !s.started {
		// No loop will run; Start refuses once stopped.
		s.setStateLocked(Stopped)
		close(s.doneCh)
	}
	s.mu.Unlock()

	<-s.doneCh
}

// Done is closed when the supervision loop has exited, or when Stop was
// called before Start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.doneCh
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pid returns the live child's PID, or 0 when no child is running.
func (s *Supervisor) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

// Launches returns how many children have been started.
func (s *Supervisor) Launches() int64 {
	return s.launches.Load()
}

// SpawnFailures returns how many launch attempts failed.
func (s *Supervisor) SpawnFailures() int64 {
	return s.failures.Load()
}

// Cooldowns returns how many cooldown periods have begun. The count
// advances only once the cooldown timer is armed.
func (s *Supervisor) Cooldowns() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldowns
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	metrics.SetSupervisorState(state.String())
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.setStateLocked(state)
	s.mu.Unlock()
}

// run is the supervision loop.
func (s *Supervisor) run(ctx context.Context, cmd lifecycle.Command) {
	defer close(s.doneCh)
	defer s.setState(Stopped)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		proc, err := s.launcher.Launch(ctx, cmd)
		if err != nil {
			n := s.failures.Inc()
			metrics.RecordSpawnFailure()
			s.spawnLog.Do(func() {
				s.logger.Error("failed to launch relay",
					slog.String("command", cmd.String()),
					slog.Int64("failures", n),
					log.Error(err))
			})
		} else if done := s.supervise(ctx, proc); done {
			return
		}

		if !s.coolDown(ctx) {
			return
		}
	}
}

// supervise waits for proc to exit. It reports true when the loop must end
// because of Stop or cancellation, in which case proc has been terminated.
func (s *Supervisor) supervise(ctx context.Context, proc lifecycle.Process) bool {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	pid := proc.Pid()
	s.mu.Lock()
	s.pid = pid
	n := s.launches.Inc()
	s.setStateLocked(Running)
	s.mu.Unlock()
	metrics.RecordLaunch()

	logger := s.logger.With(slog.Int(log.PIDKey, pid), slog.Int64("launch", n))
	logger.Info("relay started")

	select {
	case err := <-exited:
		s.clearPid()
		metrics.RecordExit(err)
		if err != nil {
			logger.Warn("relay exited", log.Error(err), slog.Duration("restart_in", s.cooldown))
		} else {
			logger.Warn("relay exited cleanly", slog.Duration("restart_in", s.cooldown))
		}
		return false
	case <-s.stopCh:
	case <-ctx.Done():
	}

	s.terminate(logger, proc, exited)
	return true
}

// terminate sends SIGTERM, escalates to SIGKILL after the stop timeout and
// returns once the child has been reaped.
func (s *Supervisor) terminate(logger *slog.Logger, proc lifecycle.Process, exited <-chan error) {
	logger.Info("stopping relay")
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		logger.Warn("failed to signal relay", log.Error(err))
	}

	timer := s.clock.Timer(s.stopTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-exited:
	case <-timer.C:
		logger.Warn("relay ignored SIGTERM, killing", slog.Duration("timeout", s.stopTimeout))
		if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, lifecycle.ErrProcessNotRunning) {
			logger.Error("failed to kill relay", log.Error(kerr))
		}
		err = <-exited
	}

	s.clearPid()
	metrics.RecordExit(err)
	logger.Info("relay stopped")
}

// coolDown waits out the cooldown. It reports false when the loop must end.
func (s *Supervisor) coolDown(ctx context.Context) bool {
	timer := s.clock.Timer(s.cooldown)
	s.mu.Lock()
	s.cooldowns++
	s.setStateLocked(CoolingDown)
	s.mu.Unlock()

	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
	case <-ctx.Done():
	}
	timer.Stop()
	return false
}

func (s *Supervisor) clearPid() {
	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
}
