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

// Package scheduler fires a callback once per day at a fixed wall-clock time
// in a named timezone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/metrics"
)

// DefaultTimezone is the zone the daily restart is evaluated in.
const DefaultTimezone = "Asia/Shanghai"

// DefaultMinDelay is the shortest sleep the loop will take.
const DefaultMinDelay = time.Second

// FireFunc is invoked on every scheduled occurrence. Errors are logged and
// do not stop the schedule. It must not call Stop on the same Scheduler.
type FireFunc func(ctx context.Context) error

// Config contains scheduler configuration.
type Config struct {
	// At is the wall-clock time to fire at. Default: 00:00:00
	At TimeOfDay

	// Location the wall clock is read in. Default: Asia/Shanghai
	Location *time.Location

	// MinDelay replaces a zero or negative sleep. Default: 1s
	MinDelay time.Duration

	// Clock is the time source. Default: the real clock
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler runs a FireFunc once per day.
type Scheduler struct {
	at       TimeOfDay
	loc      *time.Location
	minDelay time.Duration
	clock    clock.Clock
	onFire   FireFunc
	logger   *slog.Logger

	mu       sync.RWMutex
	nextFire time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	fires atomic.Int64
}

// New creates a scheduler. It does not start it.
func New(cfg Config, onFire FireFunc) (*Scheduler, error) {
	if onFire == nil {
		return nil, fmt.Errorf("scheduler: fire callback is required")
	}

	loc := cfg.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	minDelay := cfg.MinDelay
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		at:       cfg.At,
		loc:      loc,
		minDelay: minDelay,
		clock:    clk,
		onFire:   onFire,
		logger:   log.WithComponent(logger, "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start starts the scheduler loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
}

// Stop cancels the pending sleep and waits for the loop to exit. No fire
// starts after Stop returns. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// NextFire returns the occurrence the loop is currently waiting for, or the
// zero time when the loop is not waiting.
func (s *Scheduler) NextFire() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextFire
}

// Fires returns the number of occurrences fired so far.
func (s *Scheduler) Fires() int64 {
	return s.fires.Load()
}

// run is the main scheduler loop. It owns the channels Start created for it.
func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		// A context exit leaves the scheduler restartable.
		if s.doneCh == doneCh {
			s.running = false
			s.nextFire = time.Time{}
		}
		close(doneCh)
		s.mu.Unlock()
	}()

	next := NextDaily(s.clock.Now(), s.at, s.loc)
	for {
		delay := next.Sub(s.clock.Now())
		if delay <= 0 {
			delay = s.minDelay
		}
		timer := s.clock.Timer(delay)

		s.mu.Lock()
		s.nextFire = next
		s.mu.Unlock()
		metrics.SetNextRestart(next)
		s.logger.Info("next daily restart scheduled",
			slog.Time("at", next),
			slog.String("timezone", s.loc.String()),
			slog.Duration("in", delay))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Stop may have raced with the timer.
		select {
		case <-stopCh:
			return
		default:
		}

		s.fire(ctx, next)

		fired := next
		next = NextDaily(s.clock.Now(), s.at, s.loc)
		if !next.After(fired) {
			// Woke before the occurrence; never fire the same one twice.
			next = NextDaily(fired, s.at, s.loc)
		}
	}
}

// fire invokes the callback, containing errors and panics.
func (s *Scheduler) fire(ctx context.Context, occurrence time.Time) {
	n := s.fires.Inc()
	metrics.RecordScheduledRestart()
	logger := s.logger.With(slog.Int64("fire", n), slog.Time("occurrence", occurrence))
	logger.Info("daily restart triggered")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("daily restart callback panicked", slog.Any("panic", r))
		}
	}()

	if err := s.onFire(ctx); err != nil {
		logger.Error("daily restart callback failed", slog.Any("error", err))
	}
}
