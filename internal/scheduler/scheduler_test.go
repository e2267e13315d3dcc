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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, onFire FireFunc) (*Scheduler, *clock.Mock, *time.Location) {
	t.Helper()
	loc := mustLoad(t, "Asia/Shanghai")
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 10, 23, 0, 0, 0, loc))

	s, err := New(Config{At: Midnight, Location: loc, Clock: mock}, onFire)
	require.NoError(t, err)
	return s, mock, loc
}

// waitForNext blocks until the loop is sleeping towards want.
func waitForNext(t *testing.T, s *Scheduler, want time.Time) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.NextFire().Equal(want)
	}, 2*time.Second, time.Millisecond, "next fire never became %v (is %v)", want, s.NextFire())
}

func TestNew_RequiresCallback(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{}, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, s.loc.String())
	assert.Equal(t, DefaultMinDelay, s.minDelay)
	assert.Equal(t, Midnight, s.at)
}

func TestScheduler_FiresDaily(t *testing.T) {
	var calls atomic.Int32
	s, mock, loc := newTestScheduler(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	first := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	waitForNext(t, s, first)
	assert.Equal(t, int32(0), calls.Load())

	mock.Add(59 * time.Minute)
	assert.Equal(t, int32(0), calls.Load(), "must not fire before the target")

	mock.Add(time.Minute)
	second := first.AddDate(0, 0, 1)
	waitForNext(t, s, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), s.Fires())

	mock.Add(24 * time.Hour)
	waitForNext(t, s, second.AddDate(0, 0, 1))
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_CallbackFailuresDoNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	s, mock, loc := newTestScheduler(t, func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("callback exploded")
		}
		return errors.New("callback failed")
	})

	s.Start(context.Background())
	defer s.Stop()

	next := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	waitForNext(t, s, next)

	for i := 1; i <= 3; i++ {
		mock.Add(next.Sub(mock.Now()))
		next = next.AddDate(0, 0, 1)
		waitForNext(t, s, next)
		assert.Equal(t, int32(i), calls.Load())
	}
}

func TestScheduler_StopPreventsFurtherFires(t *testing.T) {
	var calls atomic.Int32
	s, mock, loc := newTestScheduler(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start(context.Background())
	waitForNext(t, s, time.Date(2024, 3, 11, 0, 0, 0, 0, loc))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	mock.Add(48 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	// Idempotent.
	s.Stop()
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	s, _, _ := newTestScheduler(t, func(context.Context) error { return nil })
	s.Stop()
}

func TestScheduler_ContextCancelEndsLoop(t *testing.T) {
	var calls atomic.Int32
	s, mock, loc := newTestScheduler(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitForNext(t, s, time.Date(2024, 3, 11, 0, 0, 0, 0, loc))

	s.mu.RLock()
	doneCh := s.doneCh
	s.mu.RUnlock()

	cancel()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancellation")
	}
	s.Stop()

	// A cancelled scheduler can be started again.
	s.Start(context.Background())
	defer s.Stop()
	waitForNext(t, s, time.Date(2024, 3, 11, 0, 0, 0, 0, loc))
	mock.Add(time.Hour)
	waitForNext(t, s, time.Date(2024, 3, 12, 0, 0, 0, 0, loc))
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	var calls atomic.Int32
	s, mock, loc := newTestScheduler(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	next := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	for i := 1; i <= 3; i++ {
		s.Start(context.Background())
		waitForNext(t, s, next)
		mock.Add(next.Sub(mock.Now()))
		next = next.AddDate(0, 0, 1)
		waitForNext(t, s, next)
		s.Stop()
		assert.Equal(t, int32(i), calls.Load())
	}
}

// skewClock is a mock clock whose Now can be offset from the timers and
// can jump once on a chosen call. It records every timer duration.
type skewClock struct {
	*clock.Mock

	jumpCall int32
	jump     time.Duration

	offset atomic.Int64
	calls  atomic.Int32

	mu     sync.Mutex
	timers []time.Duration
}

func (c *skewClock) Now() time.Time {
	now := c.Mock.Now().Add(time.Duration(c.offset.Load()))
	if c.calls.Add(1) == c.jumpCall {
		now = now.Add(c.jump)
	}
	return now
}

func (c *skewClock) Timer(d time.Duration) *clock.Timer {
	c.mu.Lock()
	c.timers = append(c.timers, d)
	c.mu.Unlock()
	return c.Mock.Timer(d)
}

func (c *skewClock) timerDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timers...)
}

func TestScheduler_ClampsElapsedDelay(t *testing.T) {
	loc := mustLoad(t, "Asia/Shanghai")
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 10, 23, 0, 0, 0, loc))
	// The second Now call computes the first delay; it lands past the target.
	clk := &skewClock{Mock: mock, jumpCall: 2, jump: 90 * time.Minute}

	var calls atomic.Int32
	s, err := New(Config{At: Midnight, Location: loc, Clock: clk, MinDelay: 250 * time.Millisecond},
		func(context.Context) error {
			calls.Add(1)
			return nil
		})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	first := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	waitForNext(t, s, first)
	require.NotEmpty(t, clk.timerDurations())
	assert.Equal(t, 250*time.Millisecond, clk.timerDurations()[0])

	mock.Add(250 * time.Millisecond)
	waitForNext(t, s, first.AddDate(0, 0, 1))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), s.Fires())
}

func TestScheduler_ClockStepBackDoesNotRefire(t *testing.T) {
	loc := mustLoad(t, "Asia/Shanghai")
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 10, 23, 0, 0, 0, loc))
	clk := &skewClock{Mock: mock}

	var calls atomic.Int32
	s, err := New(Config{At: Midnight, Location: loc, Clock: clk}, func(context.Context) error {
		calls.Add(1)
		// The wall clock steps back behind the occurrence just fired.
		clk.offset.Store(int64(-time.Second))
		return nil
	})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	first := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	waitForNext(t, s, first)

	mock.Add(time.Hour)
	waitForNext(t, s, first.AddDate(0, 0, 1))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), s.Fires())

	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_DSTTransitions(t *testing.T) {
	loc := mustLoad(t, "America/New_York")

	tests := []struct {
		name   string
		start  time.Time
		first  time.Time
		second time.Time
		gap    time.Duration
	}{
		{
			name:   "spring forward",
			start:  time.Date(2024, 3, 9, 23, 0, 0, 0, loc),
			first:  time.Date(2024, 3, 10, 0, 0, 0, 0, loc),
			second: time.Date(2024, 3, 11, 0, 0, 0, 0, loc),
			gap:    23 * time.Hour,
		},
		{
			name:   "fall back",
			start:  time.Date(2024, 11, 2, 23, 0, 0, 0, loc),
			first:  time.Date(2024, 11, 3, 0, 0, 0, 0, loc),
			second: time.Date(2024, 11, 4, 0, 0, 0, 0, loc),
			gap:    25 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := clock.NewMock()
			mock.Set(tt.start)

			var calls atomic.Int32
			s, err := New(Config{At: Midnight, Location: loc, Clock: mock}, func(context.Context) error {
				calls.Add(1)
				return nil
			})
			require.NoError(t, err)

			s.Start(context.Background())
			defer s.Stop()

			waitForNext(t, s, tt.first)
			mock.Add(time.Hour)

			waitForNext(t, s, tt.second)
			assert.Equal(t, tt.gap, s.NextFire().Sub(tt.first))
			assert.Equal(t, 0, s.NextFire().In(loc).Hour())
			assert.Equal(t, int32(1), calls.Load())

			mock.Add(tt.gap)
			waitForNext(t, s, tt.second.AddDate(0, 0, 1))
			assert.Equal(t, int32(2), calls.Load())
			assert.Equal(t, int64(2), s.Fires())
		})
	}
}

func TestScheduler_CallbackReceivesContext(t *testing.T) {
	type key struct{}
	got := make(chan any, 1)
	s, mock, loc := newTestScheduler(t, func(ctx context.Context) error {
		got <- ctx.Value(key{})
		return nil
	})

	s.Start(context.WithValue(context.Background(), key{}, "cycle-7"))
	defer s.Stop()

	first := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	waitForNext(t, s, first)
	mock.Add(time.Hour)

	select {
	case v := <-got:
		assert.Equal(t, "cycle-7", v)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}
