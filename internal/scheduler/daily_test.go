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
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", Midnight, false},
		{"00:00:00", Midnight, false},
		{"04:30", TimeOfDay{Hour: 4, Minute: 30}, false},
		{"23:59:59", TimeOfDay{Hour: 23, Minute: 59, Second: 59}, false},
		{" 12:05 ", TimeOfDay{Hour: 12, Minute: 5}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "04:30:00", TimeOfDay{Hour: 4, Minute: 30}.String())
}

func TestNextDaily(t *testing.T) {
	shanghai := mustLoad(t, "Asia/Shanghai")
	newYork := mustLoad(t, "America/New_York")

	tests := []struct {
		name string
		now  time.Time
		at   TimeOfDay
		loc  *time.Location
		want time.Time
	}{
		{
			name: "before target same day",
			now:  time.Date(2024, 3, 10, 23, 59, 59, 0, shanghai),
			at:   Midnight,
			loc:  shanghai,
			want: time.Date(2024, 3, 11, 0, 0, 0, 0, shanghai),
		},
		{
			name: "exactly at target rolls to next day",
			now:  time.Date(2024, 3, 11, 0, 0, 0, 0, shanghai),
			at:   Midnight,
			loc:  shanghai,
			want: time.Date(2024, 3, 12, 0, 0, 0, 0, shanghai),
		},
		{
			name: "just after target",
			now:  time.Date(2024, 3, 11, 0, 0, 0, 1, shanghai),
			at:   Midnight,
			loc:  shanghai,
			want: time.Date(2024, 3, 12, 0, 0, 0, 0, shanghai),
		},
		{
			name: "now given in UTC is localised first",
			now:  time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC), // 23:30 Shanghai
			at:   Midnight,
			loc:  shanghai,
			want: time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC),
		},
		{
			name: "later time of day today",
			now:  time.Date(2024, 6, 1, 1, 0, 0, 0, shanghai),
			at:   TimeOfDay{Hour: 4, Minute: 30},
			loc:  shanghai,
			want: time.Date(2024, 6, 1, 4, 30, 0, 0, shanghai),
		},
		{
			name: "month and year rollover",
			now:  time.Date(2024, 12, 31, 12, 0, 0, 0, shanghai),
			at:   Midnight,
			loc:  shanghai,
			want: time.Date(2025, 1, 1, 0, 0, 0, 0, shanghai),
		},
		{
			name: "spring forward day is 23 hours long",
			now:  time.Date(2024, 3, 10, 0, 0, 0, 0, newYork),
			at:   Midnight,
			loc:  newYork,
			want: time.Date(2024, 3, 11, 0, 0, 0, 0, newYork),
		},
		{
			name: "fall back day is 25 hours long",
			now:  time.Date(2024, 11, 3, 0, 0, 0, 0, newYork),
			at:   Midnight,
			loc:  newYork,
			want: time.Date(2024, 11, 4, 0, 0, 0, 0, newYork),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDaily(tt.now, tt.at, tt.loc)
			assert.True(t, got.Equal(tt.want), "NextDaily() = %v, want %v", got, tt.want)
			assert.True(t, got.After(tt.now))
		})
	}

	t.Run("DST transition day lengths", func(t *testing.T) {
		spring := NextDaily(time.Date(2024, 3, 10, 0, 0, 0, 0, newYork), Midnight, newYork)
		assert.Equal(t, 23*time.Hour, spring.Sub(time.Date(2024, 3, 10, 0, 0, 0, 0, newYork)))

		fall := NextDaily(time.Date(2024, 11, 3, 0, 0, 0, 0, newYork), Midnight, newYork)
		assert.Equal(t, 25*time.Hour, fall.Sub(time.Date(2024, 11, 3, 0, 0, 0, 0, newYork)))
	})

	t.Run("nil location means UTC", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		assert.True(t, NextDaily(now, Midnight, nil).Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	})
}

func TestNextDaily_Properties(t *testing.T) {
	zones := []struct {
		name   string
		bound  time.Duration
		hasDST bool
	}{
		{"Asia/Shanghai", 24 * time.Hour, false},
		{"UTC", 24 * time.Hour, false},
		{"America/New_York", 25 * time.Hour, true},
		{"Europe/London", 25 * time.Hour, true},
		{"Australia/Lord_Howe", 24*time.Hour + 30*time.Minute, true},
	}

	r := rand.New(rand.NewSource(1))
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	span := int64(3 * 365 * 24 * 3600)

	for _, z := range zones {
		t.Run(z.name, func(t *testing.T) {
			loc := mustLoad(t, z.name)
			for i := 0; i < 2000; i++ {
				now := time.Unix(start+r.Int63n(span), r.Int63n(int64(time.Second)))
				at := TimeOfDay{Hour: r.Intn(24), Minute: r.Intn(60), Second: r.Intn(60)}

				next := NextDaily(now, at, loc)

				require.True(t, next.After(now), "next %v not after now %v", next, now)
				require.LessOrEqual(t, next.Sub(now), z.bound, "now=%v at=%v next=%v", now, at, next)
				if !z.hasDST {
					local := next.In(loc)
					require.Equal(t, at, TimeOfDay{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()})
				}
			}
		})
	}
}
