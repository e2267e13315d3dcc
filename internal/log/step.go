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

package log

import (
	"log/slog"
	"time"
)

// Step runs fn as a named unit of work, logging when it starts and when it
// completes with its duration. A failed step is logged at error level and
// its error is returned unchanged.
func Step(logger *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	logger.Debug("step started", EventKey, "step_start", StepKey, name)

	err := fn()

	attrs := []any{
		EventKey, "step_end",
		StepKey, name,
		DurationKey, time.Since(start).Milliseconds(),
	}
	if err != nil {
		logger.Error("step failed", append(attrs, "error", err)...)
		return err
	}
	logger.Info("step completed", attrs...)
	return nil
}
