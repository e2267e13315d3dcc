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

package errors

import (
	"fmt"
)

// ValidationError represents input that violates a required grammar or range.
// Use this for malformed identifiers, out-of-range ports and similar values
// that can never become valid by retrying.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Hint provides actionable guidance for fixing the error
	Hint string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// IsUserVisible implements UserVisibleError.
func (e *ValidationError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ValidationError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *ValidationError) Suggestion() string {
	return e.Hint
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "uuid", "schedule.timezone")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// ProvisionError represents a failed provisioning step (certificate,
// binary download, config write). A provisioning error halts the current
// cycle; nothing produced by the failing step is considered valid.
type ProvisionError struct {
	// Step names the provisioning step (e.g., "certificate", "binary")
	Step string

	// Target is the artifact the step was producing, usually a file path
	Target string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s failed", e.Step)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProvisionError) ErrorType() string { return "provision" }

// IsRetryable implements ErrorClassifier. Provisioning is retried by the
// orchestrator on the next cycle, never inside the step itself.
func (e *ProvisionError) IsRetryable() bool { return true }
