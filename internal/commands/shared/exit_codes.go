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
package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/relayd/pkg/errors"
)

// Exit codes for the relayd daemon
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitInvalidConfig  = 2
	ExitAlreadyRunning = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewFailureError creates an error for fatal runtime failures
func NewFailureError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidConfigError creates an error for configuration and identifier
// problems detected before any side effect
func NewInvalidConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

// NewAlreadyRunningError creates an error for a PID file held by another instance
func NewAlreadyRunningError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitAlreadyRunning,
		Message: msg,
		Cause:   cause,
	}
}

// Code returns the process exit code for err.
func Code(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Report writes err and any suggestion to w and returns the exit code.
func Report(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(w, "Error:", err.Error())
	printUserVisibleSuggestion(w, err)
	return Code(err)
}

// HandleExitError reports err on stderr and exits with the matching code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err))
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(w io.Writer, err error) {
	// Walk the error chain to find a UserVisibleError
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				suggestion := userErr.Suggestion()
				if suggestion != "" {
					fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}

		err = errors.Unwrap(err)
	}
}
