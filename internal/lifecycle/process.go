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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")
)

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes existence.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsNamedProcess reports whether pid is alive and its command line
// mentions name. A recycled PID belonging to an unrelated program does not
// match.
func IsNamedProcess(pid int, name string) bool {
	if !IsProcessRunning(pid) {
		return false
	}
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	return containsWord(cmd, name)
}

// containsWord matches name against the base name of each argument.
func containsWord(cmd, name string) bool {
	for _, field := range strings.Fields(cmd) {
		if filepath.Base(field) == name {
			return true
		}
	}
	return false
}
