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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrAlreadyRunning is returned when another live instance owns the PID file.
	ErrAlreadyRunning = errors.New("another instance is already running")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")

	errPIDFileExists = errors.New("PID file already exists")
)

// PIDFile is a single-instance guard. The file is created with O_EXCL and
// held under an exclusive flock for as long as the owner runs.
type PIDFile struct {
	path     string
	name     string
	lockFile *os.File
}

// NewPIDFile creates a guard at path. name is the executable name a live
// owner's command line must contain for its PID to count as running.
func NewPIDFile(path, name string) *PIDFile {
	return &PIDFile{path: path, name: name}
}

// Path returns the PID file location.
func (f *PIDFile) Path() string {
	return f.path
}

// Acquire records pid in the file. If the file exists and its owner is
// still alive (by command line or by lock), it returns ErrAlreadyRunning;
// otherwise the stale file is replaced.
func (f *PIDFile) Acquire(pid int) error {
	err := f.create(pid)
	if !errors.Is(err, errPIDFileExists) {
		return err
	}

	existing, readErr := f.Read()
	if readErr == nil && IsNamedProcess(existing, f.name) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing)
	}
	if f.heldByOther() {
		return fmt.Errorf("%w (%s is locked)", ErrAlreadyRunning, f.path)
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale PID file: %w", err)
	}
	if err := f.create(pid); err != nil {
		if errors.Is(err, errPIDFileExists) {
			// Lost a race with another instance starting at the same moment.
			return ErrAlreadyRunning
		}
		return err
	}
	return nil
}

func (f *PIDFile) create(pid int) error {
	dir := filepath.Dir(f.path)
	if err := verifyDirectorySafety(dir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// O_EXCL refuses symlinks and existing files; O_RDWR is needed for flock.
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return errPIDFileExists
		}
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		os.Remove(f.path)
		if err == syscall.EWOULDBLOCK {
			return errPIDFileExists
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		file.Close()
		os.Remove(f.path)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(f.path)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	f.lockFile = file
	return nil
}

// heldByOther reports whether some other open file holds the lock.
func (f *PIDFile) heldByOther() bool {
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return err == syscall.EWOULDBLOCK
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	return false
}

// Read returns the PID stored in the file.
func (f *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, pidStr)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Release unlocks and removes the file. It is a no-op if Acquire never
// succeeded.
func (f *PIDFile) Release() error {
	if f.lockFile == nil {
		return nil
	}
	syscall.Flock(int(f.lockFile.Fd()), syscall.LOCK_UN)
	f.lockFile.Close()
	f.lockFile = nil

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// verifyDirectorySafety refuses world-writable parents, where another user
// could plant a symlink at the PID path.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
