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
	"strconv"
	"testing"
)

func TestPIDFile_Acquire(t *testing.T) {
	t.Run("writes PID with restrictive permissions", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relayd.pid")
		pf := NewPIDFile(path, "relayd")
		if err := pf.Acquire(1234); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		defer pf.Release()

		pid, err := pf.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0600 {
			t.Errorf("PID file mode = %04o, want 0600", mode)
		}
	})

	t.Run("second holder is refused by lock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relayd.pid")
		first := NewPIDFile(path, "relayd")
		if err := first.Acquire(os.Getpid()); err != nil {
			t.Fatalf("first Acquire() error = %v", err)
		}
		defer first.Release()

		second := NewPIDFile(path, "relayd")
		if err := second.Acquire(5678); !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("second Acquire() error = %v, want ErrAlreadyRunning", err)
		}

		pid, _ := first.Read()
		if pid != os.Getpid() {
			t.Errorf("PID file overwritten: %d", pid)
		}
	})

	t.Run("live named owner is refused", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relayd.pid")
		// The test binary itself plays the running instance.
		if err := os.WriteFile(path, []byte(itoa(os.Getpid())+"\n"), 0600); err != nil {
			t.Fatal(err)
		}

		pf := NewPIDFile(path, filepath.Base(os.Args[0]))
		if err := pf.Acquire(5678); !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("Acquire() error = %v, want ErrAlreadyRunning", err)
		}
	})

	staleContents := map[string]string{
		"dead pid":  itoa(unusedPID) + "\n",
		"garbage":   "not-a-pid",
		"empty":     "",
		"other app": itoa(os.Getpid()) + "\n",
	}
	for name, contents := range staleContents {
		t.Run("replaces stale file: "+name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "relayd.pid")
			if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
				t.Fatal(err)
			}

			pf := NewPIDFile(path, "definitely-not-this-binary")
			if err := pf.Acquire(4321); err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer pf.Release()

			pid, err := pf.Read()
			if err != nil || pid != 4321 {
				t.Errorf("Read() = %d, %v; want 4321", pid, err)
			}
		})
	}

	t.Run("creates parent directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "relayd.pid")
		pf := NewPIDFile(path, "relayd")
		if err := pf.Acquire(1234); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		defer pf.Release()

		info, err := os.Stat(filepath.Dir(path))
		if err != nil {
			t.Fatalf("parent directory not created: %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0700 {
			t.Errorf("parent directory mode = %04o, want 0700", mode)
		}
	})

	t.Run("refuses world-writable directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "shared")
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(dir, 0777); err != nil {
			t.Fatal(err)
		}

		pf := NewPIDFile(filepath.Join(dir, "relayd.pid"), "relayd")
		if err := pf.Acquire(1234); !errors.Is(err, ErrUnsafeDirectory) {
			t.Errorf("Acquire() error = %v, want ErrUnsafeDirectory", err)
		}
	})
}

func TestPIDFile_Release(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	pf := NewPIDFile(path, "relayd")

	if err := pf.Release(); err != nil {
		t.Errorf("Release() before Acquire error = %v", err)
	}

	if err := pf.Acquire(1234); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := pf.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still exists after Release(): %v", err)
	}

	// A released path can be taken again.
	again := NewPIDFile(path, "relayd")
	if err := again.Acquire(5678); err != nil {
		t.Errorf("Acquire() after Release error = %v", err)
	}
	again.Release()
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     int
		wantErr  error
	}{
		{"valid", "9999\n", 9999, nil},
		{"whitespace", "  42  \n", 42, nil},
		{"non-numeric", "abc", 0, ErrInvalidPID},
		{"zero", "0", 0, ErrInvalidPID},
		{"negative", "-5", 0, ErrInvalidPID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "relayd.pid")
			if err := os.WriteFile(path, []byte(tt.contents), 0600); err != nil {
				t.Fatal(err)
			}
			pid, err := NewPIDFile(path, "relayd").Read()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || pid != tt.want {
				t.Errorf("Read() = %d, %v; want %d", pid, err, tt.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewPIDFile(filepath.Join(t.TempDir(), "none.pid"), "relayd").Read()
		if !os.IsNotExist(err) {
			t.Errorf("Read() error = %v, want not-exist", err)
		}
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
