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
	"os"
	"path/filepath"
	"testing"
)

// unusedPID is above any kernel pid_max.
const unusedPID = 2147483646

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning(self) = false")
	}
	if IsProcessRunning(0) {
		t.Error("IsProcessRunning(0) = true")
	}
	if IsProcessRunning(-1) {
		t.Error("IsProcessRunning(-1) = true")
	}
	if IsProcessRunning(unusedPID) {
		t.Error("IsProcessRunning(unused) = true")
	}
}

func TestIsNamedProcess(t *testing.T) {
	self := filepath.Base(os.Args[0])
	if !IsNamedProcess(os.Getpid(), self) {
		t.Errorf("IsNamedProcess(self, %q) = false", self)
	}
	if IsNamedProcess(os.Getpid(), "definitely-not-this-binary") {
		t.Error("IsNamedProcess matched an unrelated name")
	}
	if IsNamedProcess(unusedPID, self) {
		t.Error("IsNamedProcess matched a dead PID")
	}
}

func TestContainsWord(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"/usr/local/bin/relayd", true},
		{"relayd version", true},
		{"/opt/relayd-backup/tool", false},
		{"vim relayd.yaml", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := containsWord(tt.cmd, "relayd"); got != tt.want {
			t.Errorf("containsWord(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}
