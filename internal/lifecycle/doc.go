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

/*
Package lifecycle launches and signals the relay process and guards against a
second relayd instance.

# Launching

ExecLauncher starts a Command as a child process with its standard streams
discarded. The child runs in its own process group so terminal signals reach
relayd only; relayd decides when the child stops:

	launcher := lifecycle.NewExecLauncher()
	proc, err := launcher.Launch(ctx, lifecycle.Command{
	    Path: "./tuic-server",
	    Args: []string{"-c", "server.toml"},
	    Dir:  workDir,
	})

Launcher and Process are interfaces so callers can substitute fakes.

# PID File

PIDFile takes an exclusive, locked PID file. A leftover file whose PID no
longer names a live relayd process is treated as stale and replaced:

	pf := lifecycle.NewPIDFile(filepath.Join(workDir, "relayd.pid"), "relayd")
	if err := pf.Acquire(os.Getpid()); err != nil {
	    // errors.Is(err, lifecycle.ErrAlreadyRunning)
	}
	defer pf.Release()
*/
package lifecycle
