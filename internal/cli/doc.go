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
Package cli provides the root command for relayd.

The root command runs the daemon: it loads configuration, installs signal
handling and hands over to the orchestrator. Errors are mapped to exit
codes here so main only has to report them.

# Command Tree

	relayd
	└── version       Show version

# Exit Codes

	0  normal shutdown, or the daily restart in exit mode
	1  fatal runtime error
	2  invalid configuration or identifier, before any side effect
	3  another instance holds the PID file
*/
package cli
