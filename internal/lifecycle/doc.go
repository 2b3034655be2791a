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

// Package lifecycle wraps a single supervised OS process.
//
// A Process spawns a binary without a shell, streams its combined stdout and
// stderr line by line, and stops it gracefully: SIGTERM to the process group,
// a bounded wait, then SIGKILL. Termination that was not requested through Stop
// is reported once through StartOptions.OnExit.
//
//	proc := lifecycle.New(logger)
//	err := proc.Start(ctx, lifecycle.StartOptions{
//	    Binary:   "/home/me/.dapr/bin/daprd",
//	    Args:     []string{"--app-id", "orders"},
//	    OnOutput: interpreter.Handle,
//	    OnExit:   func(err error) { armRestart(err) },
//	})
//	defer proc.Stop(ctx, 10*time.Second)
//
// # Attached processes
//
// When a supervisor adopts a process it did not start, Attach returns a handle
// whose Stop only drops the reference; the OS process is never signalled.
package lifecycle
