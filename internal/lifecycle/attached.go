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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/sidekick/internal/log"
)

// Attached is a handle on a process this supervisor adopted rather than
// spawned. Stop detaches; it never signals the process.
type Attached struct {
	logger *slog.Logger
	alive  func(pid int) bool

	mu  sync.Mutex
	pid int
}

// Attach wraps an existing OS process.
func Attach(pid int, logger *slog.Logger) *Attached {
	if logger == nil {
		logger = log.Discard()
	}
	return &Attached{
		logger: logger,
		alive:  IsProcessRunning,
		pid:    pid,
	}
}

// PID returns the adopted process id, or 0 after Stop.
func (a *Attached) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid
}

// IsRunning reports whether the adopted process still exists.
func (a *Attached) IsRunning() bool {
	pid := a.PID()
	return pid > 0 && a.alive(pid)
}

// Stop drops the reference to the adopted process.
func (a *Attached) Stop(_ context.Context, _ time.Duration) {
	a.mu.Lock()
	pid := a.pid
	a.pid = 0
	a.mu.Unlock()

	if pid > 0 {
		a.logger.Info("detached from process", slog.Int(log.PIDKey, pid))
	}
}
