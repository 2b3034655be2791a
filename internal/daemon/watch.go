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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/supervisor"
)

const defaultWatchDebounce = 500 * time.Millisecond

// watchTarget is one watched path. Files are watched through their parent
// directory so that editors which replace the file by rename still count.
type watchTarget struct {
	dir  string
	file string // empty for a whole directory
}

func (t watchTarget) matches(name string) bool {
	if t.file == "" {
		return filepath.Dir(name) == t.dir
	}
	return name == t.file
}

// watchService restarts the sidecar when a watched file or directory
// changes. Bursts of events within the debounce window cause one restart.
type watchService struct {
	ctrl     Controller
	paths    []string
	debounce time.Duration
	logger   *slog.Logger
}

func newWatchService(ctrl Controller, paths []string, debounce time.Duration, logger *slog.Logger) *watchService {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &watchService{ctrl: ctrl, paths: paths, debounce: debounce, logger: logger}
}

// resolveTargets turns paths into watch targets. Every path must exist.
func resolveTargets(paths []string) ([]watchTarget, error) {
	targets := make([]watchTarget, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("watching %s: %w", p, err)
		}
		if info.IsDir() {
			targets = append(targets, watchTarget{dir: abs})
		} else {
			targets = append(targets, watchTarget{dir: filepath.Dir(abs), file: abs})
		}
	}
	return targets, nil
}

// ValidateWatchPaths reports the first path that cannot be watched.
func ValidateWatchPaths(paths []string) error {
	_, err := resolveTargets(paths)
	return err
}

// Serve implements suture.Service.
func (s *watchService) Serve(ctx context.Context) error {
	targets, err := resolveTargets(s.paths)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	added := make(map[string]bool)
	for _, t := range targets {
		if added[t.dir] {
			continue
		}
		if err := watcher.Add(t.dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", t.dir, err)
		}
		added[t.dir] = true
		s.logger.Debug("watching for changes", slog.String("path", t.dir))
	}

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if event.Op == fsnotify.Chmod || !matchesAny(targets, event.Name) {
				continue
			}
			changed = event.Name
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			s.logger.Warn("file watcher error", log.Error(err))

		case <-fire:
			fire = nil
			s.restart(ctx, changed)
		}
	}
}

func (s *watchService) restart(ctx context.Context, changed string) {
	s.logger.Info("watched path changed, restarting sidecar", slog.String("path", changed))
	err := s.ctrl.Restart(ctx)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrNotStarted):
		s.logger.Debug("sidecar not started, skipping restart")
	default:
		s.logger.Error("restart after change failed", log.Error(err))
	}
}

func matchesAny(targets []watchTarget, name string) bool {
	name = filepath.Clean(name)
	for _, t := range targets {
		if t.matches(name) {
			return true
		}
	}
	return false
}

func (s *watchService) String() string {
	return "watch-" + strings.Join(s.paths, ",")
}
