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

// Package daemon runs one sidecar host and its status API under a suture
// supervisor tree.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tombee/sidekick/internal/config"
	"github.com/tombee/sidekick/internal/log"
)

// Options configures a Daemon.
type Options struct {
	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Gatherer backs /sidekick/metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// StopTimeout bounds sidecar shutdown when the tree stops.
	// Default: the sidecar grace period plus the kill wait, 20s.
	StopTimeout time.Duration

	// WatchPaths are files or directories whose changes restart the
	// sidecar. None are watched by default.
	WatchPaths []string

	// WatchDebounce coalesces bursts of changes. Default: 500ms
	WatchDebounce time.Duration
}

const defaultStopTimeout = 20 * time.Second

// Daemon owns the supervisor tree.
type Daemon struct {
	root   *suture.Supervisor
	server *http.Server
	logger *slog.Logger
}

// New builds the tree: the host service first, then the status API, then
// the file watcher when paths are configured.
func New(api config.APIConfig, ctrl Controller, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	logger = log.WithComponent(logger, "daemon")

	handler := &sutureslog.Handler{Logger: logger}
	root := suture.New("sidekick", suture.Spec{
		EventHook: handler.MustHook(),
		// The tree must outlast the sidecar's own stop sequence.
		Timeout: stopTimeout + api.ShutdownTimeout,
	})

	server := &http.Server{
		Addr:              api.Addr,
		Handler:           NewRouter(ctrl, log.WithComponent(logger, "api"), opts.Gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	root.Add(newHostService(ctrl, log.WithKind(logger, ctrl.Name()), stopTimeout))
	root.Add(newHTTPService(server, api.ShutdownTimeout))
	if len(opts.WatchPaths) > 0 {
		root.Add(newWatchService(ctrl, opts.WatchPaths, opts.WatchDebounce, log.WithComponent(logger, "watch")))
	}

	return &Daemon{root: root, server: server, logger: logger}
}

// Serve blocks until ctx is cancelled and the tree has stopped.
func (d *Daemon) Serve(ctx context.Context) error {
	d.logger.Info("daemon starting", slog.String("addr", d.server.Addr))
	err := d.root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

// Run serves until SIGINT or SIGTERM.
func Run(ctx context.Context, api config.APIConfig, ctrl Controller, opts Options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return New(api, ctrl, opts).Serve(ctx)
}
