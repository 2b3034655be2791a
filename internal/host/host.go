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

// Package host owns the supervisor of one sidecar and relays requests to the
// sidecar's own health and metrics endpoints.
package host

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/sidecar"
	"github.com/tombee/sidekick/internal/supervisor"
)

// Host holds zero or one Supervisor. Every Start replaces it, so the
// last successful options of a stopped sidecar are not reused by the next
// Start.
type Host[T any] struct {
	kind    sidecar.Kind[T]
	logger  *slog.Logger
	client  *Client
	options []supervisor.Option

	// mu serializes Start, Stop and Restart. Readers load sup without it
	// and may observe a transition in progress.
	mu  sync.Mutex
	sup atomic.Pointer[supervisor.Supervisor[T]]
}

// New creates a host for kind. opts are passed to every Supervisor it creates.
func New[T any](kind sidecar.Kind[T], httpClient *http.Client, logger *slog.Logger, opts ...supervisor.Option) *Host[T] {
	if logger == nil {
		logger = log.Discard()
	}
	return &Host[T]{
		kind:    kind,
		logger:  logger,
		client:  NewClient("sidekick-"+kind.Name(), httpClient, log.WithKind(logger, kind.Name())),
		options: append([]supervisor.Option{supervisor.WithLogger(logger)}, opts...),
	}
}

// Name returns the kind name.
func (h *Host[T]) Name() string {
	return h.kind.Name()
}

// Start stops any existing supervisor and starts a new one.
func (h *Host[T]) Start(ctx context.Context, accessor func() T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := h.sup.Load(); prev != nil {
		prev.Stop(ctx)
	}
	sup := supervisor.New(h.kind, h.options...)
	h.sup.Store(sup)
	return sup.Start(accessor)
}

// Stop stops the sidecar and releases the supervisor.
func (h *Host[T]) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sup := h.sup.Load()
	if sup == nil {
		return
	}
	sup.Stop(ctx)
	h.sup.Store(nil)
}

// Restart restarts the current supervisor, retaining its ports.
func (h *Host[T]) Restart(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sup := h.sup.Load()
	if sup == nil {
		return supervisor.ErrNotStarted
	}
	return sup.Restart(ctx)
}

func (h *Host[T]) current() *supervisor.Supervisor[T] {
	return h.sup.Load()
}

// ProcessInfo returns the supervisor's snapshot, or a stopped placeholder.
func (h *Host[T]) ProcessInfo() supervisor.Info {
	sup := h.current()
	if sup == nil {
		return supervisor.Info{Name: h.kind.Name(), Status: supervisor.StatusStopped}
	}
	return sup.Info()
}

// ProcessOptions returns the last successful options, or nil.
func (h *Host[T]) ProcessOptions() *T {
	sup := h.current()
	if sup == nil {
		return nil
	}
	return sup.LastSuccessfulOptions()
}

// CheckHealth queries the sidecar's health endpoint.
func (h *Host[T]) CheckHealth(ctx context.Context) HealthResult {
	url, err := h.endpoint(h.kind.HealthURL)
	if err != nil {
		return HealthResult{Error: err.Error()}
	}
	return h.client.Health(ctx, url)
}

// WriteMetrics relays the sidecar's metrics payload to w.
func (h *Host[T]) WriteMetrics(ctx context.Context, w io.Writer) error {
	url, err := h.endpoint(h.kind.MetricsURL)
	if err != nil {
		return err
	}
	return h.client.CopyMetrics(ctx, url, w)
}

// WaitUntilHealthy blocks until the sidecar's health endpoint succeeds.
func (h *Host[T]) WaitUntilHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The endpoint is only known once the sidecar has started.
	for {
		url, err := h.endpoint(h.kind.HealthURL)
		if err == nil {
			return h.client.WaitUntilHealthy(ctx, url, timeout)
		}
		select {
		case <-ctx.Done():
			return ErrHealthCheckTimeout
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (h *Host[T]) endpoint(urlFor func(*T) string) (string, error) {
	opts := h.ProcessOptions()
	if opts == nil {
		return "", ErrNoEndpoint
	}
	url := urlFor(opts)
	if url == "" {
		return "", ErrNoEndpoint
	}
	return url, nil
}
