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
	"net/http"
	"time"

	"github.com/tombee/sidekick/internal/supervisor"
)

// hostService runs one sidecar host under the suture tree. It starts the
// host on Serve and stops it when the tree shuts down.
type hostService struct {
	ctrl        Controller
	logger      *slog.Logger
	stopTimeout time.Duration
}

func newHostService(ctrl Controller, logger *slog.Logger, stopTimeout time.Duration) *hostService {
	return &hostService{ctrl: ctrl, logger: logger, stopTimeout: stopTimeout}
}

// Serve implements suture.Service.
func (s *hostService) Serve(ctx context.Context) error {
	if !s.ctrl.Start(ctx) {
		return fmt.Errorf("starting %s: %w", s.ctrl.Name(), supervisor.ErrStartRejected)
	}
	s.logger.Info("sidecar host started")

	<-ctx.Done()

	// ctx is already cancelled; stopping needs a fresh deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	s.ctrl.Stop(stopCtx)
	s.logger.Info("sidecar host stopped")

	return ctx.Err()
}

func (s *hostService) String() string {
	return "host-" + s.ctrl.Name()
}

// httpServer matches the *http.Server lifecycle methods.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// httpService runs the status API server under the suture tree.
type httpService struct {
	server          httpServer
	shutdownTimeout time.Duration
}

func newHTTPService(server httpServer, shutdownTimeout time.Duration) *httpService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not a failure.
func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "status-api"
}
