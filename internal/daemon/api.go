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
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/supervisor"
	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

const metricsContentType = "text/plain; version=0.0.4; charset=utf-8"

// NewRouter builds the status API for one controller. gatherer backs
// /sidekick/metrics and defaults to the default Prometheus registry.
func NewRouter(ctrl Controller, logger *slog.Logger, gatherer prometheus.Gatherer) http.Handler {
	if logger == nil {
		logger = log.Discard()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	a := &api{ctrl: ctrl, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(log.Middleware(logger))

	r.Get("/healthz", a.health)
	r.Get("/metrics", a.metrics)
	r.Handle("/sidekick/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/process", a.process)
		r.Get("/options", a.options)
		r.Post("/restart", a.restart)
	})

	return r
}

type api struct {
	ctrl   Controller
	logger *slog.Logger
}

func (a *api) process(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.ProcessInfo())
}

func (a *api) options(w http.ResponseWriter, _ *http.Request) {
	opts := a.ctrl.ProcessOptions()
	if opts == nil {
		writeError(w, http.StatusNotFound, &sidekickerrors.NotFoundError{Resource: "options", ID: a.ctrl.Name()})
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (a *api) restart(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Restart(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.ctrl.ProcessInfo())
	case errors.Is(err, supervisor.ErrNotStarted), errors.Is(err, supervisor.ErrStartRejected):
		writeError(w, http.StatusConflict, err)
	default:
		a.logger.Error("restart failed", log.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	result := a.ctrl.CheckHealth(r.Context())
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// metrics buffers the relayed payload so a failed relay can still report 502.
func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := a.ctrl.WriteMetrics(r.Context(), &buf); err != nil {
		a.logger.Debug("metrics relay failed", log.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", metricsContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		a.logger.Debug("metrics write failed", log.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Type: sidekickerrors.Type(err)})
}
