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

// Package logstatus infers sidecar lifecycle status from its log output.
//
// Dapr binaries offer no readiness callback, so the only signal that a
// process finished starting is the wording of its own log lines. Every line is
// decoded as a JSON record, re-logged through slog at the mapped level, and
// matched against phrase rules. Phrasing differs between binary versions;
// a missed phrase leaves the status at Starting rather than guessing.
package logstatus

import (
	"context"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tombee/sidekick/internal/log"
)

// Record is one structured log line written by a dapr binary.
type Record struct {
	Msg      string `json:"msg"`
	Level    string `json:"level"`
	Ver      string `json:"ver"`
	AppID    string `json:"app_id"`
	Instance string `json:"instance"`
	Scope    string `json:"scope"`
	Time     string `json:"time"`
	Type     string `json:"type"`
}

// Phrase matches a message containing every one of its parts, in any
// order and case.
type Phrase []string

// Matches reports whether msg contains all parts of p.
func (p Phrase) Matches(msg string) bool {
	if len(p) == 0 {
		return false
	}
	lower := strings.ToLower(msg)
	for _, part := range p {
		if !strings.Contains(lower, strings.ToLower(part)) {
			return false
		}
	}
	return true
}

// DefaultReadyPhrases signal that a binary has finished starting.
var DefaultReadyPhrases = []Phrase{
	{"initialized", "running"},
	{"placement", "started", "port"},
	{"sentry", "running"},
	{"running grpc server"},
}

// ShutdownPhrase signals that a binary has begun shutting down.
var ShutdownPhrase = Phrase{"stop", "shutting", "down"}

// Callbacks receive the events inferred from output. Any may be nil.
type Callbacks struct {
	OnVersion  func(version string)
	OnReady    func()
	OnStopping func()
}

// Interpreter handles the output of one process run.
type Interpreter struct {
	logger    *slog.Logger
	ready     []Phrase
	callbacks Callbacks
}

// New creates an interpreter matching the default ready phrases plus extra.
func New(logger *slog.Logger, callbacks Callbacks, extra ...Phrase) *Interpreter {
	if logger == nil {
		logger = log.Discard()
	}
	ready := make([]Phrase, 0, len(DefaultReadyPhrases)+len(extra))
	ready = append(ready, DefaultReadyPhrases...)
	ready = append(ready, extra...)
	return &Interpreter{
		logger:    logger,
		ready:     ready,
		callbacks: callbacks,
	}
}

// Handle processes one output line. It never fails: a line that is not a
// JSON record is logged verbatim at Info and otherwise ignored.
func (i *Interpreter) Handle(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil || rec.Msg == "" {
		i.logger.Info(line)
		return
	}

	i.logger.LogAttrs(context.Background(), MapLevel(rec.Level), rec.Msg, rec.attrs()...)

	if rec.Ver != "" && i.callbacks.OnVersion != nil {
		i.callbacks.OnVersion(rec.Ver)
	}

	switch {
	case ShutdownPhrase.Matches(rec.Msg):
		if i.callbacks.OnStopping != nil {
			i.callbacks.OnStopping()
		}
	case i.isReady(rec.Msg):
		if i.callbacks.OnReady != nil {
			i.callbacks.OnReady()
		}
	}
}

func (i *Interpreter) isReady(msg string) bool {
	for _, p := range i.ready {
		if p.Matches(msg) {
			return true
		}
	}
	return false
}

// attrs returns the non-empty context fields of the record.
func (r Record) attrs() []slog.Attr {
	fields := []struct{ key, value string }{
		{"ver", r.Ver},
		{"app_id", r.AppID},
		{"instance", r.Instance},
		{"scope", r.Scope},
		{"log_time", r.Time},
		{"type", r.Type},
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		if f.value != "" {
			attrs = append(attrs, slog.String(f.key, f.value))
		}
	}
	return attrs
}

// MapLevel converts a dapr log level to a slog level.
func MapLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return log.LevelCritical
	default:
		return slog.LevelInfo
	}
}
