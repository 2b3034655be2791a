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

package logstatus

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sidekick/internal/log"
)

type recorder struct {
	versions []string
	ready    int
	stopping int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnVersion:  func(v string) { r.versions = append(r.versions, v) },
		OnReady:    func() { r.ready++ },
		OnStopping: func() { r.stopping++ },
	}
}

func newTestInterpreter(buf *bytes.Buffer, r *recorder, extra ...Phrase) *Interpreter {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: log.LevelTrace}))
	return New(logger, r.callbacks(), extra...)
}

func TestHandleReadyLine(t *testing.T) {
	var buf bytes.Buffer
	r := &recorder{}
	i := newTestInterpreter(&buf, r)

	i.Handle(`{"msg":"dapr initialized. Status: Running. Init Elapsed 243.003ms","level":"info","ver":"1.14.4","app_id":"orders","scope":"dapr.runtime"}`)

	assert.Equal(t, 1, r.ready)
	assert.Equal(t, 0, r.stopping)
	assert.Equal(t, []string{"1.14.4"}, r.versions)
	assert.Contains(t, buf.String(), `"app_id":"orders"`)
	assert.Contains(t, buf.String(), `"scope":"dapr.runtime"`)
	assert.NotContains(t, buf.String(), `"instance"`)
}

func TestHandleShutdownLine(t *testing.T) {
	var buf bytes.Buffer
	r := &recorder{}
	i := newTestInterpreter(&buf, r)

	i.Handle(`{"msg":"stop command issued. Shutting down all operations","level":"info"}`)

	assert.Equal(t, 1, r.stopping)
	assert.Equal(t, 0, r.ready)
}

func TestHandleUnparsableLine(t *testing.T) {
	var buf bytes.Buffer
	r := &recorder{}
	i := newTestInterpreter(&buf, r)

	i.Handle("dapr initialized. Status: Running.")

	assert.Equal(t, 0, r.ready, "raw lines never drive status")
	assert.Contains(t, buf.String(), `"msg":"dapr initialized. Status: Running."`)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestHandleUnparsableLineKeepsWhitespace(t *testing.T) {
	var buf bytes.Buffer
	i := newTestInterpreter(&buf, &recorder{})

	i.Handle("  goroutine 1 [running]:\t")

	assert.Contains(t, buf.String(), `"msg":"  goroutine 1 [running]:\t"`)
}

func TestHandleRecordWithoutMessage(t *testing.T) {
	var buf bytes.Buffer
	r := &recorder{}
	i := newTestInterpreter(&buf, r)

	i.Handle(`{"level":"error","ver":"1.0"}`)

	assert.Empty(t, r.versions)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestHandleBlankLine(t *testing.T) {
	var buf bytes.Buffer
	i := newTestInterpreter(&buf, &recorder{})

	i.Handle("   ")

	assert.Empty(t, buf.String())
}

func TestHandleKindPhrases(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		extra []Phrase
		ready bool
	}{
		{name: "placement", msg: "Placement service started on port 50005", ready: true},
		{name: "sentry", msg: "Sentry Certificate Authority is running, protecting ya'll", ready: true},
		{name: "scheduler", msg: "Running gRPC server on port 50006", ready: true},
		{name: "unrelated", msg: "loading components", ready: false},
		{name: "partial match", msg: "dapr initialized", ready: false},
		{name: "extra phrase", msg: "workflow engine online", extra: []Phrase{{"workflow", "online"}}, ready: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := &recorder{}
			i := newTestInterpreter(&buf, r, tt.extra...)

			i.Handle(`{"msg":"` + tt.msg + `"}`)

			if got := r.ready == 1; got != tt.ready {
				t.Errorf("ready = %v, want %v", got, tt.ready)
			}
		})
	}
}

func TestMapLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"fatal":   log.LevelCritical,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := MapLevel(in); got != want {
			t.Errorf("MapLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFatalRecordLoggedAtCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&log.Config{Level: "trace", Format: log.FormatJSON, Output: &buf})
	i := New(logger, Callbacks{})

	i.Handle(`{"msg":"fatal error: listen tcp :3500: bind: address already in use","level":"fatal"}`)

	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), `"level":"CRITICAL"`)
}

func TestPhraseMatches(t *testing.T) {
	assert.True(t, Phrase{"STOP", "down"}.Matches("Stop command issued, shutting down"))
	assert.False(t, Phrase{}.Matches("anything"))
	assert.False(t, ShutdownPhrase.Matches("stopping"))
}
