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

package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetupDisabled(t *testing.T) {
	restoreGlobal(t)
	before := otel.GetTracerProvider()

	p, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.ForceFlush(context.Background()))
}

func TestSetupExportsSpans(t *testing.T) {
	restoreGlobal(t)

	var out bytes.Buffer
	memory := tracetest.NewInMemoryExporter()
	p, err := Setup(context.Background(), Config{
		Enabled:     true,
		ServiceName: "sidekick-test",
		SampleRatio: 1,
		Writer:      &out,
	}, sdktrace.WithSyncer(memory))
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := otel.Tracer("test").Start(context.Background(), "sidecar.initialize")
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))

	spans := memory.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "sidecar.initialize", spans[0].Name)
	assert.Contains(t, out.String(), "sidecar.initialize")
	assert.Contains(t, out.String(), "sidekick-test")

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupZeroRatioDropsRootSpans(t *testing.T) {
	restoreGlobal(t)

	var out bytes.Buffer
	memory := tracetest.NewInMemoryExporter()
	p, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "sidekick", Writer: &out}, sdktrace.WithSyncer(memory))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dropped")
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Empty(t, memory.GetSpans())
	assert.Empty(t, out.String())
	require.NoError(t, p.Shutdown(context.Background()))
}
