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

// Package tracing configures the OpenTelemetry tracer provider used for
// sidecar initialization spans.
//
// When tracing is disabled nothing is installed and otel.Tracer returns
// the global no-op tracer. When enabled, spans are sampled by ratio and
// batched to the configured exporter: stdout, or an OTLP collector over
// gRPC or HTTP.
//
//	provider, err := tracing.Setup(ctx, tracing.Config{
//	    Enabled:     true,
//	    ServiceName: "sidekick",
//	    SampleRatio: 1,
//	})
//	if err != nil {
//	    return err
//	}
//	defer provider.Shutdown(ctx)
package tracing
