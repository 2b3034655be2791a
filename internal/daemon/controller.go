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
	"io"

	"github.com/tombee/sidekick/internal/host"
	"github.com/tombee/sidekick/internal/supervisor"
)

// Controller is the kind-independent view of a host the daemon serves.
type Controller interface {
	Name() string
	Start(ctx context.Context) bool
	Stop(ctx context.Context)
	Restart(ctx context.Context) error
	ProcessInfo() supervisor.Info

	// ProcessOptions returns the last successful options, or nil.
	ProcessOptions() any

	CheckHealth(ctx context.Context) host.HealthResult
	WriteMetrics(ctx context.Context, w io.Writer) error
}

// Bind adapts a typed host and the accessor its Start calls into a Controller.
func Bind[T any](h *host.Host[T], accessor func() T) Controller {
	return &bound[T]{host: h, accessor: accessor}
}

type bound[T any] struct {
	host     *host.Host[T]
	accessor func() T
}

func (b *bound[T]) Name() string { return b.host.Name() }

func (b *bound[T]) Start(ctx context.Context) bool {
	return b.host.Start(ctx, b.accessor)
}

func (b *bound[T]) Stop(ctx context.Context) { b.host.Stop(ctx) }

func (b *bound[T]) Restart(ctx context.Context) error { return b.host.Restart(ctx) }

func (b *bound[T]) ProcessInfo() supervisor.Info { return b.host.ProcessInfo() }

func (b *bound[T]) ProcessOptions() any {
	opts := b.host.ProcessOptions()
	if opts == nil {
		return nil
	}
	return opts
}

func (b *bound[T]) CheckHealth(ctx context.Context) host.HealthResult {
	return b.host.CheckHealth(ctx)
}

func (b *bound[T]) WriteMetrics(ctx context.Context, w io.Writer) error {
	return b.host.WriteMetrics(ctx, w)
}
