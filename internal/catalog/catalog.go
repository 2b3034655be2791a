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

// Package catalog lists the supported sidecar kinds and exposes each one
// through a kind-independent Entry bound to its configuration section.
package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/tombee/sidekick/internal/config"
	"github.com/tombee/sidekick/internal/daemon"
	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/host"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
	"github.com/tombee/sidekick/internal/sidecar/daprd"
	"github.com/tombee/sidekick/internal/sidecar/placement"
	"github.com/tombee/sidekick/internal/sidecar/scheduler"
	"github.com/tombee/sidekick/internal/sidecar/sentry"
	"github.com/tombee/sidekick/internal/supervisor"
	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

// Entry is one kind with its options type erased.
type Entry interface {
	Name() string

	// ProcessName is the image name discovery searches for.
	ProcessName(cfg *config.Config) string

	// Controller builds a host whose accessor reads cfg on every Start.
	Controller(cfg *config.Config, client *http.Client, logger *slog.Logger, opts ...supervisor.Option) daemon.Controller

	// Ports resolves the configured ports against oracle without
	// starting anything.
	Ports(ctx context.Context, cfg *config.Config, oracle ports.Oracle) ([]ports.Assignment, error)

	// Inspect reconstructs a discovered process's options and reports its
	// identity and effective ports.
	Inspect(ctx context.Context, p discovery.Process) (Inspection, error)
}

// Inspection describes one discovered process.
type Inspection struct {
	Process  discovery.Process  `json:"process"`
	Identity string             `json:"identity,omitempty"`
	Ports    []ports.Assignment `json:"ports"`
}

type entry[T any] struct {
	kind    sidecar.Kind[T]
	section func(*config.Config) *T
}

func (e *entry[T]) Name() string { return e.kind.Name() }

func (e *entry[T]) ProcessName(cfg *config.Config) string {
	o := e.kind.Resolve(*e.section(cfg))
	return e.kind.Base(&o).ProcessName
}

func (e *entry[T]) Controller(cfg *config.Config, client *http.Client, logger *slog.Logger, opts ...supervisor.Option) daemon.Controller {
	h := host.New(e.kind, client, logger, opts...)
	return daemon.Bind(h, func() T { return e.kind.Clone(e.section(cfg)) })
}

func (e *entry[T]) Ports(ctx context.Context, cfg *config.Config, oracle ports.Oracle) ([]ports.Assignment, error) {
	o := e.kind.Resolve(*e.section(cfg))
	return ports.NewBuilder(oracle, e.kind.Ports()).Retain(false).Build(ctx, &o, nil)
}

func (e *entry[T]) Inspect(ctx context.Context, p discovery.Process) (Inspection, error) {
	o := sidecar.Reconstruct(e.kind, p.Cmdline)
	// Forced builds never consult the oracle.
	assignments, err := ports.NewBuilder(nil, e.kind.Ports()).Force().Build(ctx, &o, nil)
	if err != nil {
		return Inspection{}, err
	}
	return Inspection{Process: p, Identity: e.kind.Identity(&o), Ports: assignments}, nil
}

// Catalog holds one entry per kind.
type Catalog struct {
	entries map[string]Entry
}

// New builds the catalog. logger and client are passed to kinds that call
// their sidecar during shutdown.
func New(logger *slog.Logger, client *http.Client) *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	c.add(&entry[daprd.Options]{
		kind:    daprd.New(logger, client),
		section: func(cfg *config.Config) *daprd.Options { return &cfg.Daprd },
	})
	c.add(&entry[placement.Options]{
		kind:    placement.New(),
		section: func(cfg *config.Config) *placement.Options { return &cfg.Placement },
	})
	c.add(&entry[sentry.Options]{
		kind:    sentry.New(),
		section: func(cfg *config.Config) *sentry.Options { return &cfg.Sentry },
	})
	c.add(&entry[scheduler.Options]{
		kind:    scheduler.New(),
		section: func(cfg *config.Config) *scheduler.Options { return &cfg.Scheduler },
	})
	return c
}

func (c *Catalog) add(e Entry) {
	c.entries[e.Name()] = e
}

// Names returns the kind names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, &sidekickerrors.NotFoundError{Resource: "kind", ID: name}
	}
	return e, nil
}

// All returns every entry in name order.
func (c *Catalog) All() []Entry {
	names := c.Names()
	all := make([]Entry, 0, len(names))
	for _, name := range names {
		all = append(all, c.entries[name])
	}
	return all
}
