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

package ports

import (
	"context"
	"fmt"

	sperrors "github.com/tombee/sidekick/pkg/errors"
)

// Field declares one port-valued option of an options type T.
// A zero value returned by Get means the caller left the port unset.
type Field[T any] struct {
	// Name identifies the field in logs and errors (usually the CLI flag name).
	Name string

	// Start is the preferred port used as the scan origin when nothing else applies.
	Start int

	Get func(*T) int
	Set func(*T, int)
}

// Source records how a port value was chosen.
type Source string

const (
	SourceRetained Source = "retained"
	SourceExplicit Source = "explicit"
	SourceAssigned Source = "assigned"
	SourceDefault  Source = "default"
)

// Assignment is the resolved value of one field.
type Assignment struct {
	Field  string `json:"field"`
	Port   int    `json:"port"`
	Source Source `json:"source"`
}

// Builder resolves declared port fields for one options value.
type Builder[T any] struct {
	oracle Oracle
	fields []Field[T]
	retain bool
	force  bool
}

// NewBuilder returns a builder with port retention enabled.
func NewBuilder[T any](oracle Oracle, fields []Field[T]) *Builder[T] {
	return &Builder[T]{
		oracle: oracle,
		fields: fields,
		retain: true,
	}
}

// Retain enables or disables reuse of ports from the last successful options.
func (b *Builder[T]) Retain(retain bool) *Builder[T] {
	b.retain = retain
	return b
}

// Force switches the builder to forced mode: unset fields take their starting
// port, retention is ignored and the oracle is never consulted. This is used to
// evaluate the effective ports of a discovered process whose command line
// omitted some flags.
func (b *Builder[T]) Force() *Builder[T] {
	b.force = true
	return b
}

// Build resolves every declared field of proposed and writes the results
// back through each field's setter. last may be nil.
//
// Explicit and retained values are reserved first, so a port assigned from
// the oracle never takes a value pinned by a later field. Two explicit
// fields with the same port are a ValidationError; a retained value that
// collides with an explicit one is reassigned. Assigned fields are then
// resolved in declaration order.
func (b *Builder[T]) Build(ctx context.Context, proposed, last *T) ([]Assignment, error) {
	reserved := Set{}
	owners := make(map[int]string, len(b.fields))
	assignments := make([]Assignment, len(b.fields))
	retained := make([]int, len(b.fields))

	for i, f := range b.fields {
		if f.Start < MinPort || f.Start > MaxPort {
			return nil, &sperrors.ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("starting port %d outside %d-%d", f.Start, MinPort, MaxPort),
			}
		}

		current := f.Get(proposed)
		if current < 0 || current > MaxPort {
			return nil, &sperrors.ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("port %d outside %d-%d", current, MinPort, MaxPort),
			}
		}

		switch {
		case b.force && current == 0:
			assignments[i] = Assignment{Port: f.Start, Source: SourceDefault}
			continue
		case b.force:
			assignments[i] = Assignment{Port: current, Source: SourceExplicit}
			continue
		case current == 0:
			if b.retain && last != nil {
				retained[i] = f.Get(last)
			}
			continue
		}

		if owner, taken := owners[current]; taken {
			return nil, &sperrors.ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("port %d already assigned to %s", current, owner),
			}
		}
		owners[current] = f.Name
		reserved.Add(current)
		assignments[i] = Assignment{Port: current, Source: SourceExplicit}
	}

	if !b.force {
		for i, f := range b.fields {
			if p := retained[i]; p != 0 && !reserved.Has(p) {
				owners[p] = f.Name
				reserved.Add(p)
				assignments[i] = Assignment{Port: p, Source: SourceRetained}
			}
		}

		for i, f := range b.fields {
			if assignments[i].Port != 0 {
				continue
			}
			port := b.oracle.NextAvailable(ctx, f.Start, reserved)
			for reserved.Has(port) && port < MaxPort {
				port++
			}
			if owner, taken := owners[port]; taken {
				return nil, &sperrors.ValidationError{
					Field:   f.Name,
					Message: fmt.Sprintf("no free port from %d; %d already assigned to %s", f.Start, port, owner),
				}
			}
			owners[port] = f.Name
			reserved.Add(port)
			assignments[i] = Assignment{Port: port, Source: SourceAssigned}
		}
	}

	for i, f := range b.fields {
		assignments[i].Field = f.Name
		f.Set(proposed, assignments[i].Port)
	}
	return assignments, nil
}
