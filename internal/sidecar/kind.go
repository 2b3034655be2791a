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

// Package sidecar defines the per-binary capability a supervisor needs to run
// one kind of sidecar, and the options every kind shares.
//
// A kind owns the pure data transforms for its binary: defaults, declared
// ports, argument and environment mapping in both directions, the identity
// rule used to decide between attaching to and refusing a discovered process,
// and optional hooks around start and stop. The supervision engine in
// internal/supervisor is written once against Kind and never learns about
// individual binaries.
package sidecar

import (
	"context"
	"fmt"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
)

// Comparison classifies a discovered process against a proposed launch.
type Comparison int

const (
	// None means the processes have different identities.
	None Comparison = iota

	// Duplicate means same identity but an incompatible port; the binary
	// refuses two equivalent instances on one host.
	Duplicate

	// Attachable means same identity and same port; adopt the existing process.
	Attachable
)

func (c Comparison) String() string {
	switch c {
	case None:
		return "none"
	case Duplicate:
		return "duplicate"
	case Attachable:
		return "attachable"
	default:
		return fmt.Sprintf("comparison(%d)", int(c))
	}
}

// CompareIdentity implements the rule shared by every kind: processes with
// different (or unknown) logical ids are unrelated; with equal ids an equal
// port is attachable and anything else a duplicate.
func CompareIdentity(proposedID, existingID string, proposedPort, existingPort int) Comparison {
	if proposedID == "" || existingID == "" || proposedID != existingID {
		return None
	}
	if proposedPort == existingPort {
		return Attachable
	}
	return Duplicate
}

// Locations are the resolved filesystem paths of one launch.
type Locations struct {
	InitialDirectory string
	RuntimeDirectory string
	BinDirectory     string
	ProcessFile      string
	CertsDirectory   string
}

// Kind is the capability a supervisor holds for one binary type T.
type Kind[T any] interface {
	// Name is the logical kind name, for example "daprd".
	Name() string

	// Resolve returns a copy of proposed with defaults merged in.
	Resolve(proposed T) T

	// Clone returns a deep copy.
	Clone(o *T) T

	// Base exposes the shared fields the engine reads and writes.
	Base(o *T) *Options

	// Ports declares the port-valued fields in resolution order.
	Ports() []ports.Field[T]

	// AssignLocations fills kind-specific paths derived from the resolved directories.
	AssignLocations(o *T, loc Locations)

	// ToArguments renders the command line, without CustomArguments.
	ToArguments(o *T) []string

	// ToEnvironment returns the variables the binary reads.
	ToEnvironment(o *T) map[string]string

	// ParseArgument applies one parsed flag to o. Unknown names are ignored.
	ParseArgument(o *T, name, value string)

	// Identity returns the logical id two instances must not share.
	Identity(o *T) string

	// Compare classifies a discovered process. Both options have had their
	// ports resolved in forced mode.
	Compare(proposed, existing *T, p discovery.Process) Comparison

	// OnStarting runs just before spawn and may mutate o or write files.
	OnStarting(ctx context.Context, o *T) error

	// OnStopping runs before the process is signalled, to ask it to shut down cleanly.
	OnStopping(ctx context.Context, o *T)

	// HealthURL returns the binary's health endpoint, or "" if unknown.
	HealthURL(o *T) string

	// MetricsURL returns the binary's Prometheus endpoint, or "" if unknown.
	MetricsURL(o *T) string

	// ReadyPhrases are added to the interpreter's default readiness phrases.
	ReadyPhrases() []logstatus.Phrase
}

// Reconstruct rebuilds the options of a running process from its command line.
func Reconstruct[T any](kind Kind[T], cmdline []string) T {
	var zero T
	o := kind.Resolve(zero)
	ParseCommandLine(cmdline, func(name, value string) {
		kind.ParseArgument(&o, name, value)
	})
	return o
}

// LocalURL builds a loopback URL, or "" when the port is unset.
func LocalURL(port int, path string) string {
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}
