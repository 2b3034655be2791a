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
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/net"
	"golang.org/x/time/rate"

	"github.com/tombee/sidekick/internal/log"
)

const (
	// MinPort is the lowest assignable port.
	MinPort = 1
	// MaxPort is the highest assignable port.
	MaxPort = 65535

	queryTimeout = 5 * time.Second
)

// Set is a set of port numbers.
type Set map[int]struct{}

// Add inserts a port into the set.
func (s Set) Add(port int) { s[port] = struct{}{} }

// Has reports whether port is in the set.
func (s Set) Has(port int) bool {
	_, ok := s[port]
	return ok
}

// Oracle reports free ports on the local host.
type Oracle interface {
	// NextAvailable returns the lowest port >= start that is neither bound on the
	// host nor contained in exclude.
	NextAvailable(ctx context.Context, start int, exclude Set) int
}

// SystemOracle queries live TCP and UDP bindings through gopsutil.
// When the query is unsupported or fails it degrades to returning the
// requested starting port unchanged.
type SystemOracle struct {
	logger    *slog.Logger
	listBound func(ctx context.Context) (Set, error)
	warn      rate.Sometimes
}

// NewSystemOracle creates an oracle backed by the host's connection table.
func NewSystemOracle(logger *slog.Logger) *SystemOracle {
	if logger == nil {
		logger = log.Discard()
	}
	return &SystemOracle{
		logger:    log.WithComponent(logger, "ports"),
		listBound: hostBoundPorts,
		warn:      rate.Sometimes{Interval: time.Minute},
	}
}

// NextAvailable implements Oracle.
func (o *SystemOracle) NextAvailable(ctx context.Context, start int, exclude Set) int {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	bound, err := o.listBound(ctx)
	if err != nil {
		o.warn.Do(func() {
			o.logger.Warn("port query unsupported, using requested ports unchanged", log.Error(err))
		})
		return start
	}

	port := lowestFree(start, bound, exclude)
	log.Trace(o.logger, "resolved free port",
		slog.Int("start", start),
		slog.Int("port", port),
		slog.Int("bound", len(bound)),
	)
	return port
}

// lowestFree scans upward from start. If every port up to MaxPort is taken
// the starting port is returned so the sidecar reports the bind failure itself.
func lowestFree(start int, bound, exclude Set) int {
	for port := start; port <= MaxPort; port++ {
		if bound.Has(port) || exclude.Has(port) {
			continue
		}
		return port
	}
	return start
}

// hostBoundPorts collects every local port held by a TCP or UDP socket.
func hostBoundPorts(ctx context.Context) (Set, error) {
	bound := Set{}
	for _, kind := range []string{"tcp", "udp"} {
		conns, err := net.ConnectionsWithContext(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			if c.Laddr.Port != 0 {
				bound.Add(int(c.Laddr.Port))
			}
		}
	}
	return bound, nil
}
