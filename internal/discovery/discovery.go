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

// Package discovery enumerates running OS processes by image name and
// captures their original command lines, so a supervisor can decide whether
// an already-running sidecar should be adopted instead of spawning a new one.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tombee/sidekick/internal/log"
)

// Process is a discovered OS process.
type Process struct {
	PID     int      `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline"`
}

// Finder locates running processes by image name.
type Finder interface {
	Find(ctx context.Context, imageName string) ([]Process, error)
}

// SystemFinder enumerates processes on the local host using gopsutil.
type SystemFinder struct {
	logger *slog.Logger
	self   int
}

// NewSystemFinder creates a finder for the local host.
func NewSystemFinder(logger *slog.Logger) *SystemFinder {
	if logger == nil {
		logger = log.Discard()
	}
	return &SystemFinder{
		logger: log.WithComponent(logger, "discovery"),
		self:   os.Getpid(),
	}
}

// Find returns every process whose image name matches imageName. A trailing
// ".exe" and letter case are ignored. Processes that exit during enumeration or
// whose command line cannot be read are skipped.
func (f *SystemFinder) Find(ctx context.Context, imageName string) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	want := NormalizeImageName(imageName)
	var found []Process
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if int(p.Pid) == f.self {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || NormalizeImageName(name) != want {
			continue
		}

		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			f.logger.Debug("skipping process with unreadable command line",
				slog.Int(log.PIDKey, int(p.Pid)),
				log.Error(err),
			)
			continue
		}

		found = append(found, Process{
			PID:     int(p.Pid),
			Name:    name,
			Cmdline: cmdline,
		})
	}

	f.logger.Debug("process discovery complete",
		slog.String("image", want),
		slog.Int("matches", len(found)),
	)
	return found, nil
}

// NormalizeImageName reduces a path or image name to the comparable form used
// by Find: base name, lower case, no ".exe" suffix.
func NormalizeImageName(name string) string {
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	return strings.TrimSuffix(name, ".exe")
}
