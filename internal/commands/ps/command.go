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

// Package ps implements "sidekick ps", which lists dapr processes already
// running on this host.
package ps

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/sidekick/internal/catalog"
	"github.com/tombee/sidekick/internal/commands/shared"
	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/log"
	portalloc "github.com/tombee/sidekick/internal/ports"
)

// FinderFactory builds the process finder for one invocation.
type FinderFactory func(logger *slog.Logger) discovery.Finder

// Process is one row of output.
type Process struct {
	Kind string `json:"kind"`
	catalog.Inspection
}

// Response is the JSON output of the ps command.
type Response struct {
	shared.JSONResponse
	Processes []Process `json:"processes"`
}

// NewCommand creates the ps command backed by the OS process table.
func NewCommand() *cobra.Command {
	return newCommand(func(logger *slog.Logger) discovery.Finder {
		return discovery.NewSystemFinder(logger)
	})
}

func newCommand(newFinder FinderFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ps [kind]",
		Short: "List running dapr processes and their ports",
		Long: `List processes whose image name matches a sidecar kind, with the identity
and effective ports parsed from each command line. Without a kind every
supported kind is searched.`,
		Example: `  sidekick ps
  sidekick ps daprd --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			logger := log.WithComponent(shared.NewLogger(cfg, cmd.ErrOrStderr()), "ps")
			client, err := shared.NewHTTPClient(logger)
			if err != nil {
				return err
			}
			cat := catalog.New(logger, client)

			entries := cat.All()
			if len(args) == 1 {
				e, err := cat.Lookup(args[0])
				if err != nil {
					return err
				}
				entries = []catalog.Entry{e}
			}

			finder := newFinder(logger)
			processes := []Process{}
			for _, e := range entries {
				found, err := finder.Find(cmd.Context(), e.ProcessName(cfg))
				if err != nil {
					return fmt.Errorf("discovering %s processes: %w", e.Name(), err)
				}
				for _, p := range found {
					inspection, err := e.Inspect(cmd.Context(), p)
					if err != nil {
						logger.Warn("cannot parse process command line",
							slog.Int(log.PIDKey, p.PID), log.Error(err))
						continue
					}
					processes = append(processes, Process{Kind: e.Name(), Inspection: inspection})
				}
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), Response{
					JSONResponse: shared.Envelope("ps"),
					Processes:    processes,
				})
			}

			if len(processes) == 0 {
				cmd.Println(shared.RenderLabel("no dapr processes found"))
				return nil
			}

			table := shared.NewTable("KIND", "PID", "IDENTITY", "PORTS")
			for _, p := range processes {
				table.Row(p.Kind, strconv.Itoa(p.Process.PID), p.Identity, formatPorts(p.Inspection))
			}
			return table.Render(cmd.OutOrStdout())
		},
	}
}

// formatPorts renders "field=port" pairs; defaulted ports are dimmed.
func formatPorts(in catalog.Inspection) string {
	parts := make([]string, 0, len(in.Ports))
	for _, a := range in.Ports {
		pair := a.Field + "=" + strconv.Itoa(a.Port)
		if a.Source != portalloc.SourceExplicit {
			pair = shared.RenderLabel(pair)
		}
		parts = append(parts, pair)
	}
	return strings.Join(parts, " ")
}
