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

// Package ports implements "sidekick ports", a dry run of port assignment.
package ports

import (
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tombee/sidekick/internal/catalog"
	"github.com/tombee/sidekick/internal/commands/shared"
	"github.com/tombee/sidekick/internal/log"
	portalloc "github.com/tombee/sidekick/internal/ports"
)

// OracleFactory builds the port oracle for one invocation.
type OracleFactory func(logger *slog.Logger) portalloc.Oracle

// Response is the JSON output of the ports command.
type Response struct {
	shared.JSONResponse
	Kind  string                 `json:"kind"`
	Ports []portalloc.Assignment `json:"ports"`
}

// NewCommand creates the ports command backed by the host's listening ports.
func NewCommand() *cobra.Command {
	return newCommand(func(logger *slog.Logger) portalloc.Oracle {
		return portalloc.NewSystemOracle(logger)
	})
}

func newCommand(newOracle OracleFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ports <kind>",
		Short: "Show the ports a sidecar would be started with",
		Long: `Resolve the configured ports of a sidecar kind the way "sidekick run" would,
without starting anything. Unset ports are assigned from the first free port
at or above each field's default.`,
		Example: `  sidekick ports daprd
  sidekick ports placement --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			logger := log.WithComponent(shared.NewLogger(cfg, cmd.ErrOrStderr()), "ports")

			client, err := shared.NewHTTPClient(logger)
			if err != nil {
				return err
			}
			entry, err := catalog.New(logger, client).Lookup(args[0])
			if err != nil {
				return err
			}

			assignments, err := entry.Ports(cmd.Context(), cfg, newOracle(logger))
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), Response{
					JSONResponse: shared.Envelope("ports"),
					Kind:         entry.Name(),
					Ports:        assignments,
				})
			}

			table := shared.NewTable("FIELD", "PORT", "SOURCE")
			for _, a := range assignments {
				table.Row(a.Field, strconv.Itoa(a.Port), shared.RenderLabel(string(a.Source)))
			}
			return table.Render(cmd.OutOrStdout())
		},
	}
}
