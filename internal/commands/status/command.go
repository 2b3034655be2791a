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

// Package status implements "sidekick status", which queries a running
// sidekick's status API.
package status

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tombee/sidekick/internal/commands/shared"
	"github.com/tombee/sidekick/internal/supervisor"
)

// Response is the JSON output of the status command.
type Response struct {
	shared.JSONResponse
	Process supervisor.Info `json:"process"`
}

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running sidekick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			addr := cfg.API.Addr
			if apiAddr != "" {
				addr = apiAddr
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/v1/process", nil)
			if err != nil {
				return err
			}
			client, err := shared.NewAPIClient(shared.NewLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("sidekick is not reachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status API at %s returned %d", addr, resp.StatusCode)
			}

			var info supervisor.Info
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), Response{
					JSONResponse: shared.Envelope("status"),
					Process:      info,
				})
			}

			pid := "-"
			if info.PID != nil {
				pid = strconv.Itoa(*info.PID)
			}
			version := info.Version
			if version == "" {
				version = "-"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("kind:    "), info.Name)
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("status:  "), shared.RenderStatus(info.Status))
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("pid:     "), pid)
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("version: "), version)
			if info.Attached {
				fmt.Fprintln(out, shared.RenderWarn("attached to a process sidekick did not start"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "Status API address (default: api.addr from config)")

	return cmd
}
