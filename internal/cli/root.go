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

// Package cli builds the sidekick root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/sidekick/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for sidekick
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sidekick",
		Short: "sidekick - run and supervise dapr sidecar processes",
		Long: `sidekick launches a dapr binary (daprd, placement, sentry or scheduler)
next to your application, assigns its ports, restarts it when it exits, and
serves its status, health and metrics over a local HTTP API.

Run 'sidekick run daprd' to start a sidecar from your config file.
Run 'sidekick ps' to list dapr processes already running on this host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/sidekick/config.yaml)")

	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
