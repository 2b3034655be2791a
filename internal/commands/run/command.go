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

// Package run implements "sidekick run", which supervises one sidecar
// until interrupted.
package run

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/sidekick/internal/catalog"
	"github.com/tombee/sidekick/internal/commands/shared"
	"github.com/tombee/sidekick/internal/config"
	"github.com/tombee/sidekick/internal/daemon"
	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/tracing"
)

// Runner serves ctrl until ctx ends or a signal arrives.
type Runner func(ctx context.Context, api config.APIConfig, ctrl daemon.Controller, opts daemon.Options) error

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	return newCommand(daemon.Run)
}

func newCommand(runner Runner) *cobra.Command {
	var (
		apiAddr    string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "run <kind>",
		Short: "Start and supervise a sidecar",
		Long: `Start a dapr sidecar of the given kind with the options from the config file,
restart it after unplanned exits, and serve its status on the local API
until interrupted. An identical sidecar that is already running is attached
to instead of started twice.

With --watch, changes to the given files or directories restart the sidecar.`,
		Example: `  sidekick run daprd
  sidekick run placement --api-addr 127.0.0.1:7400
  sidekick run daprd --watch ./components`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if apiAddr != "" {
				cfg.API.Addr = apiAddr
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			if err := daemon.ValidateWatchPaths(watchPaths); err != nil {
				return shared.NewUsageError("invalid --watch path", err)
			}

			logger := shared.NewLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			client, err := shared.NewHTTPClient(logger)
			if err != nil {
				return err
			}
			entry, err := catalog.New(logger, client).Lookup(args[0])
			if err != nil {
				return err
			}

			version, _, _ := shared.GetVersion()
			provider, err := tracing.Setup(cmd.Context(), tracing.Config{
				Enabled:        cfg.Tracing.Enabled,
				ServiceName:    cfg.Tracing.ServiceName,
				ServiceVersion: version,
				SampleRatio:    cfg.Tracing.SampleRatio,
				Writer:         cmd.ErrOrStderr(),
				Exporter:       cfg.Tracing.Exporter,
				Endpoint:       cfg.Tracing.Endpoint,
				Insecure:       cfg.Tracing.Insecure,
				Headers:        cfg.Tracing.Headers,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					logger.Warn("tracing shutdown failed", log.Error(err))
				}
			}()

			ctrl := entry.Controller(cfg, client, logger)
			return runner(cmd.Context(), cfg.API, ctrl, daemon.Options{
				Logger:     logger,
				WatchPaths: watchPaths,
			})
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "Override the status API listen address")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "Restart the sidecar when this file or directory changes (repeatable)")

	return cmd
}
