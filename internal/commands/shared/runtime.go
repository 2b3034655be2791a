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

package shared

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/sidekick/internal/config"
	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/pkg/httpclient"
)

// LoadConfig loads the file named by --config, or the default location.
func LoadConfig() (*config.Config, error) {
	return config.Load(GetConfigPath())
}

// NewLogger builds the command logger from cfg. --verbose forces debug.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lc := cfg.LoggerConfig()
	lc.Output = w
	if GetVerbose() {
		lc.Level = "debug"
	}
	return log.New(lc)
}

// NewHTTPClient returns the client used for sidecar requests. These are not
// retried; the host's circuit breaker counts their failures instead.
func NewHTTPClient(logger *slog.Logger) (*http.Client, error) {
	return newClient(logger, 0)
}

// NewAPIClient returns the client for a daemon's status API. It retries
// while the daemon is still binding its listener.
func NewAPIClient(logger *slog.Logger) (*http.Client, error) {
	return newClient(logger, httpclient.DefaultConfig().RetryAttempts)
}

func newClient(logger *slog.Logger, retries int) (*http.Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "sidekick/" + version
	cfg.Logger = logger
	cfg.RetryAttempts = retries
	return httpclient.New(cfg)
}
