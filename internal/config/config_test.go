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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SIDEKICK_API_ADDR",
		"SIDEKICK_API_SHUTDOWN_TIMEOUT",
		"SIDEKICK_TRACING_ENABLED",
		"SIDEKICK_LOG_LEVEL",
		"SIDEKICK_DEBUG",
		"LOG_LEVEL",
		"LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
	if cfg.API.Addr != DefaultAPIAddr {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, DefaultAPIAddr)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	var cfgErr *sidekickerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
log:
  level: debug
  format: text
api:
  addr: 0.0.0.0:9000
  shutdown_timeout: 3s
tracing:
  enabled: true
daprd:
  app_id: orders
  app_port: 8080
  http_port: 3600
  log_level: warn
  restart_after_millis: -1
  environment_variables:
    FOO: bar
placement:
  id: placement-a
sentry:
  trust_domain: cluster.local
scheduler:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Addr)
	assert.Equal(t, 3*time.Second, cfg.API.ShutdownTimeout)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)

	assert.Equal(t, "orders", cfg.Daprd.AppID)
	assert.Equal(t, 8080, cfg.Daprd.AppPort)
	assert.Equal(t, 3600, cfg.Daprd.HTTPPort)
	assert.Equal(t, "warn", cfg.Daprd.LogLevel)
	require.NotNil(t, cfg.Daprd.RestartAfterMillis)
	assert.Equal(t, -1, *cfg.Daprd.RestartAfterMillis)
	assert.Equal(t, map[string]string{"FOO": "bar"}, cfg.Daprd.EnvironmentVariables)

	assert.Equal(t, "placement-a", cfg.Placement.ID)
	assert.Equal(t, "cluster.local", cfg.Sentry.TrustDomain)
	assert.False(t, cfg.Scheduler.IsEnabled())
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "api: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, "config", sidekickerrors.Type(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad addr", func(c *Config) { c.API.Addr = "nope" }, "api.addr"},
		{"empty addr", func(c *Config) { c.API.Addr = "" }, "api.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
		{"trace exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"trace endpoint", func(c *Config) { c.Tracing.Endpoint = "collector" }, "tracing.endpoint"},
		{"daprd log level", func(c *Config) { c.Daprd.LogLevel = "loud" }, "daprd.log_level"},
		{"daprd port", func(c *Config) { c.Daprd.HTTPPort = 70000 }, "daprd.http_port"},
		{"sentry port", func(c *Config) { c.Sentry.Port = -1 }, "sentry.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}

			var vErr *sidekickerrors.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Validate() = %T, want *ValidationError", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestValidateJoinsFieldErrors(t *testing.T) {
	cfg := Default()
	cfg.API.Addr = "nope"
	cfg.Daprd.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.addr")
	assert.Contains(t, err.Error(), "daprd.log_level")
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SIDEKICK_API_ADDR", "localhost:9999")
	t.Setenv("SIDEKICK_API_SHUTDOWN_TIMEOUT", "not-a-duration")
	t.Setenv("SIDEKICK_TRACING_ENABLED", "true")
	t.Setenv("SIDEKICK_DEBUG", "1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:9999", cfg.API.Addr)
	assert.Equal(t, DefaultShutdownTimeout, cfg.API.ShutdownTimeout)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.AddSource)
}

func TestLoggerConfig(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "text"
	cfg.Log.AddSource = true

	lc := cfg.LoggerConfig()
	assert.Equal(t, "info", lc.Level)
	assert.EqualValues(t, "text", lc.Format)
	assert.True(t, lc.AddSource)
	assert.NotNil(t, lc.Output)
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sidekick", "config.yaml"), got)
}
