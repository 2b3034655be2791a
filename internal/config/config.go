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

// Package config loads the sidekick configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/sidecar/daprd"
	"github.com/tombee/sidekick/internal/sidecar/placement"
	"github.com/tombee/sidekick/internal/sidecar/scheduler"
	"github.com/tombee/sidekick/internal/sidecar/sentry"
	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

// Config is the top level configuration. Each sidecar kind has its own
// section holding that kind's options verbatim.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	API     APIConfig     `yaml:"api"`
	Tracing TracingConfig `yaml:"tracing"`

	Daprd     daprd.Options     `yaml:"daprd"`
	Placement placement.Options `yaml:"placement"`
	Sentry    sentry.Options    `yaml:"sentry"`
	Scheduler scheduler.Options `yaml:"scheduler"`
}

// LogConfig configures the sidekick logger.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`

	// Format is json or text.
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=json text"`

	AddSource bool `yaml:"add_source,omitempty"`
}

// APIConfig configures the daemon status API.
type APIConfig struct {
	// Addr is the host:port the status API listens on.
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" validate:"min=0"`
}

// TracingConfig configures initialization spans.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty" validate:"min=0,max=1"`

	// Exporter is stdout, otlp-grpc or otlp-http.
	Exporter string            `yaml:"exporter,omitempty" validate:"omitempty,oneof=stdout otlp-grpc otlp-http"`
	Endpoint string            `yaml:"endpoint,omitempty" validate:"omitempty,hostname_port"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

const (
	DefaultAPIAddr         = "127.0.0.1:7322"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultServiceName     = "sidekick"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		API: APIConfig{
			Addr:            DefaultAPIAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Tracing: TracingConfig{
			ServiceName: DefaultServiceName,
			SampleRatio: 1.0,
			Exporter:    "stdout",
		},
	}
}

// Load reads configuration from path, then applies environment overrides.
// An empty path means the default location, where a missing file yields
// the defaults. A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, &sidekickerrors.ConfigError{
				Key:    "config_file",
				Reason: "cannot determine default config location",
				Cause:  err,
			}
		}
		path = p
	}

	if err := cfg.loadFromFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, &sidekickerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &sidekickerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a minimal file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.API.Addr == "" {
		c.API.Addr = defaults.API.Addr
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = defaults.API.ShutdownTimeout
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies SIDEKICK_* overrides. Unparseable values are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("SIDEKICK_API_ADDR"); val != "" {
		c.API.Addr = val
	}
	if val := os.Getenv("SIDEKICK_API_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.API.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("SIDEKICK_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Tracing.Enabled = b
		}
	}

	// Log settings follow the same variables as log.FromEnv.
	if val := os.Getenv("SIDEKICK_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if debug := os.Getenv("SIDEKICK_DEBUG"); debug == "true" || debug == "1" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() *log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = log.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}
