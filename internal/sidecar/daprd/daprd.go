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

// Package daprd maps options for the dapr data-plane sidecar.
package daprd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
)

// Name is the kind and default image name.
const Name = "daprd"

const (
	DefaultHTTPPort         = 3500
	DefaultGRPCPort         = 50001
	DefaultInternalGRPCPort = 50002
	DefaultMetricsPort      = 9090
	DefaultProfilePort      = 7777

	// APITokenHeader carries the API token on requests to the sidecar.
	APITokenHeader = "dapr-api-token"

	shutdownTimeout = 5 * time.Second
)

// Options configures one daprd instance.
type Options struct {
	sidecar.Options `yaml:",inline"`

	AppID             string `yaml:"app_id,omitempty" json:"app_id,omitempty"`
	AppPort           int    `yaml:"app_port,omitempty" json:"app_port,omitempty" validate:"omitempty,min=1,max=65535"`
	AppProtocol       string `yaml:"app_protocol,omitempty" json:"app_protocol,omitempty" validate:"omitempty,oneof=http grpc https grpcs h2c"`
	AppChannelAddress string `yaml:"app_channel_address,omitempty" json:"app_channel_address,omitempty"`
	AppMaxConcurrency int    `yaml:"app_max_concurrency,omitempty" json:"app_max_concurrency,omitempty"`

	HTTPPort         int `yaml:"http_port,omitempty" json:"http_port,omitempty" validate:"omitempty,min=1,max=65535"`
	GRPCPort         int `yaml:"grpc_port,omitempty" json:"grpc_port,omitempty" validate:"omitempty,min=1,max=65535"`
	InternalGRPCPort int `yaml:"internal_grpc_port,omitempty" json:"internal_grpc_port,omitempty" validate:"omitempty,min=1,max=65535"`
	MetricsPort      int `yaml:"metrics_port,omitempty" json:"metrics_port,omitempty" validate:"omitempty,min=1,max=65535"`
	ProfilePort      int `yaml:"profile_port,omitempty" json:"profile_port,omitempty" validate:"omitempty,min=1,max=65535"`

	EnableMetrics   *bool `yaml:"enable_metrics,omitempty" json:"enable_metrics,omitempty"`
	EnableProfiling bool  `yaml:"enable_profiling,omitempty" json:"enable_profiling,omitempty"`
	EnableMTLS      bool  `yaml:"enable_mtls,omitempty" json:"enable_mtls,omitempty"`

	Mode                 string `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=standalone kubernetes"`
	ResourcesPath        string `yaml:"resources_path,omitempty" json:"resources_path,omitempty"`
	ConfigFile           string `yaml:"config_file,omitempty" json:"config_file,omitempty"`
	PlacementHostAddress string `yaml:"placement_host_address,omitempty" json:"placement_host_address,omitempty"`
	SchedulerHostAddress string `yaml:"scheduler_host_address,omitempty" json:"scheduler_host_address,omitempty"`
	SentryAddress        string `yaml:"sentry_address,omitempty" json:"sentry_address,omitempty"`

	// Tokens are passed through the environment, never on the command line.
	APIToken    string `yaml:"api_token,omitempty" json:"-"`
	AppAPIToken string `yaml:"app_api_token,omitempty" json:"-"`
}

// Kind implements sidecar.Kind for daprd.
type Kind struct {
	logger *slog.Logger
	client *http.Client
}

var _ sidecar.Kind[Options] = (*Kind)(nil)

// New creates the daprd kind. client is used for the shutdown request and
// defaults to a client with a short timeout.
func New(logger *slog.Logger, client *http.Client) *Kind {
	if logger == nil {
		logger = log.Discard()
	}
	if client == nil {
		client = &http.Client{Timeout: shutdownTimeout}
	}
	return &Kind{logger: logger, client: client}
}

func (k *Kind) Name() string { return Name }

func (k *Kind) Resolve(proposed Options) Options {
	o := k.Clone(&proposed)
	o.ApplyDefaults(Name)
	if o.Mode == "" {
		o.Mode = "standalone"
	}
	return o
}

func (k *Kind) Clone(o *Options) Options {
	c := *o
	c.Options = o.Options.Clone()
	if o.EnableMetrics != nil {
		c.EnableMetrics = sidecar.Ptr(*o.EnableMetrics)
	}
	return c
}

func (k *Kind) Base(o *Options) *sidecar.Options { return &o.Options }

func (k *Kind) Ports() []ports.Field[Options] {
	return []ports.Field[Options]{
		{
			Name:  "dapr-http-port",
			Start: DefaultHTTPPort,
			Get:   func(o *Options) int { return o.HTTPPort },
			Set:   func(o *Options, p int) { o.HTTPPort = p },
		},
		{
			Name:  "dapr-grpc-port",
			Start: DefaultGRPCPort,
			Get:   func(o *Options) int { return o.GRPCPort },
			Set:   func(o *Options, p int) { o.GRPCPort = p },
		},
		{
			Name:  "dapr-internal-grpc-port",
			Start: DefaultInternalGRPCPort,
			Get:   func(o *Options) int { return o.InternalGRPCPort },
			Set:   func(o *Options, p int) { o.InternalGRPCPort = p },
		},
		{
			Name:  "metrics-port",
			Start: DefaultMetricsPort,
			Get:   func(o *Options) int { return o.MetricsPort },
			Set:   func(o *Options, p int) { o.MetricsPort = p },
		},
		{
			Name:  "profile-port",
			Start: DefaultProfilePort,
			Get:   func(o *Options) int { return o.ProfilePort },
			Set:   func(o *Options, p int) { o.ProfilePort = p },
		},
	}
}

func (k *Kind) AssignLocations(o *Options, loc sidecar.Locations) {
	if o.ResourcesPath == "" {
		o.ResourcesPath = filepath.Join(loc.RuntimeDirectory, "components")
	}
	if o.ConfigFile == "" {
		config := filepath.Join(loc.RuntimeDirectory, "config.yaml")
		if _, err := os.Stat(config); err == nil {
			o.ConfigFile = config
		}
	}
}

func (k *Kind) ToArguments(o *Options) []string {
	var b sidecar.ArgumentBuilder
	b.Add("app-id", o.AppID).
		AddInt("app-port", o.AppPort).
		Add("app-protocol", o.AppProtocol).
		Add("app-channel-address", o.AppChannelAddress).
		AddInt("app-max-concurrency", o.AppMaxConcurrency).
		AddInt("dapr-http-port", o.HTTPPort).
		AddInt("dapr-grpc-port", o.GRPCPort).
		AddInt("dapr-internal-grpc-port", o.InternalGRPCPort).
		AddInt("metrics-port", o.MetricsPort).
		AddInt("profile-port", o.ProfilePort).
		AddBool("enable-metrics", o.EnableMetrics).
		AddFlag("enable-profiling", o.EnableProfiling).
		AddFlag("enable-mtls", o.EnableMTLS).
		Add("mode", o.Mode).
		Add("resources-path", o.ResourcesPath).
		Add("config", o.ConfigFile).
		Add("placement-host-address", o.PlacementHostAddress).
		Add("scheduler-host-address", o.SchedulerHostAddress).
		Add("sentry-address", o.SentryAddress).
		Add("log-level", o.LogLevel).
		AddFlag("log-as-json", true)
	return b.Args()
}

func (k *Kind) ToEnvironment(o *Options) map[string]string {
	env := map[string]string{}
	if o.APIToken != "" {
		env["DAPR_API_TOKEN"] = o.APIToken
	}
	if o.AppAPIToken != "" {
		env["APP_API_TOKEN"] = o.AppAPIToken
	}
	if o.EnableMTLS && o.CertsDirectory != "" {
		env["DAPR_TRUST_ANCHORS_FILE"] = filepath.Join(o.CertsDirectory, "ca.crt")
	}
	return env
}

func (k *Kind) ParseArgument(o *Options, name, value string) {
	switch name {
	case "app-id":
		o.AppID = value
	case "app-port":
		o.AppPort = sidecar.ParseInt(value)
	case "app-protocol":
		o.AppProtocol = value
	case "app-channel-address":
		o.AppChannelAddress = value
	case "app-max-concurrency":
		o.AppMaxConcurrency = sidecar.ParseInt(value)
	case "dapr-http-port":
		o.HTTPPort = sidecar.ParseInt(value)
	case "dapr-grpc-port":
		o.GRPCPort = sidecar.ParseInt(value)
	case "dapr-internal-grpc-port":
		o.InternalGRPCPort = sidecar.ParseInt(value)
	case "metrics-port":
		o.MetricsPort = sidecar.ParseInt(value)
	case "profile-port":
		o.ProfilePort = sidecar.ParseInt(value)
	case "enable-metrics":
		o.EnableMetrics = sidecar.Ptr(sidecar.ParseBool(value))
	case "enable-profiling":
		o.EnableProfiling = sidecar.ParseBool(value)
	case "enable-mtls":
		o.EnableMTLS = sidecar.ParseBool(value)
	case "mode":
		o.Mode = value
	case "resources-path", "components-path":
		o.ResourcesPath = value
	case "config":
		o.ConfigFile = value
	case "placement-host-address":
		o.PlacementHostAddress = value
	case "scheduler-host-address":
		o.SchedulerHostAddress = value
	case "sentry-address":
		o.SentryAddress = value
	case "log-level":
		o.LogLevel = value
	}
}

func (k *Kind) Identity(o *Options) string { return o.AppID }

// Compare treats daprd instances with the same app id as the same sidecar.
func (k *Kind) Compare(proposed, existing *Options, _ discovery.Process) sidecar.Comparison {
	return sidecar.CompareIdentity(proposed.AppID, existing.AppID, proposed.HTTPPort, existing.HTTPPort)
}

// OnStarting makes sure the resources directory exists so daprd does not
// refuse to start on a fresh runtime directory.
func (k *Kind) OnStarting(_ context.Context, o *Options) error {
	if o.ResourcesPath == "" {
		return nil
	}
	return os.MkdirAll(o.ResourcesPath, 0o755)
}

// OnStopping asks daprd to shut down through its HTTP API.
func (k *Kind) OnStopping(ctx context.Context, o *Options) {
	if o.HTTPPort == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sidecar.LocalURL(o.HTTPPort, "/v1.0/shutdown"), nil)
	if err != nil {
		k.logger.Warn("failed to build shutdown request", log.Error(err))
		return
	}
	if o.APIToken != "" {
		req.Header.Set(APITokenHeader, o.APIToken)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			k.logger.Warn("shutdown request failed", log.Error(err))
		}
		return
	}
	resp.Body.Close()

	k.logger.Debug("shutdown requested",
		slog.Int("status_code", resp.StatusCode),
		slog.String("api_token", log.SanitizeSecret(o.APIToken)),
	)
}

func (k *Kind) HealthURL(o *Options) string {
	return sidecar.LocalURL(o.HTTPPort, "/v1.0/healthz")
}

func (k *Kind) MetricsURL(o *Options) string {
	return sidecar.LocalURL(o.MetricsPort, "/metrics")
}

func (k *Kind) ReadyPhrases() []logstatus.Phrase {
	return []logstatus.Phrase{{"dapr initialized", "status: running"}}
}
