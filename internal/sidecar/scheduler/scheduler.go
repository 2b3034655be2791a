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

// Package scheduler maps options for the dapr job scheduler.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
)

// Name is the kind and default image name.
const Name = "scheduler"

const (
	DefaultID             = "dapr-scheduler-server-0"
	DefaultPort           = 50006
	DefaultHealthzPort    = 8084
	DefaultMetricsPort    = 9094
	DefaultEtcdClientPort = 2379
)

// Options configures one scheduler instance.
type Options struct {
	sidecar.Options `yaml:",inline"`

	ID               string `yaml:"id,omitempty" json:"id,omitempty"`
	Port             int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	HealthzPort      int    `yaml:"healthz_port,omitempty" json:"healthz_port,omitempty" validate:"omitempty,min=1,max=65535"`
	MetricsPort      int    `yaml:"metrics_port,omitempty" json:"metrics_port,omitempty" validate:"omitempty,min=1,max=65535"`
	EtcdClientPort   int    `yaml:"etcd_client_port,omitempty" json:"etcd_client_port,omitempty" validate:"omitempty,min=1,max=65535"`
	EnableMetrics    *bool  `yaml:"enable_metrics,omitempty" json:"enable_metrics,omitempty"`
	EtcdDataDir      string `yaml:"etcd_data_dir,omitempty" json:"etcd_data_dir,omitempty"`
	InitialCluster   string `yaml:"initial_cluster,omitempty" json:"initial_cluster,omitempty"`
	ReplicaCount     int    `yaml:"replica_count,omitempty" json:"replica_count,omitempty" validate:"omitempty,min=1"`
	TLSEnabled       bool   `yaml:"tls_enabled,omitempty" json:"tls_enabled,omitempty"`
	TrustDomain      string `yaml:"trust_domain,omitempty" json:"trust_domain,omitempty"`
	TrustAnchorsFile string `yaml:"trust_anchors_file,omitempty" json:"trust_anchors_file,omitempty"`
	SentryAddress    string `yaml:"sentry_address,omitempty" json:"sentry_address,omitempty"`
}

// Kind implements sidecar.Kind for scheduler.
type Kind struct{}

var _ sidecar.Kind[Options] = Kind{}

// New creates the scheduler kind.
func New() Kind { return Kind{} }

func (Kind) Name() string { return Name }

func (k Kind) Resolve(proposed Options) Options {
	o := k.Clone(&proposed)
	o.ApplyDefaults(Name)
	if o.ID == "" {
		o.ID = DefaultID
	}
	return o
}

func (Kind) Clone(o *Options) Options {
	c := *o
	c.Options = o.Options.Clone()
	if o.EnableMetrics != nil {
		c.EnableMetrics = sidecar.Ptr(*o.EnableMetrics)
	}
	return c
}

func (Kind) Base(o *Options) *sidecar.Options { return &o.Options }

func (Kind) Ports() []ports.Field[Options] {
	return []ports.Field[Options]{
		{
			Name:  "port",
			Start: DefaultPort,
			Get:   func(o *Options) int { return o.Port },
			Set:   func(o *Options, p int) { o.Port = p },
		},
		{
			Name:  "healthz-port",
			Start: DefaultHealthzPort,
			Get:   func(o *Options) int { return o.HealthzPort },
			Set:   func(o *Options, p int) { o.HealthzPort = p },
		},
		{
			Name:  "metrics-port",
			Start: DefaultMetricsPort,
			Get:   func(o *Options) int { return o.MetricsPort },
			Set:   func(o *Options, p int) { o.MetricsPort = p },
		},
		{
			Name:  "etcd-client-port",
			Start: DefaultEtcdClientPort,
			Get:   func(o *Options) int { return o.EtcdClientPort },
			Set:   func(o *Options, p int) { o.EtcdClientPort = p },
		},
	}
}

func (Kind) AssignLocations(o *Options, loc sidecar.Locations) {
	if o.EtcdDataDir == "" {
		o.EtcdDataDir = filepath.Join(loc.RuntimeDirectory, "scheduler", "data")
	}
	if o.TLSEnabled && o.TrustAnchorsFile == "" && loc.CertsDirectory != "" {
		o.TrustAnchorsFile = filepath.Join(loc.CertsDirectory, "ca.crt")
	}
}

func (Kind) ToArguments(o *Options) []string {
	var b sidecar.ArgumentBuilder
	b.Add("id", o.ID).
		AddInt("port", o.Port).
		AddInt("healthz-port", o.HealthzPort).
		AddInt("metrics-port", o.MetricsPort).
		AddInt("etcd-client-port", o.EtcdClientPort).
		AddBool("enable-metrics", o.EnableMetrics).
		Add("etcd-data-dir", o.EtcdDataDir).
		Add("initial-cluster", o.InitialCluster).
		AddInt("replica-count", o.ReplicaCount).
		AddFlag("tls-enabled", o.TLSEnabled).
		Add("trust-domain", o.TrustDomain).
		Add("trust-anchors-file", o.TrustAnchorsFile).
		Add("sentry-address", o.SentryAddress).
		Add("log-level", o.LogLevel).
		AddFlag("log-as-json", true)
	return b.Args()
}

func (Kind) ToEnvironment(*Options) map[string]string { return nil }

func (Kind) ParseArgument(o *Options, name, value string) {
	switch name {
	case "id":
		o.ID = value
	case "port":
		o.Port = sidecar.ParseInt(value)
	case "healthz-port":
		o.HealthzPort = sidecar.ParseInt(value)
	case "metrics-port":
		o.MetricsPort = sidecar.ParseInt(value)
	case "etcd-client-port":
		o.EtcdClientPort = sidecar.ParseInt(value)
	case "enable-metrics":
		o.EnableMetrics = sidecar.Ptr(sidecar.ParseBool(value))
	case "etcd-data-dir":
		o.EtcdDataDir = value
	case "initial-cluster":
		o.InitialCluster = value
	case "replica-count":
		o.ReplicaCount = sidecar.ParseInt(value)
	case "tls-enabled":
		o.TLSEnabled = sidecar.ParseBool(value)
	case "trust-domain":
		o.TrustDomain = value
	case "trust-anchors-file":
		o.TrustAnchorsFile = value
	case "sentry-address":
		o.SentryAddress = value
	case "log-level":
		o.LogLevel = value
	}
}

func (Kind) Identity(o *Options) string { return o.ID }

func (Kind) Compare(proposed, existing *Options, _ discovery.Process) sidecar.Comparison {
	return sidecar.CompareIdentity(proposed.ID, existing.ID, proposed.Port, existing.Port)
}

// OnStarting creates the embedded etcd data directory.
func (Kind) OnStarting(_ context.Context, o *Options) error {
	if o.EtcdDataDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.EtcdDataDir, 0o700); err != nil {
		return fmt.Errorf("creating etcd data directory: %w", err)
	}
	return nil
}

func (Kind) OnStopping(context.Context, *Options) {}

func (Kind) HealthURL(o *Options) string {
	return sidecar.LocalURL(o.HealthzPort, "/healthz")
}

func (Kind) MetricsURL(o *Options) string {
	return sidecar.LocalURL(o.MetricsPort, "/metrics")
}

func (Kind) ReadyPhrases() []logstatus.Phrase {
	return []logstatus.Phrase{{"running grpc server"}}
}
