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

// Package placement maps options for the dapr actor placement service.
package placement

import (
	"context"
	"path/filepath"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
)

// Name is the kind and default image name.
const Name = "placement"

const (
	DefaultID          = "dapr-placement-0"
	DefaultPort        = 50005
	DefaultHealthzPort = 8081
	DefaultMetricsPort = 9091
)

// Options configures one placement instance.
type Options struct {
	sidecar.Options `yaml:",inline"`

	ID                string `yaml:"id,omitempty" json:"id,omitempty"`
	Port              int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	HealthzPort       int    `yaml:"healthz_port,omitempty" json:"healthz_port,omitempty" validate:"omitempty,min=1,max=65535"`
	MetricsPort       int    `yaml:"metrics_port,omitempty" json:"metrics_port,omitempty" validate:"omitempty,min=1,max=65535"`
	EnableMetrics     *bool  `yaml:"enable_metrics,omitempty" json:"enable_metrics,omitempty"`
	InitialCluster    string `yaml:"initial_cluster,omitempty" json:"initial_cluster,omitempty"`
	RaftLogStorePath  string `yaml:"raft_logstore_path,omitempty" json:"raft_logstore_path,omitempty"`
	ReplicationFactor int    `yaml:"replication_factor,omitempty" json:"replication_factor,omitempty" validate:"omitempty,min=1"`
	TLSEnabled        bool   `yaml:"tls_enabled,omitempty" json:"tls_enabled,omitempty"`
	TrustDomain       string `yaml:"trust_domain,omitempty" json:"trust_domain,omitempty"`
	TrustAnchorsFile  string `yaml:"trust_anchors_file,omitempty" json:"trust_anchors_file,omitempty"`
	SentryAddress     string `yaml:"sentry_address,omitempty" json:"sentry_address,omitempty"`
}

// Kind implements sidecar.Kind for placement.
type Kind struct{}

var _ sidecar.Kind[Options] = Kind{}

// New creates the placement kind.
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
	}
}

func (Kind) AssignLocations(o *Options, loc sidecar.Locations) {
	if o.RaftLogStorePath == "" {
		o.RaftLogStorePath = filepath.Join(loc.RuntimeDirectory, "placement", "raft")
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
		AddBool("enable-metrics", o.EnableMetrics).
		Add("initial-cluster", o.InitialCluster).
		Add("raft-logstore-path", o.RaftLogStorePath).
		AddInt("replicationFactor", o.ReplicationFactor).
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
	case "enable-metrics":
		o.EnableMetrics = sidecar.Ptr(sidecar.ParseBool(value))
	case "initial-cluster":
		o.InitialCluster = value
	case "raft-logstore-path":
		o.RaftLogStorePath = value
	case "replicationFactor":
		o.ReplicationFactor = sidecar.ParseInt(value)
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

func (Kind) OnStarting(context.Context, *Options) error { return nil }

func (Kind) OnStopping(context.Context, *Options) {}

func (Kind) HealthURL(o *Options) string {
	return sidecar.LocalURL(o.HealthzPort, "/healthz")
}

func (Kind) MetricsURL(o *Options) string {
	return sidecar.LocalURL(o.MetricsPort, "/metrics")
}

func (Kind) ReadyPhrases() []logstatus.Phrase {
	return []logstatus.Phrase{{"placement", "started", "port"}}
}
