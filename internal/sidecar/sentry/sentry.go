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

// Package sentry maps options for the dapr certificate authority.
package sentry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
)

// Name is the kind and default image name.
const Name = "sentry"

const (
	DefaultTrustDomain = "localhost"
	DefaultPort        = 50003
	DefaultHealthzPort = 8082
	DefaultMetricsPort = 9092
)

// Options configures one sentry instance.
type Options struct {
	sidecar.Options `yaml:",inline"`

	TrustDomain       string `yaml:"trust_domain,omitempty" json:"trust_domain,omitempty"`
	Port              int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	HealthzPort       int    `yaml:"healthz_port,omitempty" json:"healthz_port,omitempty" validate:"omitempty,min=1,max=65535"`
	MetricsPort       int    `yaml:"metrics_port,omitempty" json:"metrics_port,omitempty" validate:"omitempty,min=1,max=65535"`
	EnableMetrics     *bool  `yaml:"enable_metrics,omitempty" json:"enable_metrics,omitempty"`
	ConfigFile        string `yaml:"config_file,omitempty" json:"config_file,omitempty"`
	IssuerCredentials string `yaml:"issuer_credentials,omitempty" json:"issuer_credentials,omitempty"`
	IssuerCAFilename  string `yaml:"issuer_ca_filename,omitempty" json:"issuer_ca_filename,omitempty"`
	IssuerCertFile    string `yaml:"issuer_certificate_filename,omitempty" json:"issuer_certificate_filename,omitempty"`
	IssuerKeyFilename string `yaml:"issuer_key_filename,omitempty" json:"issuer_key_filename,omitempty"`
}

// configuration is the dapr Configuration resource sentry reads on start.
type configuration struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		MTLS struct {
			Enabled          bool   `yaml:"enabled"`
			WorkloadCertTTL  string `yaml:"workloadCertTTL"`
			AllowedClockSkew string `yaml:"allowedClockSkew"`
		} `yaml:"mtls"`
	} `yaml:"spec"`
}

func defaultConfiguration() configuration {
	var c configuration
	c.APIVersion = "dapr.io/v1alpha1"
	c.Kind = "Configuration"
	c.Metadata.Name = "daprsystem"
	c.Spec.MTLS.Enabled = true
	c.Spec.MTLS.WorkloadCertTTL = "24h"
	c.Spec.MTLS.AllowedClockSkew = "15m"
	return c
}

// Kind implements sidecar.Kind for sentry.
type Kind struct{}

var _ sidecar.Kind[Options] = Kind{}

// New creates the sentry kind.
func New() Kind { return Kind{} }

func (Kind) Name() string { return Name }

func (k Kind) Resolve(proposed Options) Options {
	o := k.Clone(&proposed)
	o.ApplyDefaults(Name)
	if o.TrustDomain == "" {
		o.TrustDomain = DefaultTrustDomain
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

// AssignLocations points sentry at <runtime>/config.yaml and the issuer
// credentials in the certs directory.
func (Kind) AssignLocations(o *Options, loc sidecar.Locations) {
	if o.ConfigFile == "" {
		o.ConfigFile = filepath.Join(loc.RuntimeDirectory, "config.yaml")
	}
	if o.IssuerCredentials == "" {
		certs := loc.CertsDirectory
		if certs == "" {
			certs = filepath.Join(loc.RuntimeDirectory, "certs")
		}
		o.IssuerCredentials = certs
	}
}

func (Kind) ToArguments(o *Options) []string {
	var b sidecar.ArgumentBuilder
	b.Add("trust-domain", o.TrustDomain).
		AddInt("port", o.Port).
		AddInt("healthz-port", o.HealthzPort).
		AddInt("metrics-port", o.MetricsPort).
		AddBool("enable-metrics", o.EnableMetrics).
		Add("config", o.ConfigFile).
		Add("issuer-credentials", o.IssuerCredentials).
		Add("issuer-ca-filename", o.IssuerCAFilename).
		Add("issuer-certificate-filename", o.IssuerCertFile).
		Add("issuer-key-filename", o.IssuerKeyFilename).
		Add("log-level", o.LogLevel).
		AddFlag("log-as-json", true)
	return b.Args()
}

func (Kind) ToEnvironment(*Options) map[string]string { return nil }

func (Kind) ParseArgument(o *Options, name, value string) {
	switch name {
	case "trust-domain":
		o.TrustDomain = value
	case "port":
		o.Port = sidecar.ParseInt(value)
	case "healthz-port":
		o.HealthzPort = sidecar.ParseInt(value)
	case "metrics-port":
		o.MetricsPort = sidecar.ParseInt(value)
	case "enable-metrics":
		o.EnableMetrics = sidecar.Ptr(sidecar.ParseBool(value))
	case "config":
		o.ConfigFile = value
	case "issuer-credentials":
		o.IssuerCredentials = value
	case "issuer-ca-filename":
		o.IssuerCAFilename = value
	case "issuer-certificate-filename":
		o.IssuerCertFile = value
	case "issuer-key-filename":
		o.IssuerKeyFilename = value
	case "log-level":
		o.LogLevel = value
	}
}

func (Kind) Identity(o *Options) string { return o.TrustDomain }

// Compare treats sentry instances serving the same trust domain as the same CA.
func (Kind) Compare(proposed, existing *Options, _ discovery.Process) sidecar.Comparison {
	return sidecar.CompareIdentity(proposed.TrustDomain, existing.TrustDomain, proposed.Port, existing.Port)
}

// OnStarting writes a default Configuration resource when none exists.
func (Kind) OnStarting(_ context.Context, o *Options) error {
	if o.ConfigFile == "" {
		return nil
	}
	if _, err := os.Stat(o.ConfigFile); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking sentry config: %w", err)
	}

	data, err := yaml.Marshal(defaultConfiguration())
	if err != nil {
		return fmt.Errorf("encoding sentry config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(o.ConfigFile), 0o755); err != nil {
		return fmt.Errorf("creating sentry config directory: %w", err)
	}
	if err := os.WriteFile(o.ConfigFile, data, 0o644); err != nil {
		return fmt.Errorf("writing sentry config: %w", err)
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
	return []logstatus.Phrase{{"sentry", "running"}}
}
