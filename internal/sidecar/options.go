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

package sidecar

import (
	"maps"
	"time"
)

const (
	// DefaultRestartAfterMillis is the restart interval when none is configured.
	DefaultRestartAfterMillis = 5000

	// DefaultWaitForShutdownSeconds is the default grace period on Stop.
	DefaultWaitForShutdownSeconds = 10
)

// Options are the fields every kind shares. Kinds embed them inline.
type Options struct {
	// Enabled defaults to true. A disabled sidecar resolves to the Disabled status.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// ProcessName is the image name used for discovery. Defaults to the kind name.
	ProcessName string `yaml:"process_name,omitempty" json:"process_name,omitempty"`

	// ProcessFile is the binary path. Defaults to <bin>/<process name>.
	ProcessFile string `yaml:"process_file,omitempty" json:"process_file,omitempty"`

	InitialDirectory string `yaml:"initial_directory,omitempty" json:"initial_directory,omitempty"`
	RuntimeDirectory string `yaml:"runtime_directory,omitempty" json:"runtime_directory,omitempty"`
	BinDirectory     string `yaml:"bin_directory,omitempty" json:"bin_directory,omitempty"`
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`

	// CopyProcessFile copies the binary from the initial bin directory into
	// the runtime bin directory when the source is newer or differs in size.
	CopyProcessFile bool `yaml:"copy_process_file,omitempty" json:"copy_process_file,omitempty"`

	// RestartAfterMillis is the delay before restarting after a failure.
	// Negative disables restarts.
	RestartAfterMillis *int `yaml:"restart_after_millis,omitempty" json:"restart_after_millis,omitempty"`

	// RetainPortsOnRestart defaults to true.
	RetainPortsOnRestart *bool `yaml:"retain_ports_on_restart,omitempty" json:"retain_ports_on_restart,omitempty"`

	WaitForShutdownSeconds *int `yaml:"wait_for_shutdown_seconds,omitempty" json:"wait_for_shutdown_seconds,omitempty" validate:"omitempty,min=0,max=600"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error fatal"`

	// Inline PEM material written to <runtime>/certs before spawn.
	TrustAnchorsCertificate string `yaml:"trust_anchors_certificate,omitempty" json:"-"`
	IssuerCertificate       string `yaml:"issuer_certificate,omitempty" json:"-"`
	IssuerKey               string `yaml:"issuer_key,omitempty" json:"-"`

	CertsDirectory string `yaml:"certs_directory,omitempty" json:"certs_directory,omitempty"`

	// CustomArguments are appended verbatim, split on whitespace.
	CustomArguments string `yaml:"custom_arguments,omitempty" json:"custom_arguments,omitempty"`

	// EnvironmentVariables override anything the kind maps itself.
	EnvironmentVariables map[string]string `yaml:"environment_variables,omitempty" json:"environment_variables,omitempty"`
}

// ApplyDefaults fills unset shared fields.
func (o *Options) ApplyDefaults(processName string) {
	if o.ProcessName == "" {
		o.ProcessName = processName
	}
	if o.Enabled == nil {
		o.Enabled = Ptr(true)
	}
	if o.RestartAfterMillis == nil {
		o.RestartAfterMillis = Ptr(DefaultRestartAfterMillis)
	}
	if o.RetainPortsOnRestart == nil {
		o.RetainPortsOnRestart = Ptr(true)
	}
	if o.WaitForShutdownSeconds == nil {
		o.WaitForShutdownSeconds = Ptr(DefaultWaitForShutdownSeconds)
	}
}

// IsEnabled reports whether the sidecar should run.
func (o *Options) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// RestartAfter returns the restart interval and whether restarts are armed.
func (o *Options) RestartAfter() (time.Duration, bool) {
	ms := DefaultRestartAfterMillis
	if o.RestartAfterMillis != nil {
		ms = *o.RestartAfterMillis
	}
	if ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// RetainPorts reports whether unset ports reuse the last successful values.
func (o *Options) RetainPorts() bool {
	return o.RetainPortsOnRestart == nil || *o.RetainPortsOnRestart
}

// ShutdownGrace is how long Stop waits before killing the process.
func (o *Options) ShutdownGrace() time.Duration {
	secs := DefaultWaitForShutdownSeconds
	if o.WaitForShutdownSeconds != nil {
		secs = *o.WaitForShutdownSeconds
	}
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}

// HasInlineCertificates reports whether any PEM material is configured inline.
func (o *Options) HasInlineCertificates() bool {
	return o.TrustAnchorsCertificate != "" || o.IssuerCertificate != "" || o.IssuerKey != ""
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	c := o
	c.Enabled = clonePtr(o.Enabled)
	c.RestartAfterMillis = clonePtr(o.RestartAfterMillis)
	c.RetainPortsOnRestart = clonePtr(o.RetainPortsOnRestart)
	c.WaitForShutdownSeconds = clonePtr(o.WaitForShutdownSeconds)
	c.EnvironmentVariables = maps.Clone(o.EnvironmentVariables)
	return c
}

// Ptr returns a pointer to v.
func Ptr[V any](v V) *V {
	return &v
}

func clonePtr[V any](p *V) *V {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
