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

package errors

import (
	"fmt"
	"strings"
)

// ValidationError represents an invalid option value detected before a process is spawned.
// Missing working directories and out-of-range starting ports are reported with this type.
type ValidationError struct {
	// Field identifies which option failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing resource, typically the sidecar binary.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "binary", "directory")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return true }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api.listen", "daprd.app_id")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// DuplicateProcessError is returned when a running process has the same logical
// identity as the one being launched but an incompatible configuration.
type DuplicateProcessError struct {
	// Kind is the sidecar kind (e.g., "daprd")
	Kind string

	// Identity is the logical id both processes share
	Identity string

	// PID is the process id of the existing instance
	PID int

	// Detail describes the incompatibility (e.g., "dapr-http-port 3500 != 3501")
	Detail string
}

// Error implements the error interface.
func (e *DuplicateProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "duplicate %s process %q already running (pid %d)", e.Kind, e.Identity, e.PID)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// ErrorType implements ErrorClassifier.
func (e *DuplicateProcessError) ErrorType() string { return "duplicate" }

// IsRetryable implements ErrorClassifier.
func (e *DuplicateProcessError) IsRetryable() bool { return false }

// SpawnError represents a failure to launch an OS process.
type SpawnError struct {
	// Binary is the path of the executable
	Binary string

	// Cause is the underlying OS error
	Cause error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *SpawnError) ErrorType() string { return "spawn" }

// IsRetryable implements ErrorClassifier.
func (e *SpawnError) IsRetryable() bool { return true }
