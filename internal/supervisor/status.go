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

package supervisor

import (
	"fmt"
	"strings"
)

// Status is the lifecycle phase of a supervised sidecar.
type Status int32

const (
	StatusStopped Status = iota
	StatusInitializing
	StatusStarting
	StatusStarted
	StatusStopping
	StatusDisabled
)

var statusNames = map[Status]string{
	StatusStopped:      "stopped",
	StatusInitializing: "initializing",
	StatusStarting:     "starting",
	StatusStarted:      "started",
	StatusStopping:     "stopping",
	StatusDisabled:     "disabled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Accepting reports whether a fresh Start is allowed from this status.
func (s Status) Accepting() bool {
	return s == StatusStopped || s == StatusDisabled
}

// Info is an immutable snapshot of a supervised sidecar.
type Info struct {
	Name     string `json:"name"`
	PID      *int   `json:"pid,omitempty"`
	Version  string `json:"version,omitempty"`
	Status   Status `json:"status"`
	Attached bool   `json:"attached"`
}
