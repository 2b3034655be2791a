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
	"strconv"
	"strings"
)

// ArgumentBuilder renders "--name value" pairs, skipping unset values.
type ArgumentBuilder struct {
	args []string
}

// Add appends --name value when value is non-empty.
func (b *ArgumentBuilder) Add(name, value string) *ArgumentBuilder {
	if value != "" {
		b.args = append(b.args, "--"+name, value)
	}
	return b
}

// AddInt appends --name value when value is non-zero.
func (b *ArgumentBuilder) AddInt(name string, value int) *ArgumentBuilder {
	if value != 0 {
		b.args = append(b.args, "--"+name, strconv.Itoa(value))
	}
	return b
}

// AddFlag appends a bare --name when set is true.
func (b *ArgumentBuilder) AddFlag(name string, set bool) *ArgumentBuilder {
	if set {
		b.args = append(b.args, "--"+name)
	}
	return b
}

// AddBool appends --name=true|false when value is set.
func (b *ArgumentBuilder) AddBool(name string, value *bool) *ArgumentBuilder {
	if value != nil {
		b.args = append(b.args, "--"+name+"="+strconv.FormatBool(*value))
	}
	return b
}

// Args returns the rendered arguments.
func (b *ArgumentBuilder) Args() []string {
	return b.args
}

// ParseCommandLine walks a captured command line (args[0] is the binary) and
// calls fn for every flag. It accepts --name value, --name=value, -name value
// and bare boolean flags, which are reported with the value "true".
func ParseCommandLine(cmdline []string, fn func(name, value string)) {
	if len(cmdline) < 2 {
		return
	}
	args := cmdline[1:]
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !isFlag(tok) {
			continue
		}

		name := strings.TrimLeft(tok, "-")
		if name == "" {
			continue
		}
		if n, v, ok := strings.Cut(name, "="); ok {
			fn(n, v)
			continue
		}

		if i+1 < len(args) && !isFlag(args[i+1]) {
			fn(name, args[i+1])
			i++
			continue
		}
		fn(name, "true")
	}
}

// isFlag reports whether tok names a flag rather than a value such as "-1".
func isFlag(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' {
		return false
	}
	if _, err := strconv.ParseFloat(tok, 64); err == nil {
		return false
	}
	return true
}

// ParseInt converts a flag value, returning 0 when it is not a number.
func ParseInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}

// ParseBool converts a flag value, treating anything unparsable as false.
func ParseBool(value string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && b
}
