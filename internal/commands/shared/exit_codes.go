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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

// Exit codes for sidekick commands
const (
	ExitSuccess      = 0
	ExitFailed       = 1
	ExitConfigError  = 2
	ExitNotFound     = 3
	ExitInvalidUsage = 64 // EX_USAGE from sysexits.h
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for bad arguments.
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidUsage, Message: msg, Cause: cause}
}

// ExitCode picks the process exit code for err. An ExitError keeps its own
// code; otherwise the error's classification decides.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch sidekickerrors.Type(err) {
	case "config", "validation":
		return ExitConfigError
	case "not_found":
		return ExitNotFound
	default:
		return ExitFailed
	}
}

// HandleExitError prints err and exits with its code. It returns if err is nil.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	printError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError(err.Error()))
}
