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

//go:build !windows

package lifecycle

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group so signals reach any
// helpers it forks, and a Ctrl-C aimed at the supervisor does not hit it directly.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return signalGroup(p.Pid, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p.Pid, unix.SIGKILL)
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when no such group exists.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

// IsProcessRunning checks if a process with the given PID exists.
// Signal 0 performs the existence and permission checks without delivering
// anything; EPERM still means the process exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
