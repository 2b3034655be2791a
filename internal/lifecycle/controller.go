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

package lifecycle

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize bounds a single line of sidecar output.
const maxLineSize = 1024 * 1024

// Controller is the OS-level control surface of one spawned process.
type Controller interface {
	// Start launches the process and begins streaming its output.
	Start() error

	// PID returns the OS process id, or 0 before Start.
	PID() int

	// Terminate asks the process to exit (SIGTERM to its process group).
	Terminate() error

	// Kill forcefully terminates the process and its group.
	Kill() error

	// WaitForExit reports whether the process exited within timeout.
	// A non-positive timeout checks without blocking.
	WaitForExit(timeout time.Duration) bool

	// Wait blocks until the process exits and returns its exit error.
	Wait() error
}

// execController implements Controller over exec.Cmd. Stdout and stderr
// share one OS pipe so lines keep their relative order, and exit detection
// does not depend on the output reader draining the pipe.
type execController struct {
	cmd      *exec.Cmd
	onOutput func(string)

	exited  chan struct{}
	exitErr error
	once    sync.Once
}

func newExecController(cmd *exec.Cmd, onOutput func(string)) Controller {
	return &execController{
		cmd:      cmd,
		onOutput: onOutput,
		exited:   make(chan struct{}),
	}
}

func (c *execController) Start() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	c.cmd.Stdin = nil
	c.cmd.Stdout = w
	c.cmd.Stderr = w

	if err := c.cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return err
	}
	// The child holds its own copy of the write end.
	w.Close()

	if c.cmd.Process.Pid > 0 {
		go c.stream(r)
	} else {
		r.Close()
	}

	go func() {
		err := c.cmd.Wait()
		c.once.Do(func() {
			c.exitErr = err
			close(c.exited)
		})
	}()

	return nil
}

func (c *execController) stream(r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if c.onOutput != nil {
			c.onOutput(scanner.Text())
		}
	}
}

func (c *execController) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execController) Terminate() error {
	if c.cmd.Process == nil {
		return errors.New("process not started")
	}
	return terminate(c.cmd.Process)
}

func (c *execController) Kill() error {
	if c.cmd.Process == nil {
		return errors.New("process not started")
	}
	return kill(c.cmd.Process)
}

func (c *execController) WaitForExit(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-c.exited:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (c *execController) Wait() error {
	<-c.exited
	return c.exitErr
}
