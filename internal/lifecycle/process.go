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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/sidekick/internal/log"
	sperrors "github.com/tombee/sidekick/pkg/errors"
)

const (
	// pollInterval is how often Stop checks for exit during the grace period.
	pollInterval = 100 * time.Millisecond

	// killTimeout is how long Stop waits for the process to die after SIGKILL.
	killTimeout = 5 * time.Second
)

// StartOptions describes one launch of a binary.
type StartOptions struct {
	// Binary is the path of the executable. Required.
	Binary string

	// Args are passed to the binary as-is; no shell is involved.
	Args []string

	// Dir is the working directory. Defaults to the binary's directory.
	Dir string

	// Env is layered over the current environment; these values win.
	Env map[string]string

	// OnOutput receives every line of combined stdout/stderr.
	OnOutput func(line string)

	// OnExit is called once if the process terminates without Stop.
	OnExit func(err error)
}

// Process is one supervised OS process. It is single-use: after the
// process exits or is stopped, a new Process is created for the next launch.
type Process struct {
	logger        *slog.Logger
	newController func(cmd *exec.Cmd, onOutput func(string)) Controller

	stopMu   sync.Mutex
	mu       sync.Mutex
	ctrl     Controller
	pid      int
	stopping bool
}

// New creates an idle process wrapper.
func New(logger *slog.Logger) *Process {
	if logger == nil {
		logger = log.Discard()
	}
	return &Process{
		logger:        logger,
		newController: newExecController,
	}
}

// Start validates opts, launches the binary and returns once the OS process
// exists. If ctx is already cancelled nothing is spawned. A launch failure is
// logged, leaves the wrapper stopped, and is returned as a *errors.SpawnError.
func (p *Process) Start(ctx context.Context, opts StartOptions) error {
	dir, err := validate(opts)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.SysProcAttr = sysProcAttr()

	ctrl := p.newController(cmd, opts.OnOutput)

	p.mu.Lock()
	if p.ctrl != nil {
		p.mu.Unlock()
		return errors.New("process already started")
	}
	p.ctrl = ctrl
	p.stopping = false
	p.mu.Unlock()

	if err := ctrl.Start(); err != nil {
		p.logger.Error("failed to start process",
			slog.String("binary", opts.Binary),
			log.Error(err),
		)
		p.release(ctrl)
		return &sperrors.SpawnError{Binary: opts.Binary, Cause: err}
	}

	pid := ctrl.PID()
	p.mu.Lock()
	p.pid = pid
	p.mu.Unlock()

	p.logger.Info("process started",
		slog.Int(log.PIDKey, pid),
		slog.String("binary", opts.Binary),
		slog.String("dir", dir),
	)

	go p.watch(ctrl, opts.OnExit)
	return nil
}

// watch waits for the process to exit and reports unplanned terminations.
func (p *Process) watch(ctrl Controller, onExit func(error)) {
	err := ctrl.Wait()

	p.mu.Lock()
	current := p.ctrl == ctrl
	intentional := p.stopping
	pid := p.pid
	if current && !intentional {
		p.ctrl = nil
		p.pid = 0
	}
	p.mu.Unlock()

	if !current || intentional {
		return
	}

	p.logger.Error("process exited unexpectedly",
		slog.Int(log.PIDKey, pid),
		slog.Int("exit_code", exitCode(err)),
		log.Error(err),
	)
	if onExit != nil {
		onExit(err)
	}
}

// Stop terminates the process: SIGTERM, up to grace for a voluntary exit,
// then SIGKILL. Cancelling ctx cuts the grace period short. Stop always
// completes and is a no-op when nothing is running.
func (p *Process) Stop(ctx context.Context, grace time.Duration) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.mu.Lock()
	ctrl := p.ctrl
	pid := p.pid
	if ctrl == nil {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.mu.Unlock()

	start := time.Now()
	p.shutdown(ctx, ctrl, pid, grace)
	p.release(ctrl)

	p.logger.Info("process stopped",
		slog.Int(log.PIDKey, pid),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	)
}

func (p *Process) shutdown(ctx context.Context, ctrl Controller, pid int, grace time.Duration) {
	if ctrl.WaitForExit(0) {
		return
	}

	if grace > 0 && ctx.Err() == nil {
		if err := ctrl.Terminate(); err != nil {
			p.logger.Warn("failed to signal process", slog.Int(log.PIDKey, pid), log.Error(err))
		}

		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if ctrl.WaitForExit(pollInterval) {
				return
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	p.logger.Warn("process did not exit in time, killing", slog.Int(log.PIDKey, pid))
	if err := ctrl.Kill(); err != nil {
		p.logger.Error("failed to kill process", slog.Int(log.PIDKey, pid), log.Error(err))
	}
	if !ctrl.WaitForExit(killTimeout) {
		p.logger.Error("process did not exit after kill", slog.Int(log.PIDKey, pid))
	}
}

// release clears the handle if it still refers to ctrl.
func (p *Process) release(ctrl Controller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == ctrl {
		p.ctrl = nil
		p.pid = 0
	}
}

// PID returns the OS process id, or 0 when nothing is running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// IsRunning reports whether the process has been started and not yet exited.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	return ctrl != nil && !ctrl.WaitForExit(0)
}

// validate checks the binary and working directory and returns the
// effective working directory.
func validate(opts StartOptions) (string, error) {
	if opts.Binary == "" {
		return "", &sperrors.ValidationError{Field: "binary", Message: "path is required"}
	}
	info, err := os.Stat(opts.Binary)
	if err != nil {
		return "", &sperrors.NotFoundError{Resource: "binary", ID: opts.Binary}
	}
	if info.IsDir() {
		return "", &sperrors.ValidationError{Field: "binary", Message: fmt.Sprintf("%s is a directory", opts.Binary)}
	}

	dir := opts.Dir
	if dir == "" {
		dir = filepath.Dir(opts.Binary)
	}
	info, err = os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &sperrors.ValidationError{Field: "working_directory", Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return dir, nil
}

// mergeEnv layers overrides on top of base ("KEY=value" entries).
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
