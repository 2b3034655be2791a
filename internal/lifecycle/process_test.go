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
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sperrors "github.com/tombee/sidekick/pkg/errors"
)

// lineCollector gathers output lines from a running process.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) contains(want string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if l == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func shell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestProcessStartStreamsOutput(t *testing.T) {
	sh := shell(t)
	var out lineCollector
	exited := make(chan error, 1)

	p := New(nil)
	err := p.Start(context.Background(), StartOptions{
		Binary:   sh,
		Args:     []string{"-c", "echo hello; echo oops 1>&2; sleep 30"},
		OnOutput: out.add,
		OnExit:   func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if p.PID() <= 0 {
		t.Errorf("PID() = %d, want positive", p.PID())
	}
	if !p.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	if !waitFor(t, 5*time.Second, func() bool { return out.contains("hello") && out.contains("oops") }) {
		t.Fatalf("expected stdout and stderr lines, got %v", out.lines)
	}

	p.Stop(context.Background(), 2*time.Second)

	if p.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if p.PID() != 0 {
		t.Errorf("PID() = %d after Stop, want 0", p.PID())
	}

	select {
	case err := <-exited:
		t.Errorf("OnExit called after intentional Stop: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessUnplannedExit(t *testing.T) {
	sh := shell(t)
	exited := make(chan error, 1)

	p := New(nil)
	err := p.Start(context.Background(), StartOptions{
		Binary: sh,
		Args:   []string{"-c", "exit 3"},
		OnExit: func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
			t.Errorf("OnExit error = %v, want exit status 3", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called")
	}

	if p.PID() != 0 {
		t.Errorf("PID() = %d after exit, want 0", p.PID())
	}

	// Stop after an unplanned exit is a no-op.
	p.Stop(context.Background(), time.Second)
}

func TestProcessEnvironmentAndDirectory(t *testing.T) {
	shell(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "probe")
	body := "#!/bin/sh\npwd -P\necho \"var=$SIDEKICK_TEST_VAR\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	wantDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	var out lineCollector
	done := make(chan struct{})
	p := New(nil)
	err = p.Start(context.Background(), StartOptions{
		Binary:   script,
		Env:      map[string]string{"SIDEKICK_TEST_VAR": "from-override"},
		OnOutput: out.add,
		OnExit:   func(error) { close(done) },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A clean exit is still unplanned from the supervisor's point of view.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not exit")
	}

	if !waitFor(t, 2*time.Second, func() bool { return out.contains(wantDir) && out.contains("var=from-override") }) {
		t.Errorf("output = %v, want dir %q and overridden var", out.lines, wantDir)
	}
}

func TestProcessStartValidation(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing binary", func(t *testing.T) {
		err := New(nil).Start(context.Background(), StartOptions{Binary: filepath.Join(dir, "nope")})
		var nf *sperrors.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("Start() error = %v, want NotFoundError", err)
		}
	})

	t.Run("empty binary", func(t *testing.T) {
		err := New(nil).Start(context.Background(), StartOptions{})
		var ve *sperrors.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Start() error = %v, want ValidationError", err)
		}
	})

	t.Run("missing working directory", func(t *testing.T) {
		sh := shell(t)
		err := New(nil).Start(context.Background(), StartOptions{Binary: sh, Dir: filepath.Join(dir, "missing")})
		var ve *sperrors.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Start() error = %v, want ValidationError", err)
		}
	})

	t.Run("cancelled context spawns nothing", func(t *testing.T) {
		sh := shell(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := New(nil)
		err := p.Start(ctx, StartOptions{Binary: sh, Args: []string{"-c", "sleep 30"}})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
		if p.IsRunning() {
			t.Error("IsRunning() = true after cancelled Start")
		}
	})
}

// fakeController exits only when the configured signal arrives.
type fakeController struct {
	exitOnTerminate bool
	terminates      atomic.Int32
	kills           atomic.Int32
	exited          chan struct{}
	once            sync.Once
}

func newFakeController(exitOnTerminate bool) *fakeController {
	return &fakeController{exitOnTerminate: exitOnTerminate, exited: make(chan struct{})}
}

func (f *fakeController) Start() error { return nil }
func (f *fakeController) PID() int     { return 4242 }

func (f *fakeController) Terminate() error {
	f.terminates.Add(1)
	if f.exitOnTerminate {
		f.once.Do(func() { close(f.exited) })
	}
	return nil
}

func (f *fakeController) Kill() error {
	f.kills.Add(1)
	f.once.Do(func() { close(f.exited) })
	return nil
}

func (f *fakeController) WaitForExit(timeout time.Duration) bool {
	select {
	case <-f.exited:
		return true
	case <-time.After(max(timeout, time.Millisecond)):
		return false
	}
}

func (f *fakeController) Wait() error {
	<-f.exited
	return nil
}

func startFake(t *testing.T, ctrl *fakeController) *Process {
	t.Helper()
	p := New(nil)
	p.newController = func(*exec.Cmd, func(string)) Controller { return ctrl }
	if err := p.Start(context.Background(), StartOptions{Binary: shell(t)}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return p
}

func TestProcessStopEscalation(t *testing.T) {
	t.Run("graceful exit skips kill", func(t *testing.T) {
		ctrl := newFakeController(true)
		p := startFake(t, ctrl)

		p.Stop(context.Background(), time.Second)

		if ctrl.terminates.Load() != 1 {
			t.Errorf("terminates = %d, want 1", ctrl.terminates.Load())
		}
		if ctrl.kills.Load() != 0 {
			t.Errorf("kills = %d, want 0", ctrl.kills.Load())
		}
	})

	t.Run("ignored terminate is killed after grace", func(t *testing.T) {
		ctrl := newFakeController(false)
		p := startFake(t, ctrl)

		start := time.Now()
		p.Stop(context.Background(), 300*time.Millisecond)

		if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
			t.Errorf("Stop returned after %v, before the grace period", elapsed)
		}
		if ctrl.kills.Load() != 1 {
			t.Errorf("kills = %d, want 1", ctrl.kills.Load())
		}
	})

	t.Run("cancelled context kills immediately", func(t *testing.T) {
		ctrl := newFakeController(false)
		p := startFake(t, ctrl)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		p.Stop(ctx, time.Minute)

		if time.Since(start) > 5*time.Second {
			t.Error("Stop waited for the grace period despite a cancelled context")
		}
		if ctrl.terminates.Load() != 0 {
			t.Errorf("terminates = %d, want 0", ctrl.terminates.Load())
		}
		if ctrl.kills.Load() != 1 {
			t.Errorf("kills = %d, want 1", ctrl.kills.Load())
		}
	})

	t.Run("stop when idle is a no-op", func(t *testing.T) {
		New(nil).Stop(context.Background(), time.Second)
	})
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "DAPR_API_TOKEN=old"}
	got := mergeEnv(base, map[string]string{"DAPR_API_TOKEN": "new", "APP_ID": "orders"})

	want := []string{"PATH=/bin", "HOME=/root", "APP_ID=orders", "DAPR_API_TOKEN=new"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("mergeEnv() = %v, want %v", got, want)
	}

	if same := mergeEnv(base, nil); len(same) != len(base) {
		t.Errorf("mergeEnv(nil) = %v, want base", same)
	}
}

func TestIsProcessRunning(t *testing.T) {
	t.Run("returns true for current process", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Error("IsProcessRunning(os.Getpid()) = false, want true")
		}
	})

	t.Run("returns false for invalid PID", func(t *testing.T) {
		if IsProcessRunning(0) || IsProcessRunning(-5) {
			t.Error("IsProcessRunning() = true for non-positive pid")
		}
	})
}

func TestAttach(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	a := Attach(cmd.Process.Pid, nil)
	if !a.IsRunning() {
		t.Fatal("IsRunning() = false for live process")
	}

	a.Stop(context.Background(), time.Second)

	if a.PID() != 0 || a.IsRunning() {
		t.Error("attached handle still reports a process after Stop")
	}
	if !IsProcessRunning(cmd.Process.Pid) {
		t.Error("Stop signalled the adopted process")
	}
}
