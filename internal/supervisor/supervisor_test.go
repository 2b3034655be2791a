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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/lifecycle"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	readyLine    = `{"msg":"dapr initialized. Status: Running. Init Elapsed 243.003ms","ver":"1.14.0"}`
	shutdownLine = `{"msg":"stop command issued. Shutting down all operations"}`
)

// testOptions is a minimal sidecar with two ports.
type testOptions struct {
	sidecar.Options

	ID        string
	Port      int
	AdminPort int
	Token     string
}

type testKind struct {
	name string

	mu       sync.Mutex
	starting int
	stopping int
	startErr error
}

func newTestKind(name string) *testKind {
	return &testKind{name: name}
}

func (k *testKind) Name() string { return k.name }

func (k *testKind) Resolve(proposed testOptions) testOptions {
	o := k.Clone(&proposed)
	o.ApplyDefaults(k.name)
	if o.ID == "" {
		o.ID = "test-0"
	}
	return o
}

func (k *testKind) Clone(o *testOptions) testOptions {
	c := *o
	c.Options = o.Options.Clone()
	return c
}

func (k *testKind) Base(o *testOptions) *sidecar.Options { return &o.Options }

func (k *testKind) Ports() []ports.Field[testOptions] {
	return []ports.Field[testOptions]{
		{
			Name:  "port",
			Start: 40000,
			Get:   func(o *testOptions) int { return o.Port },
			Set:   func(o *testOptions, p int) { o.Port = p },
		},
		{
			Name:  "admin-port",
			Start: 40000,
			Get:   func(o *testOptions) int { return o.AdminPort },
			Set:   func(o *testOptions, p int) { o.AdminPort = p },
		},
	}
}

func (k *testKind) AssignLocations(*testOptions, sidecar.Locations) {}

func (k *testKind) ToArguments(o *testOptions) []string {
	var b sidecar.ArgumentBuilder
	b.Add("id", o.ID).AddInt("port", o.Port).AddInt("admin-port", o.AdminPort)
	return b.Args()
}

func (k *testKind) ToEnvironment(o *testOptions) map[string]string {
	return map[string]string{"TEST_TOKEN": o.Token, "TEST_MODE": "kind"}
}

func (k *testKind) ParseArgument(o *testOptions, name, value string) {
	switch name {
	case "id":
		o.ID = value
	case "port":
		o.Port = sidecar.ParseInt(value)
	case "admin-port":
		o.AdminPort = sidecar.ParseInt(value)
	}
}

func (k *testKind) Identity(o *testOptions) string { return o.ID }

func (k *testKind) Compare(proposed, existing *testOptions, _ discovery.Process) sidecar.Comparison {
	return sidecar.CompareIdentity(proposed.ID, existing.ID, proposed.Port, existing.Port)
}

func (k *testKind) OnStarting(_ context.Context, _ *testOptions) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.starting++
	return k.startErr
}

func (k *testKind) OnStopping(context.Context, *testOptions) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopping++
}

func (k *testKind) stoppingCalls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopping
}

func (k *testKind) HealthURL(*testOptions) string { return "" }

func (k *testKind) MetricsURL(*testOptions) string { return "" }

func (k *testKind) ReadyPhrases() []logstatus.Phrase { return nil }

func (k *testKind) setStartErr(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.startErr = err
}

func (k *testKind) startingCalls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.starting
}

// fakeFinder returns canned processes.
type fakeFinder struct {
	procs []discovery.Process
	err   error
}

func (f *fakeFinder) Find(context.Context, string) ([]discovery.Process, error) {
	return f.procs, f.err
}

// shiftOracle reports start+offset as free; the offset can change between builds.
type shiftOracle struct {
	offset atomic.Int32
}

func (o *shiftOracle) NextAvailable(_ context.Context, start int, exclude ports.Set) int {
	port := start + int(o.offset.Load())
	for exclude.Has(port) {
		port++
	}
	return port
}

// fakeProcess records launches and lets tests drive output and exit.
type fakeProcess struct {
	pid int

	mu       sync.Mutex
	opts     lifecycle.StartOptions
	running  bool
	stops    int
	startErr error
}

func (p *fakeProcess) Start(ctx context.Context, opts lifecycle.StartOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.opts = opts
	p.running = true
	return nil
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcess) Stop(context.Context, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.stops++
}

func (p *fakeProcess) options() lifecycle.StartOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

func (p *fakeProcess) emit(line string) {
	if out := p.options().OnOutput; out != nil {
		out(line)
	}
}

// crash simulates an unplanned exit.
func (p *fakeProcess) crash() {
	p.mu.Lock()
	p.running = false
	onExit := p.opts.OnExit
	p.mu.Unlock()
	onExit(errors.New("exit status 1"))
}

func (p *fakeProcess) stopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type processes struct {
	mu       sync.Mutex
	created  []*fakeProcess
	startErr error
}

func (ps *processes) factory(*slog.Logger) Process {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &fakeProcess{pid: 1000 + len(ps.created), startErr: ps.startErr}
	ps.created = append(ps.created, p)
	return p
}

func (ps *processes) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.created)
}

func (ps *processes) get(i int) *fakeProcess {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.created[i]
}

type harness struct {
	kind    *testKind
	finder  *fakeFinder
	oracle  *shiftOracle
	procs   *processes
	logs    *syncBuffer
	runtime string
	sup     *Supervisor[testOptions]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	runtime := t.TempDir()
	binDir := filepath.Join(runtime, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))

	h := &harness{
		kind:    newTestKind("test-" + filepath.Base(t.Name())),
		finder:  &fakeFinder{},
		oracle:  &shiftOracle{},
		procs:   &processes{},
		logs:    &syncBuffer{},
		runtime: runtime,
	}
	require.NoError(t, os.WriteFile(filepath.Join(binDir, executableName(h.kind.name)), []byte("#!/bin/sh\n"), 0o755))

	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.sup = New[testOptions](h.kind,
		WithLogger(logger),
		WithFinder(h.finder),
		WithOracle(h.oracle),
		WithProcessFactory(h.procs.factory),
		WithHomeDir(func() (string, error) { return "", errors.New("no home in tests") }),
	)
	t.Cleanup(func() { h.sup.Stop(context.Background()) })
	return h
}

func (h *harness) options(mutate ...func(*testOptions)) func() testOptions {
	return func() testOptions {
		o := testOptions{}
		o.InitialDirectory = h.runtime
		o.RestartAfterMillis = sidecar.Ptr(20)
		for _, m := range mutate {
			m(&o)
		}
		return o
	}
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.Status() == want }, waitFor, tick,
		"status = %v, want %v", h.sup.Status(), want)
}

func (h *harness) waitProcesses(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.procs.count() >= n && h.sup.Status() == StatusStarting && h.sup.Info().PID != nil
	}, waitFor, tick)
}

func TestStartReachesStarted(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.Token = "secret" })))
	h.waitProcesses(t, 1)

	proc := h.procs.get(0)
	proc.emit(readyLine)
	h.waitStatus(t, StatusStarted)

	info := h.sup.Info()
	assert.Equal(t, h.kind.name, info.Name)
	require.NotNil(t, info.PID)
	assert.Equal(t, 1000, *info.PID)
	assert.Equal(t, "1.14.0", info.Version)
	assert.False(t, info.Attached)

	last := h.sup.LastSuccessfulOptions()
	require.NotNil(t, last)
	assert.Equal(t, 40000, last.Port)
	assert.Equal(t, 40001, last.AdminPort, "ports in one build are distinct")
	assert.Equal(t, filepath.Join(h.runtime, "bin", executableName(h.kind.name)), last.ProcessFile)

	opts := proc.options()
	assert.Equal(t, last.ProcessFile, opts.Binary)
	assert.Equal(t, []string{"--id", "test-0", "--port", "40000", "--admin-port", "40001"}, opts.Args)
	assert.Equal(t, "secret", opts.Env["TEST_TOKEN"])
}

func TestStartRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)

	assert.False(t, h.sup.Start(h.options()), "Start while Starting")
	assert.Equal(t, StatusStarting, h.sup.Status())

	h.procs.get(0).emit(readyLine)
	h.waitStatus(t, StatusStarted)

	assert.False(t, h.sup.Start(h.options()), "Start while Started")
	assert.Equal(t, StatusStarted, h.sup.Status())
	assert.Equal(t, 1, h.procs.count())
}

func TestStartNilAccessorPanics(t *testing.T) {
	h := newHarness(t)
	assert.Panics(t, func() { h.sup.Start(nil) })
}

func TestDisabled(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.Enabled = sidecar.Ptr(false) })))
	h.waitStatus(t, StatusDisabled)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.procs.count(), "no process spawned")
	assert.Equal(t, StatusDisabled, h.sup.Status())

	h.sup.mu.Lock()
	armed, timer := h.sup.restartArmed, h.sup.timer
	h.sup.mu.Unlock()
	assert.False(t, armed)
	assert.Nil(t, timer)

	// Disabled accepts an explicit new Start.
	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
}

func TestDuplicateProcess(t *testing.T) {
	h := newHarness(t)
	h.finder.procs = []discovery.Process{{
		PID:     4242,
		Name:    h.kind.name,
		Cmdline: []string{h.kind.name, "--id", "test-0", "--port", "41000"},
	}}

	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.Port = 40000 })))
	require.Eventually(t, func() bool {
		return h.sup.Status() == StatusStopped && bytes.Contains([]byte(h.logs.String()), []byte("initialization failed"))
	}, waitFor, tick)

	assert.Zero(t, h.procs.count())
	logs := h.logs.String()
	assert.Contains(t, logs, `"level":"ERROR"`)
	assert.Contains(t, logs, "4242")
	assert.Contains(t, logs, `"error_type":"duplicate"`)
}

func TestAttachToEquivalentProcess(t *testing.T) {
	h := newHarness(t)
	pid := os.Getpid()
	h.finder.procs = []discovery.Process{{
		PID:     pid,
		Name:    h.kind.name,
		Cmdline: []string{h.kind.name, "--id", "test-0", "--port", "40000", "--admin-port", "40050"},
	}}

	require.True(t, h.sup.Start(h.options()))
	h.waitStatus(t, StatusStarted)

	info := h.sup.Info()
	assert.True(t, info.Attached)
	require.NotNil(t, info.PID)
	assert.Equal(t, pid, *info.PID)

	last := h.sup.LastSuccessfulOptions()
	require.NotNil(t, last)
	assert.Equal(t, 40050, last.AdminPort, "options come from the existing command line")

	h.sup.Stop(context.Background())

	assert.Equal(t, StatusStopped, h.sup.Status())
	assert.Zero(t, h.procs.count(), "nothing spawned")
	assert.Zero(t, h.kind.stoppingCalls(), "adopted process is not asked to shut down")
	assert.False(t, h.sup.Info().Attached)
}

func TestUnrelatedProcessIgnored(t *testing.T) {
	h := newHarness(t)
	h.finder.procs = []discovery.Process{{
		PID:     4242,
		Cmdline: []string{h.kind.name, "--id", "someone-else", "--port", "40000"},
	}}

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
}

func TestDiscoveryErrorDoesNotBlockStart(t *testing.T) {
	h := newHarness(t)
	h.finder.err = errors.New("permission denied")

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
	assert.Contains(t, h.logs.String(), "process discovery failed")
}

func TestLogLinesDriveStatus(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
	proc := h.procs.get(0)

	proc.emit("not json at all")
	assert.Equal(t, StatusStarting, h.sup.Status(), "unparsable line leaves status unchanged")
	assert.Contains(t, h.logs.String(), "not json at all")

	proc.emit(readyLine)
	assert.Equal(t, StatusStarted, h.sup.Status())

	proc.emit(shutdownLine)
	assert.Equal(t, StatusStopping, h.sup.Status())
}

func TestUnplannedExitRestartsWithRetainedPorts(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)

	first := h.procs.get(0)
	first.emit(readyLine)
	h.waitStatus(t, StatusStarted)

	// Ports the oracle would now hand out differ; retention must win.
	h.oracle.offset.Store(500)
	first.crash()

	h.waitProcesses(t, 2)
	second := h.procs.get(1)
	assert.Equal(t, first.options().Args, second.options().Args)

	// Output from the dead process no longer affects status.
	first.emit(readyLine)
	assert.Equal(t, StatusStarting, h.sup.Status())

	second.emit(readyLine)
	h.waitStatus(t, StatusStarted)
	assert.Contains(t, h.logs.String(), "sidecar exited unexpectedly")
}

func TestRetentionDisabledReassignsPorts(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.RetainPortsOnRestart = sidecar.Ptr(false) })))
	h.waitProcesses(t, 1)
	h.procs.get(0).emit(readyLine)
	h.waitStatus(t, StatusStarted)

	h.oracle.offset.Store(500)
	h.procs.get(0).crash()
	h.waitProcesses(t, 2)

	assert.Equal(t, []string{"--id", "test-0", "--port", "40500", "--admin-port", "40501"}, h.procs.get(1).options().Args)
}

func TestNegativeRestartSuppressesRetry(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.RestartAfterMillis = sidecar.Ptr(-1) })))
	h.waitProcesses(t, 1)
	assert.Contains(t, h.logs.String(), "restart after failure is disabled")

	h.procs.get(0).crash()
	h.waitStatus(t, StatusStopped)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.procs.count())
	assert.Equal(t, StatusStopped, h.sup.Status())
}

func TestPositiveRestartSchedulesExactlyOneAttempt(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.RestartAfterMillis = sidecar.Ptr(30) })))
	h.waitProcesses(t, 1)

	h.procs.get(0).crash()
	h.waitProcesses(t, 2)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, h.procs.count())
}

func TestInitFailureBeforeArmingIsTerminal(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.ProcessFile = "missing-binary" })))

	require.Eventually(t, func() bool {
		return h.sup.Status() == StatusStopped && bytes.Contains([]byte(h.logs.String()), []byte("not_found"))
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.procs.count())
	assert.Equal(t, StatusStopped, h.sup.Status())
}

func TestInitFailureAfterArmingRetries(t *testing.T) {
	h := newHarness(t)
	h.kind.setStartErr(errors.New("cannot prepare"))

	require.True(t, h.sup.Start(h.options()))
	require.Eventually(t, func() bool { return h.kind.startingCalls() >= 2 }, waitFor, tick, "retried after failure")

	h.kind.setStartErr(nil)
	h.waitProcesses(t, 1)
}

func TestSpawnFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.procs.startErr = errors.New("exec format error")

	require.True(t, h.sup.Start(h.options()))
	require.Eventually(t, func() bool { return h.procs.count() >= 2 }, waitFor, tick)
	assert.Contains(t, h.logs.String(), "exec format error")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.sup.Stop(context.Background())
	assert.Equal(t, StatusStopped, h.sup.Status())

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
	proc := h.procs.get(0)
	proc.emit(readyLine)
	h.waitStatus(t, StatusStarted)

	h.sup.Stop(context.Background())
	h.sup.Stop(context.Background())

	assert.Equal(t, StatusStopped, h.sup.Status())
	assert.Equal(t, 1, h.kind.stoppingCalls(), "stopping hook runs once for a live process")
	assert.Equal(t, 1, proc.stopCalls())
	assert.Nil(t, h.sup.Info().PID)
	assert.Empty(t, h.sup.Info().Version)

	// Last successful options outlive Stop for the supervisor's lifetime.
	assert.NotNil(t, h.sup.LastSuccessfulOptions())
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) { o.RestartAfterMillis = sidecar.Ptr(100) })))
	h.waitProcesses(t, 1)

	h.procs.get(0).crash()
	h.waitStatus(t, StatusStopped)
	h.sup.Stop(context.Background())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.procs.count())
}

func TestRestart(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.sup.Restart(context.Background()), ErrNotStarted)

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
	h.procs.get(0).emit(readyLine)
	h.waitStatus(t, StatusStarted)

	h.oracle.offset.Store(100)
	require.NoError(t, h.sup.Restart(context.Background()))
	h.waitProcesses(t, 2)

	assert.Equal(t, 1, h.procs.get(0).stopCalls())
	assert.Equal(t, h.procs.get(0).options().Args, h.procs.get(1).options().Args, "ports retained across restart")
}

func TestReplacedRunCannotPromoteSuccessor(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.sup.Start(h.options()))
	h.waitProcesses(t, 1)
	stale := h.sup.current.Load()
	require.NotNil(t, stale)

	require.NoError(t, h.sup.Restart(context.Background()))
	h.waitProcesses(t, 2)
	require.Eventually(t, func() bool {
		cur := h.sup.current.Load()
		return cur != nil && cur != stale
	}, waitFor, tick)

	h.sup.onReady(stale)
	h.sup.onStopping(stale)
	h.procs.get(0).emit(readyLine)

	assert.Equal(t, StatusStarting, h.sup.Status())
	assert.Nil(t, h.sup.LastSuccessfulOptions())

	h.procs.get(1).emit(readyLine)
	h.waitStatus(t, StatusStarted)
	assert.NotNil(t, h.sup.LastSuccessfulOptions())
}

func TestEnvironmentOverridesAndCustomArguments(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.sup.Start(h.options(func(o *testOptions) {
		o.EnvironmentVariables = map[string]string{"TEST_MODE": "override", "EXTRA": "1"}
		o.CustomArguments = "--enable-feature  --level 3"
	})))
	h.waitProcesses(t, 1)

	opts := h.procs.get(0).options()
	assert.Equal(t, "override", opts.Env["TEST_MODE"])
	assert.Equal(t, "1", opts.Env["EXTRA"])
	assert.Equal(t, []string{"--enable-feature", "--level", "3"}, opts.Args[len(opts.Args)-3:])

	_, set := os.LookupEnv("TEST_MODE")
	assert.False(t, set, "supervisor environment is untouched")
}

func TestStatusMarshalText(t *testing.T) {
	for status, name := range statusNames {
		text, err := status.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))

		var back Status
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, status, back)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("running")))
}
