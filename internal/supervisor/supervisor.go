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

// Package supervisor runs one sidecar binary through its lifecycle.
//
// A Supervisor decides whether to spawn a new process, attach to an
// equivalent one already running, or refuse a conflicting duplicate. It
// assigns ports so they survive restarts, prepares the runtime directory,
// launches the binary, infers readiness from its log output and restarts it
// after unplanned exits.
//
// Status transitions:
//
//	Stopped -> Initializing -> Disabled
//	                        -> Started (attached)
//	                        -> Starting -> Started -> Stopping -> Stopped
//
// Start returns immediately; initialization runs on a goroutine owned by
// the Supervisor and progress is observable only through Info. Stop and
// Restart block until the process is gone and that goroutine has returned.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/sidekick/internal/discovery"
	"github.com/tombee/sidekick/internal/lifecycle"
	"github.com/tombee/sidekick/internal/log"
	"github.com/tombee/sidekick/internal/logstatus"
	"github.com/tombee/sidekick/internal/ports"
	"github.com/tombee/sidekick/internal/sidecar"
	sperrors "github.com/tombee/sidekick/pkg/errors"
)

// ErrNotStarted is returned by Restart when Start was never called.
var ErrNotStarted = errors.New("supervisor: not started")

// ErrStartRejected is returned by Restart when the follow-up Start was refused.
var ErrStartRejected = errors.New("supervisor: start rejected")

const tracerName = "github.com/tombee/sidekick/internal/supervisor"

// Handle is the supervisor's view of a live process, spawned or attached.
type Handle interface {
	PID() int
	IsRunning() bool
	Stop(ctx context.Context, grace time.Duration)
}

// Process is a Handle that can be launched.
type Process interface {
	Handle
	Start(ctx context.Context, opts lifecycle.StartOptions) error
}

// ProcessFactory creates the wrapper for one launch.
type ProcessFactory func(logger *slog.Logger) Process

type deps struct {
	logger     *slog.Logger
	finder     discovery.Finder
	oracle     ports.Oracle
	newProcess ProcessFactory
	homeDir    func() (string, error)
}

// Option configures a Supervisor.
type Option func(*deps)

// WithLogger sets the logger. The kind name is added to every record.
func WithLogger(logger *slog.Logger) Option {
	return func(d *deps) { d.logger = logger }
}

// WithFinder replaces OS process discovery.
func WithFinder(f discovery.Finder) Option {
	return func(d *deps) { d.finder = f }
}

// WithOracle replaces the OS port oracle.
func WithOracle(o ports.Oracle) Option {
	return func(d *deps) { d.oracle = o }
}

// WithProcessFactory replaces how processes are created.
func WithProcessFactory(f ProcessFactory) Option {
	return func(d *deps) { d.newProcess = f }
}

// WithHomeDir replaces the home directory lookup used for default locations.
func WithHomeDir(f func() (string, error)) Option {
	return func(d *deps) { d.homeDir = f }
}

// run is one initialization attempt. Output callbacks compare against the
// current run so lines from a previous process cannot change status.
type run[T any] struct {
	id     string
	logger *slog.Logger
	opts   *T
}

// Supervisor owns at most one sidecar process of kind T.
type Supervisor[T any] struct {
	kind       sidecar.Kind[T]
	logger     *slog.Logger
	finder     discovery.Finder
	oracle     ports.Oracle
	newProcess ProcessFactory
	homeDir    func() (string, error)
	tracer     trace.Tracer

	// Read without the lock by Info and the output callbacks.
	status   atomic.Int32
	pid      atomic.Int64
	attached atomic.Bool
	version  atomic.Pointer[string]
	current  atomic.Pointer[run[T]]

	mu           sync.Mutex
	accessor     func() T
	handle       Handle
	grace        time.Duration
	initCancel   context.CancelFunc
	initDone     chan struct{}
	generation   uint64
	restartArmed bool
	restartAfter time.Duration
	timer        *time.Timer

	// optsMu guards pending and last. current and the Starting status of a
	// new run are committed while it is held.
	optsMu  sync.Mutex
	pending *T
	last    *T
}

// New creates a stopped supervisor for kind.
func New[T any](kind sidecar.Kind[T], opts ...Option) *Supervisor[T] {
	d := deps{
		homeDir: os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.logger == nil {
		d.logger = log.Discard()
	}
	logger := log.WithKind(d.logger, kind.Name())
	if d.finder == nil {
		d.finder = discovery.NewSystemFinder(logger)
	}
	if d.oracle == nil {
		d.oracle = ports.NewSystemOracle(logger)
	}
	if d.newProcess == nil {
		d.newProcess = func(l *slog.Logger) Process { return lifecycle.New(l) }
	}

	s := &Supervisor[T]{
		kind:       kind,
		logger:     logger,
		finder:     d.finder,
		oracle:     d.oracle,
		newProcess: d.newProcess,
		homeDir:    d.homeDir,
		tracer:     otel.Tracer(tracerName),
		grace:      sidecar.DefaultWaitForShutdownSeconds * time.Second,
	}
	recordStatus(kind.Name(), StatusStopped)
	return s
}

// Kind returns the capability this supervisor runs.
func (s *Supervisor[T]) Kind() sidecar.Kind[T] {
	return s.kind
}

// Status returns the current status without locking.
func (s *Supervisor[T]) Status() Status {
	return Status(s.status.Load())
}

// Info returns a snapshot. It may observe a transition in progress.
func (s *Supervisor[T]) Info() Info {
	info := Info{
		Name:     s.kind.Name(),
		Status:   s.Status(),
		Attached: s.attached.Load(),
	}
	if pid := int(s.pid.Load()); pid > 0 {
		info.PID = &pid
	}
	if v := s.version.Load(); v != nil {
		info.Version = *v
	}
	return info
}

// LastSuccessfulOptions returns a copy of the options of the last launch
// that reached Started, or nil.
func (s *Supervisor[T]) LastSuccessfulOptions() *T {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	if s.last == nil {
		return nil
	}
	c := s.kind.Clone(s.last)
	return &c
}

// Start begins initialization with options from accessor and returns
// immediately. It returns false without any state change unless the
// supervisor is Stopped or Disabled with no live process. A nil accessor
// is a programming error and panics.
func (s *Supervisor[T]) Start(accessor func() T) bool {
	if accessor == nil {
		panic("supervisor: nil options accessor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Status().Accepting() || s.handle != nil {
		return false
	}

	s.accessor = accessor
	s.launchLocked()
	return true
}

// Stop tears the sidecar down and disarms restarts. It waits for any
// initialization in flight, asks the sidecar to shut down, and stops the
// process within its grace period. Cancelling ctx shortens the wait.
// Stop is idempotent.
func (s *Supervisor[T]) Stop(ctx context.Context) {
	for {
		s.mu.Lock()
		s.disarmLocked()
		if s.initDone == nil {
			s.teardownLocked(ctx)
			s.mu.Unlock()
			return
		}
		cancel, done := s.initCancel, s.initDone
		s.initCancel, s.initDone = nil, nil
		s.mu.Unlock()

		// The init goroutine takes s.mu, so it is joined unlocked.
		cancel()
		<-done
	}
}

// Restart stops the sidecar and starts it again with the accessor given
// to the last Start. Ports are retained per the options.
func (s *Supervisor[T]) Restart(ctx context.Context) error {
	s.mu.Lock()
	accessor := s.accessor
	s.mu.Unlock()
	if accessor == nil {
		return ErrNotStarted
	}

	s.logger.Info("restarting sidecar")
	s.Stop(ctx)
	if !s.Start(accessor) {
		return ErrStartRejected
	}
	recordRestart(s.kind.Name())
	return nil
}

// launchLocked starts an initialization attempt. Caller holds s.mu.
func (s *Supervisor[T]) launchLocked() {
	s.stopTimerLocked()
	if s.initCancel != nil {
		// The previous attempt has already finished; release its context.
		s.initCancel()
	}
	s.generation++
	gen := s.generation

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.initCancel = cancel
	s.initDone = done
	s.setStatus(StatusInitializing)

	go func() {
		defer close(done)
		s.runInit(ctx, gen)
	}()
}

func (s *Supervisor[T]) runInit(ctx context.Context, gen uint64) {
	runID := uuid.NewString()
	logger := log.WithRunContext(s.logger, runID)
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "sidecar.initialize",
		trace.WithAttributes(
			attribute.String("sidekick.kind", s.kind.Name()),
			attribute.String("sidekick.run_id", runID),
		),
	)
	defer span.End()

	logger.Debug("initializing sidecar")

	if err := s.initialize(ctx, gen, runID, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, gen, logger, err)
		return
	}

	span.SetAttributes(attribute.String("sidekick.status", s.Status().String()))
	logger.Debug("initialization finished",
		slog.String(log.StatusKey, s.Status().String()),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	)
}

func (s *Supervisor[T]) initialize(ctx context.Context, gen uint64, runID string, logger *slog.Logger) error {
	s.mu.Lock()
	accessor := s.accessor
	s.mu.Unlock()

	opts := s.kind.Resolve(accessor())
	base := s.kind.Base(&opts)

	if !base.IsEnabled() {
		return s.disable(gen, logger)
	}

	attached, err := s.resolveExisting(ctx, gen, logger, &opts)
	if err != nil || attached {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	assignments, err := ports.NewBuilder(s.oracle, s.kind.Ports()).
		Retain(base.RetainPorts()).
		Build(ctx, &opts, s.LastSuccessfulOptions())
	if err != nil {
		return fmt.Errorf("assigning ports: %w", err)
	}
	for _, a := range assignments {
		log.Trace(logger, "port resolved",
			slog.String("field", a.Field),
			slog.Int("port", a.Port),
			slog.String("source", string(a.Source)),
		)
	}

	loc, err := prepareLocations(base, s.homeDir)
	if err != nil {
		return err
	}
	s.kind.AssignLocations(&opts, loc)

	if err := s.armRestart(gen, base, logger); err != nil {
		return err
	}

	if err := s.kind.OnStarting(ctx, &opts); err != nil {
		return fmt.Errorf("preparing %s: %w", s.kind.Name(), err)
	}

	env := s.kind.ToEnvironment(&opts)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, base.EnvironmentVariables)

	args := append(s.kind.ToArguments(&opts), strings.Fields(base.CustomArguments)...)

	return s.spawn(ctx, gen, &run[T]{id: runID, logger: logger, opts: &opts}, args, env)
}

func (s *Supervisor[T]) disable(gen uint64, logger *slog.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return context.Canceled
	}
	s.restartArmed = false
	s.stopTimerLocked()
	s.setStatus(StatusDisabled)
	logger.Info("sidecar disabled")
	return nil
}

// resolveExisting compares running processes of the same image against the
// proposed options. It reports true when one was attached.
func (s *Supervisor[T]) resolveExisting(ctx context.Context, gen uint64, logger *slog.Logger, opts *T) (bool, error) {
	image := s.kind.Base(opts).ProcessName
	found, err := s.finder.Find(ctx, image)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("process discovery failed, continuing without it", log.Error(err))
		return false, nil
	}
	if len(found) == 0 {
		return false, nil
	}

	proposed := s.kind.Clone(opts)
	if _, err := ports.NewBuilder(s.oracle, s.kind.Ports()).Force().Build(ctx, &proposed, nil); err != nil {
		return false, fmt.Errorf("evaluating proposed ports: %w", err)
	}

	for _, p := range found {
		existing := sidecar.Reconstruct(s.kind, p.Cmdline)
		if _, err := ports.NewBuilder(s.oracle, s.kind.Ports()).Force().Build(ctx, &existing, nil); err != nil {
			logger.Debug("ignoring process with unreadable ports", slog.Int(log.PIDKey, p.PID), log.Error(err))
			continue
		}

		switch s.kind.Compare(&proposed, &existing, p) {
		case sidecar.Duplicate:
			dup := &sperrors.DuplicateProcessError{
				Kind:     s.kind.Name(),
				Identity: s.kind.Identity(&existing),
				PID:      p.PID,
				Detail:   "running with a different port configuration",
			}
			logger.Error("duplicate sidecar already running",
				slog.Int(log.PIDKey, p.PID),
				slog.String("identity", dup.Identity),
				slog.String("cmdline", strings.Join(p.Cmdline, " ")),
			)
			return false, dup
		case sidecar.Attachable:
			return true, s.attach(ctx, gen, logger, p, &existing)
		}
	}
	return false, nil
}

func (s *Supervisor[T]) attach(ctx context.Context, gen uint64, logger *slog.Logger, p discovery.Process, existing *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || ctx.Err() != nil {
		return context.Canceled
	}

	s.handle = lifecycle.Attach(p.PID, logger)
	s.grace = s.kind.Base(existing).ShutdownGrace()
	s.attached.Store(true)
	s.pid.Store(int64(p.PID))
	recordAttached(s.kind.Name(), true)

	s.optsMu.Lock()
	snapshot := s.kind.Clone(existing)
	s.pending = &snapshot
	last := s.kind.Clone(existing)
	s.last = &last
	s.optsMu.Unlock()

	s.setStatus(StatusStarted)
	logger.Info("attached to running sidecar",
		slog.Int(log.PIDKey, p.PID),
		slog.String("identity", s.kind.Identity(existing)),
	)
	return nil
}

func (s *Supervisor[T]) armRestart(gen uint64, base *sidecar.Options, logger *slog.Logger) error {
	interval, armed := base.RestartAfter()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return context.Canceled
	}
	s.restartArmed = armed
	s.restartAfter = interval
	if !armed {
		logger.Warn("restart after failure is disabled",
			slog.Int("restart_after_millis", *base.RestartAfterMillis),
		)
	}
	return nil
}

// spawn commits the run and launches the process. The handle is recorded
// before the OS process exists so a concurrent Stop always finds it.
func (s *Supervisor[T]) spawn(ctx context.Context, gen uint64, r *run[T], args []string, env map[string]string) error {
	base := s.kind.Base(r.opts)
	proc := s.newProcess(r.logger)
	interp := logstatus.New(log.WithComponent(r.logger, "sidecar"), logstatus.Callbacks{
		OnVersion: func(v string) {
			if s.current.Load() == r {
				s.version.Store(&v)
			}
		},
		OnReady:    func() { s.onReady(r) },
		OnStopping: func() { s.onStopping(r) },
	}, s.kind.ReadyPhrases()...)

	s.mu.Lock()
	if s.generation != gen || ctx.Err() != nil {
		s.mu.Unlock()
		return context.Canceled
	}
	s.grace = base.ShutdownGrace()
	s.handle = proc
	// Output callbacks check current under optsMu.
	s.optsMu.Lock()
	s.pending = r.opts
	s.current.Store(r)
	s.setStatus(StatusStarting)
	s.optsMu.Unlock()
	s.mu.Unlock()

	err := proc.Start(ctx, lifecycle.StartOptions{
		Binary:   base.ProcessFile,
		Args:     args,
		Dir:      base.WorkingDirectory,
		Env:      env,
		OnOutput: interp.Handle,
		OnExit:   func(err error) { s.handleExit(proc, err) },
	})
	if err != nil {
		return fmt.Errorf("starting %s: %w", s.kind.Name(), err)
	}

	s.mu.Lock()
	if s.handle == proc {
		s.pid.Store(int64(proc.PID()))
	}
	s.mu.Unlock()

	recordStart(s.kind.Name())
	r.logger.Info("sidecar process launched",
		slog.Int(log.PIDKey, proc.PID()),
		slog.String("binary", base.ProcessFile),
	)
	return nil
}

// onReady moves Starting to Started and records the successful options.
// The run check and the transition happen under optsMu, so a callback from
// a run that was replaced in between can never promote its successor.
func (s *Supervisor[T]) onReady(r *run[T]) {
	s.optsMu.Lock()
	if s.current.Load() != r ||
		!s.status.CompareAndSwap(int32(StatusStarting), int32(StatusStarted)) {
		s.optsMu.Unlock()
		return
	}
	last := s.kind.Clone(r.opts)
	s.last = &last
	s.optsMu.Unlock()
	recordStatus(s.kind.Name(), StatusStarted)

	r.logger.Info("sidecar started", slog.String(log.StatusKey, StatusStarted.String()))
}

// onStopping records that the sidecar announced its own shutdown.
func (s *Supervisor[T]) onStopping(r *run[T]) {
	s.optsMu.Lock()
	moved := s.current.Load() == r &&
		(s.status.CompareAndSwap(int32(StatusStarted), int32(StatusStopping)) ||
			s.status.CompareAndSwap(int32(StatusStarting), int32(StatusStopping)))
	s.optsMu.Unlock()
	if moved {
		recordStatus(s.kind.Name(), StatusStopping)
		r.logger.Info("sidecar shutting down", slog.String(log.StatusKey, StatusStopping.String()))
	}
}

// handleExit is the unplanned exit path of a spawned process.
func (s *Supervisor[T]) handleExit(proc Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != proc {
		return
	}

	s.logger.Error("sidecar exited unexpectedly", log.Error(err))
	recordUnplannedExit(s.kind.Name())

	armed := s.restartArmed
	s.teardownLocked(context.Background())
	if armed {
		s.scheduleRestartLocked()
	}
}

// fail handles an initialization error. Attempts cancelled by Stop are
// left for Stop to clean up.
func (s *Supervisor[T]) fail(ctx context.Context, gen uint64, logger *slog.Logger, err error) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}

	errType := sperrors.Type(err)
	logger.Error("sidecar initialization failed",
		log.Error(err),
		slog.String("error_type", errType),
	)
	recordInitFailure(s.kind.Name(), errType)

	armed := s.restartArmed
	s.teardownLocked(context.Background())
	if armed {
		s.scheduleRestartLocked()
	}
}

// teardownLocked stops and releases the current handle and clears per-run
// state. LastSuccessfulOptions survives. Caller holds s.mu.
func (s *Supervisor[T]) teardownLocked(ctx context.Context) {
	status := s.Status()

	if s.handle != nil {
		s.setStatus(StatusStopping)

		if !s.attached.Load() && s.handle.IsRunning() {
			s.optsMu.Lock()
			pending := s.pending
			s.optsMu.Unlock()
			if pending != nil {
				s.kind.OnStopping(ctx, pending)
			}
		}

		s.handle.Stop(ctx, s.grace)
		s.handle = nil
		s.logger.Info("sidecar stopped")
	}

	if s.attached.Swap(false) {
		recordAttached(s.kind.Name(), false)
	}
	s.pid.Store(0)
	s.version.Store(nil)
	s.stopTimerLocked()

	s.optsMu.Lock()
	s.current.Store(nil)
	s.pending = nil
	s.optsMu.Unlock()

	if status == StatusDisabled {
		return
	}
	s.setStatus(StatusStopped)
}

func (s *Supervisor[T]) scheduleRestartLocked() {
	gen := s.generation
	delay := s.restartAfter
	s.timer = time.AfterFunc(delay, func() { s.restartFromTimer(gen) })
	s.logger.Info("sidecar restart scheduled", slog.Int64("delay_ms", delay.Milliseconds()))
}

func (s *Supervisor[T]) restartFromTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.restartArmed || s.accessor == nil {
		return
	}
	s.timer = nil
	if !s.Status().Accepting() || s.handle != nil {
		return
	}

	recordRestart(s.kind.Name())
	s.launchLocked()
}

// disarmLocked cancels any pending restart and invalidates timers already
// firing. Caller holds s.mu.
func (s *Supervisor[T]) disarmLocked() {
	s.restartArmed = false
	s.stopTimerLocked()
	s.generation++
}

func (s *Supervisor[T]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor[T]) setStatus(status Status) {
	s.status.Store(int32(status))
	recordStatus(s.kind.Name(), status)
}
