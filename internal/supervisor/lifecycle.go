// internal/supervisor/lifecycle.go
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rankforge/sentinel/internal/logbuf"
	"github.com/rankforge/sentinel/internal/logstore"
	"github.com/rankforge/sentinel/internal/registry"
	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
	"github.com/rankforge/sentinel/pkg/metrics"
)

// ManagerConfig holds the lifecycle manager's tunables.
type ManagerConfig struct {
	// AutoRestart globally enables automatic restarts of crashed services.
	AutoRestart bool
	// MaxRestarts is the default restart budget for definitions that do not
	// set their own.
	MaxRestarts int
	// RestartBackoff is the flat delay before a restart attempt.
	RestartBackoff time.Duration
	// StopGrace is how long a graceful terminate may take before a
	// force-kill is considered.
	StopGrace time.Duration
	// BufferSize is the per-service log ring capacity.
	BufferSize int
	// MaxMessageLength truncates captured lines before further processing.
	MaxMessageLength int
	// RunID identifies this supervisor run in persisted log metadata.
	RunID string
}

// Manager owns the mapping from service definitions to OS processes (or
// attached external instances), wires process output into the log ring and
// the persistence pipeline, and reacts to process exit.
type Manager struct {
	cfg      ManagerConfig
	reg      *registry.Registry
	pipeline *logstore.Pipeline
	bus      *Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics

	spawner  Spawner
	lookPath func(string) (string, error)

	runtimes map[string]*Runtime

	tapMu sync.Mutex
	taps  map[string][]chan logbuf.Line

	shutdownOnce sync.Once
	shutdown     func()
}

// NewManager creates a lifecycle manager with one runtime per registered
// definition. The metrics collector may be nil.
func NewManager(cfg ManagerConfig, reg *registry.Registry, pipeline *logstore.Pipeline,
	bus *Bus, logger *logging.Logger, m *metrics.Metrics, spawner Spawner) *Manager {

	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 200
	}

	mgr := &Manager{
		cfg:      cfg,
		reg:      reg,
		pipeline: pipeline,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		spawner:  spawner,
		lookPath: exec.LookPath,
		runtimes: make(map[string]*Runtime),
		taps:     make(map[string][]chan logbuf.Line),
	}
	for _, def := range reg.Definitions() {
		enabled, _ := reg.Enabled(def.ID)
		mgr.runtimes[def.ID] = newRuntime(def, cfg.BufferSize, enabled)
	}
	return mgr
}

// SetShutdownFunc installs the full-supervisor shutdown trigger invoked when
// a critical service fails terminally. It is called at most once, on its own
// goroutine.
func (m *Manager) SetShutdownFunc(fn func()) {
	m.shutdown = fn
}

// Runtime returns the runtime for a service id.
func (m *Manager) Runtime(id string) (*Runtime, error) {
	rt, ok := m.runtimes[id]
	if !ok {
		return nil, serrors.WrapWithDomain(
			serrors.Wrap(serrors.ErrServiceNotFound, id), serrors.DomainLifecycle)
	}
	return rt, nil
}

// Runtimes returns all runtimes in priority order.
func (m *Manager) Runtimes() []*Runtime {
	defs := m.reg.Definitions()
	out := make([]*Runtime, 0, len(defs))
	for _, def := range defs {
		out = append(out, m.runtimes[def.ID])
	}
	return out
}

// Snapshots returns the structured status of every service in priority order.
func (m *Manager) Snapshots() []Snapshot {
	defs := m.reg.Definitions()
	out := make([]Snapshot, 0, len(defs))
	for _, def := range defs {
		enabled, reason := m.reg.Enabled(def.ID)
		out = append(out, m.runtimes[def.ID].snapshot(enabled, reason))
	}
	return out
}

// Logs returns the last n buffered log lines for a service.
func (m *Manager) Logs(id string, n int) ([]logbuf.Line, error) {
	rt, err := m.Runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.Buffer().Last(n), nil
}

// StartService starts (or attaches) a single service. Starting an
// already-running service is a no-op. A successful manual start resets the
// restart budget.
func (m *Manager) StartService(ctx context.Context, id string) error {
	return m.start(ctx, id, true)
}

func (m *Manager) start(ctx context.Context, id string, resetBudget bool) error {
	rt, err := m.Runtime(id)
	if err != nil {
		return err
	}

	enabled, reason := m.reg.Enabled(id)
	if !enabled {
		return serrors.WrapWithDomain(
			serrors.Wrap(serrors.ErrServiceDisabled, reason), serrors.DomainLifecycle)
	}

	if err := m.dependenciesMet(rt.def); err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.state.Running() && (rt.process != nil || rt.external) {
		rt.mu.Unlock()
		return nil
	}
	if rt.state == StateDisabled {
		rt.transitionLocked(InputEnable)
	}
	if rt.state == StateStarting && rt.restartPending {
		// An unexpected exit already moved the runtime back to Starting;
		// claim the pending restart instead of transitioning again.
		rt.restartPending = false
	} else if _, ok := rt.transitionLocked(InputStart); !ok {
		state := rt.state
		rt.mu.Unlock()
		if state == StateStarting || state == StateStopping {
			return nil
		}
		return serrors.New(fmt.Sprintf("cannot start %s from state %s", id, state))
	}
	rt.stopping = false
	def := rt.def
	rt.mu.Unlock()

	m.bus.Publish(EventStarting, id, "starting "+def.DisplayName)

	// Cooperate with an instance started outside the supervisor's control.
	if def.AttachIfHealthy {
		if check := def.Health(ctx); check.Healthy() {
			rt.mu.Lock()
			rt.external = true
			rt.process = nil
			rt.startedAt = time.Now()
			rt.restartsUsed = 0
			rt.transitionLocked(InputAttached)
			rt.mu.Unlock()

			m.logger.Info("attached to externally managed service", "service", id)
			m.bus.Publish(EventAttached, id, def.DisplayName+" attached (externally managed)")
			m.recordUp(id, true)
			return nil
		}
	}

	if def.Launch == nil {
		rt.transition(InputFailed)
		return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrSpawnFailure,
			fmt.Sprintf("%s is attach-only and no healthy instance was found", id)),
			serrors.DomainLifecycle)
	}

	if def.SpawnGuard != "" {
		if _, err := m.lookPath(def.SpawnGuard); err != nil {
			rt.transition(InputFailed)
			msg := fmt.Sprintf("launch tool %q not available, spawn skipped", def.SpawnGuard)
			m.captureLine(rt, logbuf.Stderr, msg)
			m.logger.Warn(msg, "service", id)
			m.bus.Publish(EventSpawnSkipped, id, msg)
			return serrors.WrapWithDomain(
				serrors.Wrap(serrors.ErrSpawnGuard, def.SpawnGuard), serrors.DomainLifecycle)
		}
	}

	proc, err := m.spawner(*def.Launch, func(stream logbuf.Stream, text string) {
		m.captureLine(rt, stream, text)
	})
	if err != nil {
		rt.transition(InputFailed)
		m.captureLine(rt, logbuf.Stderr, "spawn failed: "+err.Error())
		m.logger.WithError(err).Error("failed to spawn service", "service", id)
		m.bus.Publish(EventFailed, id, "spawn failed: "+err.Error())
		return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrSpawnFailure, err.Error()),
			serrors.DomainLifecycle)
	}

	handled := make(chan struct{})
	rt.mu.Lock()
	rt.process = proc
	rt.external = false
	rt.startedAt = time.Now()
	rt.exitHandled = handled
	if resetBudget {
		rt.restartsUsed = 0
	}
	rt.mu.Unlock()

	m.logger.Info("service started", "service", id, "pid", proc.PID())
	m.bus.Publish(EventStarted, id, fmt.Sprintf("%s started (pid %d)", def.DisplayName, proc.PID()))
	m.recordUp(id, true)

	go m.watchExit(rt, proc, handled)
	return nil
}

// StopService gracefully stops a spawned service. Attached (external)
// instances are never signalled; stopping an already-stopped service is a
// no-op.
func (m *Manager) StopService(ctx context.Context, id string, force bool) error {
	rt, err := m.Runtime(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.external && rt.process == nil {
		rt.mu.Unlock()
		return serrors.WrapWithDomain(
			serrors.Wrap(serrors.ErrServiceExternal, id), serrors.DomainLifecycle)
	}
	proc := rt.process
	handled := rt.exitHandled
	if proc == nil {
		if rt.restartPending {
			rt.restartPending = false
			rt.transitionLocked(InputExitExpected)
		}
		rt.mu.Unlock()
		return nil
	}
	rt.stopping = true
	rt.transitionLocked(InputStopRequested)
	rt.mu.Unlock()

	m.bus.Publish(EventStopping, id, "stopping "+rt.def.DisplayName)

	if err := proc.Terminate(); err != nil {
		m.logger.WithError(err).Warn("terminate signal failed", "service", id)
	}

	select {
	case <-proc.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.StopGrace):
		if !force {
			return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrTimeout,
				fmt.Sprintf("%s did not exit within grace period", id)), serrors.DomainLifecycle)
		}
		m.logger.Warn("grace period expired, force killing", "service", id)
		if err := proc.Kill(); err != nil {
			m.logger.WithError(err).Error("force kill failed", "service", id)
		}
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.StopGrace):
			return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrTimeout,
				fmt.Sprintf("%s still alive after kill", id)), serrors.DomainLifecycle)
		}
	}

	// Wait for the exit watcher to record the exit so a follow-up start sees
	// a settled state.
	select {
	case <-handled:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.recordUp(id, false)
	return nil
}

// RestartService stops then starts a single service. External services are
// left untouched.
func (m *Manager) RestartService(ctx context.Context, id string) error {
	rt, err := m.Runtime(id)
	if err != nil {
		return err
	}
	if rt.External() {
		return serrors.WrapWithDomain(
			serrors.Wrap(serrors.ErrServiceExternal, id), serrors.DomainLifecycle)
	}
	if err := m.StopService(ctx, id, true); err != nil {
		return err
	}
	return m.StartService(ctx, id)
}

// EnableService re-enables a disabled service and clears a terminal Failed
// state so it can be started again.
func (m *Manager) EnableService(id string) error {
	rt, err := m.Runtime(id)
	if err != nil {
		return err
	}
	if err := m.reg.Enable(id); err != nil {
		return err
	}
	rt.mu.Lock()
	if rt.state == StateDisabled || rt.state == StateFailed {
		rt.transitionLocked(InputEnable)
	}
	rt.restartsUsed = 0
	rt.mu.Unlock()
	return nil
}

// DisableService disables a service, force-stopping it first if running.
func (m *Manager) DisableService(ctx context.Context, id, reason string) error {
	rt, err := m.Runtime(id)
	if err != nil {
		return err
	}
	if err := m.reg.Disable(id, reason); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.restartPending = false
	rt.mu.Unlock()
	if rt.Running() && !rt.External() {
		if err := m.StopService(ctx, id, true); err != nil {
			return err
		}
	}
	rt.transition(InputDisable)
	return nil
}

// dependenciesMet verifies every dependency is disabled, running, or a
// successfully completed one-time job. Health is deliberately not required.
func (m *Manager) dependenciesMet(def registry.Definition) error {
	for _, dep := range def.DependsOn {
		if enabled, _ := m.reg.Enabled(dep); !enabled {
			continue
		}
		rt, ok := m.runtimes[dep]
		if !ok {
			return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrDependencyUnmet,
				fmt.Sprintf("%s depends on unknown service %s", def.ID, dep)), serrors.DomainLifecycle)
		}
		if rt.Running() {
			continue
		}
		rt.mu.Lock()
		completed := rt.def.OneTime && rt.state == StateStopped && rt.lastExitCode == 0
		rt.mu.Unlock()
		if completed {
			continue
		}
		return serrors.WrapWithDomain(serrors.Wrap(serrors.ErrDependencyUnmet,
			fmt.Sprintf("%s requires %s to be running or disabled", def.ID, dep)), serrors.DomainLifecycle)
	}
	return nil
}

// watchExit reacts to process termination: expected stops and completed
// one-time jobs become Stopped, crashes drive the restart policy, and
// terminal failures of critical services escalate to full shutdown.
func (m *Manager) watchExit(rt *Runtime, proc Process, handled chan struct{}) {
	defer close(handled)
	<-proc.Done()
	code := proc.ExitCode()
	def := rt.def

	rt.mu.Lock()
	if rt.process != proc {
		// A newer start superseded this watcher.
		rt.mu.Unlock()
		return
	}
	rt.process = nil
	rt.lastExitCode = code
	stopping := rt.stopping
	rt.mu.Unlock()

	m.captureLine(rt, logbuf.Stdout, fmt.Sprintf("process exited with code %d", code))

	switch {
	case stopping:
		rt.transition(InputExitExpected)
		m.logger.Info("service stopped", "service", def.ID, "exit_code", code)
		m.bus.Publish(EventStopped, def.ID, def.DisplayName+" stopped")
		m.recordExit(def.ID, true)

	case def.OneTime:
		if code == 0 {
			rt.transition(InputExitExpected)
			m.logger.Info("one-time job completed", "service", def.ID)
			m.bus.Publish(EventStopped, def.ID, def.DisplayName+" completed")
		} else {
			rt.transition(InputFailed)
			m.logger.Error("one-time job failed", "service", def.ID, "exit_code", code)
			m.bus.Publish(EventFailed, def.ID,
				fmt.Sprintf("%s failed with exit code %d", def.DisplayName, code))
		}
		m.recordExit(def.ID, code == 0)
		m.recordUp(def.ID, false)

	default:
		m.logger.Warn("service exited unexpectedly", "service", def.ID, "exit_code", code)
		m.recordExit(def.ID, false)

		maxRestarts := def.MaxRestarts
		if maxRestarts <= 0 {
			maxRestarts = m.cfg.MaxRestarts
		}

		rt.mu.Lock()
		canRestart := m.cfg.AutoRestart && rt.restartsUsed < maxRestarts
		if canRestart {
			rt.restartsUsed++
			rt.restartPending = true
			rt.transitionLocked(InputExitUnexpected)
		} else {
			rt.transitionLocked(InputFailed)
		}
		used := rt.restartsUsed
		rt.mu.Unlock()

		if canRestart {
			if m.metrics != nil {
				m.metrics.RecordRestart(def.ID)
			}
			m.bus.Publish(EventRestartScheduled, def.ID,
				fmt.Sprintf("restart %d/%d scheduled", used, maxRestarts))
			go func() {
				time.Sleep(m.cfg.RestartBackoff)
				rt.mu.Lock()
				pending := rt.restartPending
				rt.mu.Unlock()
				if !pending {
					// Stopped, disabled, or manually restarted during the
					// backoff window.
					return
				}
				if err := m.start(context.Background(), def.ID, false); err != nil {
					m.logger.WithError(err).Error("restart failed", "service", def.ID)
					if def.Critical {
						m.escalate(def.ID)
					}
				}
			}()
			return
		}

		m.recordUp(def.ID, false)
		m.bus.Publish(EventFailed, def.ID,
			fmt.Sprintf("%s failed permanently: %s", def.DisplayName, serrors.ErrRestartBudgetExhausted))
		m.logger.Error("restart budget exhausted", "service", def.ID, "restarts", used)
		if def.Critical {
			m.escalate(def.ID)
		}
	}
}

// SubscribeLogs returns a channel receiving the service's log lines as they
// are captured, plus a cancel function. Sends are non-blocking: a slow
// consumer loses lines rather than backing up the output drain.
func (m *Manager) SubscribeLogs(id string, buffer int) (<-chan logbuf.Line, func(), error) {
	if _, err := m.Runtime(id); err != nil {
		return nil, nil, err
	}
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan logbuf.Line, buffer)

	m.tapMu.Lock()
	m.taps[id] = append(m.taps[id], ch)
	m.tapMu.Unlock()

	cancel := func() {
		m.tapMu.Lock()
		defer m.tapMu.Unlock()
		taps := m.taps[id]
		for i, c := range taps {
			if c == ch {
				m.taps[id] = append(taps[:i], taps[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// captureLine routes one line of service output to the ring buffer and the
// persistence pipeline. It must never block the draining goroutine.
func (m *Manager) captureLine(rt *Runtime, stream logbuf.Stream, text string) {
	line := logbuf.NewLine(rt.def.ID, stream, text, m.cfg.MaxMessageLength)
	rt.buffer.Push(line)

	m.tapMu.Lock()
	for _, ch := range m.taps[rt.def.ID] {
		select {
		case ch <- line:
		default:
		}
	}
	m.tapMu.Unlock()

	pid := 0
	rt.mu.Lock()
	if rt.process != nil {
		pid = rt.process.PID()
	}
	rt.mu.Unlock()

	m.pipeline.Enqueue(logstore.Entry{
		ServiceID:   rt.def.ID,
		ServiceName: rt.def.DisplayName,
		Stream:      string(line.Stream),
		Message:     line.Text,
		Metadata: logstore.Metadata{
			Timestamp: line.Timestamp,
			Truncated: line.Truncated,
			PID:       pid,
			RunID:     m.cfg.RunID,
		},
	})
}

func (m *Manager) escalate(id string) {
	m.shutdownOnce.Do(func() {
		m.logger.Error("critical service failed, shutting down supervisor", "service", id)
		if m.shutdown != nil {
			go m.shutdown()
		}
	})
}

func (m *Manager) recordUp(id string, up bool) {
	if m.metrics != nil {
		m.metrics.RecordServiceUp(id, up)
	}
}

func (m *Manager) recordExit(id string, expected bool) {
	if m.metrics != nil {
		m.metrics.RecordExit(id, expected)
	}
}
