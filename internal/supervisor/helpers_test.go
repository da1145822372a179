// internal/supervisor/helpers_test.go
package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rankforge/sentinel/internal/logstore"
	"github.com/rankforge/sentinel/internal/registry"
	"github.com/rankforge/sentinel/pkg/health"
	"github.com/rankforge/sentinel/pkg/logging"
)

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = io.Discard
	return logging.New(cfg)
}

// fakeProcess is a controllable stand-in for a spawned OS process.
type fakeProcess struct {
	id   string
	pid  int
	done chan struct{}

	mu         sync.Mutex
	code       int
	exited     bool
	terminated bool
	killed     bool
}

func newFakeProcess(id string, pid int) *fakeProcess {
	return &fakeProcess{id: id, pid: pid, done: make(chan struct{}), code: -1}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(0)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// exit simulates process termination with the given code.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	close(p.done)
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSpawner hands out fake processes and records spawn and terminate order.
// The launch command doubles as the service id.
type fakeSpawner struct {
	mu        sync.Mutex
	nextPID   int
	spawned   []string
	procs     map[string][]*fakeProcess
	handlers  map[string]LineHandler
	failFor   map[string]error
	termOrder *[]string
}

func newFakeSpawner() *fakeSpawner {
	order := make([]string, 0)
	return &fakeSpawner{
		nextPID:   1000,
		procs:     make(map[string][]*fakeProcess),
		handlers:  make(map[string]LineHandler),
		failFor:   make(map[string]error),
		termOrder: &order,
	}
}

func (s *fakeSpawner) spawn(spec registry.LaunchSpec, onLine LineHandler) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failFor[spec.Command]; ok {
		return nil, err
	}

	s.nextPID++
	proc := newFakeProcess(spec.Command, s.nextPID)
	s.spawned = append(s.spawned, spec.Command)
	s.procs[spec.Command] = append(s.procs[spec.Command], proc)
	s.handlers[spec.Command] = onLine
	return &trackedProcess{fakeProcess: proc, order: s.termOrder, orderMu: &s.mu}, nil
}

func (s *fakeSpawner) failWith(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[id] = err
}

func (s *fakeSpawner) spawnCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[id])
}

func (s *fakeSpawner) spawnOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spawned))
	copy(out, s.spawned)
	return out
}

// latest returns the most recently spawned process for a service.
func (s *fakeSpawner) latest(id string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := s.procs[id]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// handler returns the line handler wired for a service's latest spawn.
func (s *fakeSpawner) handler(id string) LineHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[id]
}

func (s *fakeSpawner) terminateOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(*s.termOrder))
	copy(out, *s.termOrder)
	return out
}

// trackedProcess records terminate order on top of fakeProcess.
type trackedProcess struct {
	*fakeProcess
	order   *[]string
	orderMu *sync.Mutex
}

func (p *trackedProcess) Terminate() error {
	p.orderMu.Lock()
	*p.order = append(*p.order, p.id)
	p.orderMu.Unlock()
	return p.fakeProcess.Terminate()
}

// flag is a concurrency-safe boolean used to steer fake health checkers.
type flag struct {
	mu sync.Mutex
	v  bool
}

func (f *flag) set(v bool) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

func (f *flag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

// checkerFor returns a health checker steered by the flag.
func checkerFor(name string, healthy *flag) health.Checker {
	return func(ctx context.Context) health.Check {
		if healthy.get() {
			return health.Check{Name: name, Status: health.StatusUp, LastChecked: time.Now()}
		}
		return health.Check{
			Name:        name,
			Status:      health.StatusDown,
			LastChecked: time.Now(),
			Error:       errors.New("probe failed"),
		}
	}
}

// memorySink is an in-memory logstore sink for wiring a real pipeline.
type memorySink struct {
	mu      sync.Mutex
	entries []logstore.Entry
}

func (s *memorySink) InsertLogs(ctx context.Context, entries []logstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func testEntry(serviceID, message string) logstore.Entry {
	return logstore.Entry{
		ServiceID: serviceID,
		Stream:    "stdout",
		Message:   message,
		Metadata:  logstore.Metadata{Timestamp: time.Now()},
	}
}

// launchableDef builds a definition whose launch command equals its id, so
// the fake spawner can report per-service activity.
func launchableDef(id string, priority int) registry.Definition {
	return registry.Definition{
		ID:          id,
		DisplayName: id,
		Launch:      &registry.LaunchSpec{Command: id},
		Priority:    priority,
	}
}

// rig wires a manager over fakes for lifecycle tests.
type rig struct {
	reg      *registry.Registry
	mgr      *Manager
	bus      *Bus
	spawner  *fakeSpawner
	pipeline *logstore.Pipeline
	sink     *memorySink
}

func newRig(t *testing.T, cfg ManagerConfig, defs ...registry.Definition) *rig {
	t.Helper()

	reg := registry.New()
	for _, def := range defs {
		require.NoError(t, reg.Register(def, true, ""))
	}
	require.NoError(t, reg.Validate())

	sink := &memorySink{}
	pipeline := logstore.NewPipeline(logstore.PipelineConfig{
		QueueCapacity: 1000,
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, sink, testLogger(), nil)

	bus := NewBus()
	spawner := newFakeSpawner()

	if cfg.BufferSize == 0 {
		cfg.BufferSize = 50
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = 5 * time.Millisecond
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}

	mgr := NewManager(cfg, reg, pipeline, bus, testLogger(), nil, spawner.spawn)

	return &rig{reg: reg, mgr: mgr, bus: bus, spawner: spawner, pipeline: pipeline, sink: sink}
}

// waitForState polls until the service reaches the wanted state.
func (r *rig) waitForState(t *testing.T, id string, want State) {
	t.Helper()
	rt, err := r.mgr.Runtime(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rt.State() == want
	}, 2*time.Second, 5*time.Millisecond, "service %s never reached %s (now %s)", id, want, rt.State())
}
