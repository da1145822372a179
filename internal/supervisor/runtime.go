// internal/supervisor/runtime.go
package supervisor

import (
	"sync"
	"time"

	"github.com/rankforge/sentinel/internal/logbuf"
	"github.com/rankforge/sentinel/internal/registry"
)

// Runtime is the mutable per-service state. One exists per definition for
// the supervisor's lifetime. All mutation goes through the runtime's lock;
// exit handling and explicit stop requests exclude each other via the
// stopping flag.
type Runtime struct {
	def registry.Definition

	mu           sync.Mutex
	state        State
	process      Process
	external     bool
	stopping     bool
	restartsUsed int
	startedAt    time.Time
	lastExitCode int

	// restartPending is set between an unexpected exit and the scheduled
	// restart claiming it. The runtime stays in Starting for that window, so
	// start uses the flag to tell the scheduled restart apart from a
	// concurrent start that is mid-spawn. Stops and disables clear it to
	// cancel the pending restart.
	restartPending bool

	// exitHandled is closed once the exit watcher for the current process has
	// recorded its termination. Stop waits on it so a follow-up start never
	// races the watcher.
	exitHandled chan struct{}

	buffer *logbuf.Ring
}

func newRuntime(def registry.Definition, bufferSize int, enabled bool) *Runtime {
	state := StatePending
	if !enabled {
		state = StateDisabled
	}
	return &Runtime{
		def:          def,
		state:        state,
		buffer:       logbuf.NewRing(bufferSize),
		lastExitCode: -1,
	}
}

// Definition returns the immutable definition backing this runtime.
func (r *Runtime) Definition() registry.Definition {
	return r.def
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transition applies an input to the state machine under the runtime lock.
// Illegal transitions leave the state unchanged and report false.
func (r *Runtime) transition(input Input) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(input)
}

func (r *Runtime) transitionLocked(input Input) (State, bool) {
	next, ok := Transition(r.state, input)
	r.state = next
	return next, ok
}

// Running reports whether the runtime counts as running for dependency
// checks: a spawned process exists or an external instance is attached.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Running() && (r.process != nil || r.external)
}

// External reports whether the runtime is attached to an instance the
// supervisor did not spawn.
func (r *Runtime) External() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.external
}

// Restarts returns the number of automatic restarts used.
func (r *Runtime) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartsUsed
}

// Buffer returns the runtime's ring of recent output lines.
func (r *Runtime) Buffer() *logbuf.Ring {
	return r.buffer
}

// Snapshot is the structured status of one service, as exposed by the
// administrative surface.
type Snapshot struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	State         State  `json:"state"`
	Healthy       bool   `json:"healthy"`
	Running       bool   `json:"running"`
	External      bool   `json:"external"`
	Enabled       bool   `json:"enabled"`
	DisableReason string `json:"disable_reason,omitempty"`
	Restarts      int    `json:"restarts"`
	UptimeMs      int64  `json:"uptime_ms"`
	PID           int    `json:"pid,omitempty"`
	LastExitCode  int    `json:"last_exit_code,omitempty"`
}

func (r *Runtime) snapshot(enabled bool, disableReason string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		ID:            r.def.ID,
		Name:          r.def.DisplayName,
		State:         r.state,
		Healthy:       r.state == StateHealthy,
		Running:       r.state.Running() && (r.process != nil || r.external),
		External:      r.external,
		Enabled:       enabled,
		DisableReason: disableReason,
		Restarts:      r.restartsUsed,
		LastExitCode:  r.lastExitCode,
	}
	if s.Running && !r.startedAt.IsZero() {
		s.UptimeMs = time.Since(r.startedAt).Milliseconds()
	}
	if r.process != nil {
		s.PID = r.process.PID()
	}
	return s
}
