// internal/supervisor/state.go
package supervisor

// State is the lifecycle state of a service runtime.
type State string

const (
	// StateDisabled means the service is administratively disabled.
	StateDisabled State = "DISABLED"
	// StatePending means the service has not been started yet.
	StatePending State = "PENDING"
	// StateStarting means a spawn or attach is in progress, or the initial
	// health wait has not resolved.
	StateStarting State = "STARTING"
	// StateHealthy means the most recent health check passed.
	StateHealthy State = "HEALTHY"
	// StateUnhealthy means the service is running but its most recent health
	// check failed or timed out.
	StateUnhealthy State = "UNHEALTHY"
	// StateStopping means a graceful stop is in progress.
	StateStopping State = "STOPPING"
	// StateStopped means the service exited after a stop request, or a
	// one-time job completed.
	StateStopped State = "STOPPED"
	// StateFailed is terminal until manual intervention: spawn failure,
	// one-time failure, or an exhausted restart budget.
	StateFailed State = "FAILED"
)

// Input is a lifecycle occurrence fed to the transition function.
type Input string

const (
	// InputEnable re-enables a disabled or failed service.
	InputEnable Input = "enable"
	// InputDisable administratively disables the service.
	InputDisable Input = "disable"
	// InputStart begins a spawn or attach.
	InputStart Input = "start"
	// InputAttached means an external instance passed the attach probe.
	InputAttached Input = "attached"
	// InputHealthPassed means the health predicate returned healthy.
	InputHealthPassed Input = "health_passed"
	// InputHealthFailed means the health predicate failed or timed out.
	InputHealthFailed Input = "health_failed"
	// InputStopRequested begins a graceful stop.
	InputStopRequested Input = "stop_requested"
	// InputExitExpected means the process exited during a stop, or a
	// one-time job completed successfully.
	InputExitExpected Input = "exit_expected"
	// InputExitUnexpected means a long-running service terminated without a
	// stop request and a restart will be attempted.
	InputExitUnexpected Input = "exit_unexpected"
	// InputFailed is a terminal failure: spawn error, spawn guard, one-time
	// nonzero exit, or restart budget exhausted.
	InputFailed Input = "failed"
)

// transitions is the single source of truth for legal state changes. Every
// runtime mutation goes through Transition so the lifecycle is testable
// without spawning real processes.
var transitions = map[State]map[Input]State{
	StateDisabled: {
		InputEnable: StatePending,
	},
	StatePending: {
		InputDisable: StateDisabled,
		InputStart:   StateStarting,
	},
	StateStarting: {
		InputAttached:       StateHealthy,
		InputHealthPassed:   StateHealthy,
		InputHealthFailed:   StateUnhealthy,
		InputStopRequested:  StateStopping,
		InputExitExpected:   StateStopped,
		InputExitUnexpected: StateStarting,
		InputFailed:         StateFailed,
		InputDisable:        StateDisabled,
	},
	StateHealthy: {
		InputHealthFailed:   StateUnhealthy,
		InputHealthPassed:   StateHealthy,
		InputStopRequested:  StateStopping,
		InputExitExpected:   StateStopped,
		InputExitUnexpected: StateStarting,
		InputFailed:         StateFailed,
		InputDisable:        StateDisabled,
	},
	StateUnhealthy: {
		InputHealthPassed:   StateHealthy,
		InputHealthFailed:   StateUnhealthy,
		InputStopRequested:  StateStopping,
		InputExitExpected:   StateStopped,
		InputExitUnexpected: StateStarting,
		InputFailed:         StateFailed,
		InputDisable:        StateDisabled,
	},
	StateStopping: {
		InputExitExpected: StateStopped,
		InputFailed:       StateFailed,
	},
	StateStopped: {
		InputStart:   StateStarting,
		InputDisable: StateDisabled,
	},
	StateFailed: {
		InputEnable:  StatePending,
		InputStart:   StateStarting,
		InputDisable: StateDisabled,
	},
}

// Transition returns the state reached from current on input. The second
// return is false when the transition is not legal, in which case the state
// is returned unchanged.
func Transition(current State, input Input) (State, bool) {
	next, ok := transitions[current][input]
	if !ok {
		return current, false
	}
	return next, true
}

// Running reports whether a state counts as "running" for dependency
// checks: a process exists or an external instance is attached. Health is
// deliberately not required, so a slow-starting dependency cannot deadlock
// the boot walk.
func (s State) Running() bool {
	switch s {
	case StateStarting, StateHealthy, StateUnhealthy:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state requires manual intervention to leave.
func (s State) Terminal() bool {
	return s == StateFailed
}
