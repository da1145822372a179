// pkg/errors/supervisor.go
package errors

import "errors"

// Supervisor domain errors. These are the failure classes the orchestrator,
// lifecycle manager, and persistence pipeline report; the admin surface maps
// them to structured results rather than letting them propagate.
var (
	// ErrServiceNotFound indicates the service id is not in the registry.
	ErrServiceNotFound = errors.New("service not found")

	// ErrServiceDisabled indicates the service is administratively disabled.
	ErrServiceDisabled = errors.New("service is disabled")

	// ErrServiceExternal indicates the operation cannot apply to an attached
	// instance the supervisor does not own.
	ErrServiceExternal = errors.New("service is externally managed")

	// ErrDependencyUnmet indicates a prerequisite service is neither running
	// nor disabled.
	ErrDependencyUnmet = errors.New("service dependency unmet")

	// ErrSpawnFailure indicates the OS could not launch the process.
	ErrSpawnFailure = errors.New("failed to spawn process")

	// ErrSpawnGuard indicates the launch tool is known to be unavailable and
	// spawning was skipped.
	ErrSpawnGuard = errors.New("launch tool not available")

	// ErrHealthTimeout indicates a health predicate did not return in time.
	ErrHealthTimeout = errors.New("health check timed out")

	// ErrUnexpectedExit indicates a long-running service terminated without a
	// stop request.
	ErrUnexpectedExit = errors.New("service exited unexpectedly")

	// ErrRestartBudgetExhausted indicates restartsUsed reached maxRestarts.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

	// ErrPersistenceWrite indicates a durable-store write failed; the batch is
	// retried, never silently discarded.
	ErrPersistenceWrite = errors.New("log persistence write failed")

	// ErrSchemaNotReady indicates the durable store schema has not been
	// provisioned yet; flushes are deferred until it is.
	ErrSchemaNotReady = errors.New("log store schema not ready")
)

// Domain names used when wrapping supervisor errors.
const (
	DomainRegistry     = "registry"
	DomainLifecycle    = "lifecycle"
	DomainOrchestrator = "orchestrator"
	DomainHealth       = "health"
	DomainLogStore     = "logstore"
	DomainAPI          = "api"
)
