// internal/supervisor/orchestrator.go
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rankforge/sentinel/internal/logstore"
	"github.com/rankforge/sentinel/internal/registry"
	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
)

// SchemaEnsurer provisions the durable store schema. It is run once during
// startup, retried on later services until it succeeds, and memoized.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// OrchestratorConfig holds the startup walk tunables.
type OrchestratorConfig struct {
	// StartupTimeout bounds the initial health wait per service.
	StartupTimeout time.Duration
	// PollInterval is the health polling cadence during the startup wait.
	PollInterval time.Duration
}

// Orchestrator walks the registry in dependency-respecting priority order,
// delegating each service to the lifecycle manager, waiting for initial
// health, and performing ordered teardown.
type Orchestrator struct {
	cfg      OrchestratorConfig
	reg      *registry.Registry
	mgr      *Manager
	pipeline *logstore.Pipeline
	schema   SchemaEnsurer
	bus      *Bus
	logger   *logging.Logger

	// mu serializes Start and Stop; only one walk runs at a time.
	mu           sync.Mutex
	startedOrder []string
	schemaReady  bool
}

// NewOrchestrator creates an orchestrator. The schema ensurer may be nil
// when no durable store is configured (tests).
func NewOrchestrator(cfg OrchestratorConfig, reg *registry.Registry, mgr *Manager,
	pipeline *logstore.Pipeline, schema SchemaEnsurer, bus *Bus, logger *logging.Logger) *Orchestrator {

	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		mgr:      mgr,
		pipeline: pipeline,
		schema:   schema,
		bus:      bus,
		logger:   logger,
	}
}

// Start brings up every enabled definition in ascending priority order,
// synchronously per service. Any error aborts the walk and tears down
// whatever already started, so a failure never leaves a half-started fleet
// running unattended.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.startedOrder = nil

	for _, def := range o.reg.Definitions() {
		if enabled, reason := o.reg.Enabled(def.ID); !enabled {
			o.logger.Info("skipping disabled service", "service", def.ID, "reason", reason)
			continue
		}

		// Every dependency must be running or disabled before this service
		// starts; an unmet dependency aborts the whole walk.
		if err := o.mgr.dependenciesMet(def); err != nil {
			return o.abort(err)
		}

		err := o.mgr.StartService(ctx, def.ID)
		if err != nil {
			if def.Critical {
				return o.abort(serrors.Wrap(err,
					fmt.Sprintf("critical service %s failed to start", def.ID)))
			}
			o.logger.WithError(err).Warn("service failed to start, continuing", "service", def.ID)
			o.ensureSchema(ctx)
			continue
		}

		o.startedOrder = append(o.startedOrder, def.ID)

		if !def.OneTime {
			o.waitForHealth(ctx, def)
		}

		o.ensureSchema(ctx)
	}

	o.ensureSchema(ctx)
	o.logger.Info("startup complete", "services_started", len(o.startedOrder))
	return nil
}

// waitForHealth blocks up to the startup timeout polling the health
// predicate. On timeout the service is marked unhealthy and the walk
// continues: a slow-starting service does not block the rest of the fleet.
func (o *Orchestrator) waitForHealth(ctx context.Context, def registry.Definition) {
	rt, err := o.mgr.Runtime(def.ID)
	if err != nil {
		return
	}
	if rt.State() == StateHealthy {
		// Attached services passed their probe already.
		return
	}

	timeout := def.StartupTimeout
	if timeout <= 0 {
		timeout = o.cfg.StartupTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if check := def.Health(ctx); check.Healthy() {
			rt.transition(InputHealthPassed)
			o.logger.Info("service healthy", "service", def.ID)
			o.bus.Publish(EventHealthy, def.ID, def.DisplayName+" healthy")
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			rt.transition(InputHealthFailed)
			o.logger.Warn("service did not become healthy within startup timeout",
				"service", def.ID, "timeout", timeout.String())
			o.bus.Publish(EventUnhealthy, def.ID,
				def.DisplayName+" did not become healthy during startup")
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// abort tears down whatever has started and returns the original error.
func (o *Orchestrator) abort(err error) error {
	o.logger.WithError(err).Error("startup aborted, stopping started services")
	o.stopLocked(context.Background())
	return serrors.WrapWithDomain(serrors.WrapWithOperation(err, "Start"), serrors.DomainOrchestrator)
}

// Stop tears services down in the reverse of the order they reached running
// during startup. Attached services are left untouched. Buffered log entries
// are drained before the last (persistence-backing) service goes down.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked(ctx)
}

func (o *Orchestrator) stopLocked(ctx context.Context) {
	order := make([]string, 0, len(o.startedOrder))
	seen := make(map[string]bool, len(o.startedOrder))
	for i := len(o.startedOrder) - 1; i >= 0; i-- {
		order = append(order, o.startedOrder[i])
		seen[o.startedOrder[i]] = true
	}
	// Anything running that the walk did not record (admin-started after
	// boot) goes down too, in reverse priority order.
	defs := o.reg.Definitions()
	for i := len(defs) - 1; i >= 0; i-- {
		if !seen[defs[i].ID] {
			order = append(order, defs[i].ID)
		}
	}

	// The persistence-backing service came up first, so it is the last of
	// the started set to go down. Drain the queue just before stopping it;
	// never-started definitions appended after it cannot back the store.
	drainBefore := ""
	if len(o.startedOrder) > 0 {
		drainBefore = o.startedOrder[0]
	}
	drained := false

	for _, id := range order {
		if id == drainBefore {
			o.drainLogs(ctx)
			drained = true
		}

		rt, err := o.mgr.Runtime(id)
		if err != nil {
			continue
		}
		if rt.External() {
			o.logger.Info("leaving externally managed service untouched", "service", id)
			continue
		}
		if !rt.Running() {
			continue
		}
		if err := o.mgr.StopService(ctx, id, true); err != nil {
			o.logger.WithError(err).Error("error stopping service", "service", id)
		}
	}

	if !drained {
		o.drainLogs(ctx)
	}
	o.startedOrder = nil
	o.logger.Info("shutdown complete")
}

// drainLogs force-flushes the persistence queue so shutdown does not
// silently drop the tail of the logs.
func (o *Orchestrator) drainLogs(ctx context.Context) {
	if o.pipeline == nil {
		return
	}
	if err := o.pipeline.Drain(ctx); err != nil {
		o.logger.WithError(err).Warn("log queue not fully drained at shutdown")
	}
}

// ensureSchema provisions the durable store schema once and memoizes
// success. Failures are retryable: the store may not be up yet early in the
// walk.
func (o *Orchestrator) ensureSchema(ctx context.Context) {
	if o.schemaReady || o.schema == nil {
		return
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := o.schema.EnsureSchema(ensureCtx); err != nil {
		o.logger.WithError(err).Debug("log store schema not ready yet")
		return
	}
	o.schemaReady = true
	if o.pipeline != nil {
		o.pipeline.SetSchemaReady()
	}
}

// StartedOrder returns the ids of services in the order they reached
// running during the most recent startup walk.
func (o *Orchestrator) StartedOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.startedOrder))
	copy(out, o.startedOrder)
	return out
}
