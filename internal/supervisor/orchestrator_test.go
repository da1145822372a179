// internal/supervisor/orchestrator_test.go
package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/sentinel/internal/logbuf"
	"github.com/rankforge/sentinel/internal/registry"
	serrors "github.com/rankforge/sentinel/pkg/errors"
)

// fakeSchema is a controllable schema ensurer.
type fakeSchema struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (s *fakeSchema) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("store not reachable")
	}
	return nil
}

func (s *fakeSchema) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func newOrchestrator(r *rig, schema SchemaEnsurer) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		StartupTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}, r.reg, r.mgr, r.pipeline, schema, r.bus, testLogger())
}

// healthyDef is a launchable definition whose health predicate always passes.
func healthyDef(id string, priority int) registry.Definition {
	up := &flag{}
	up.set(true)
	def := launchableDef(id, priority)
	def.Health = checkerFor(id, up)
	return def
}

func TestOrchestratorStartsInPriorityOrder(t *testing.T) {
	r := newRig(t, ManagerConfig{},
		healthyDef("frontend", 50),
		healthyDef("postgres", 10),
		healthyDef("api-server", 40),
	)
	orch := newOrchestrator(r, nil)

	require.NoError(t, orch.Start(context.Background()))

	assert.Equal(t, []string{"postgres", "api-server", "frontend"}, r.spawner.spawnOrder())
	assert.Equal(t, []string{"postgres", "api-server", "frontend"}, orch.StartedOrder())

	for _, id := range []string{"postgres", "api-server", "frontend"} {
		rt, err := r.mgr.Runtime(id)
		require.NoError(t, err)
		assert.Equal(t, StateHealthy, rt.State(), id)
	}
}

func TestOrchestratorStopsInReverseOrder(t *testing.T) {
	r := newRig(t, ManagerConfig{},
		healthyDef("postgres", 10),
		healthyDef("api-server", 40),
		healthyDef("frontend", 50),
	)
	orch := newOrchestrator(r, nil)

	require.NoError(t, orch.Start(context.Background()))
	orch.Stop(context.Background())

	assert.Equal(t, []string{"frontend", "api-server", "postgres"}, r.spawner.terminateOrder())

	for _, id := range []string{"postgres", "api-server", "frontend"} {
		rt, err := r.mgr.Runtime(id)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, rt.State(), id)
	}
}

func TestOrchestratorSkipsDisabledServices(t *testing.T) {
	r := newRig(t, ManagerConfig{},
		healthyDef("postgres", 10),
		healthyDef("frontend", 50),
	)
	require.NoError(t, r.reg.Disable("frontend", "not needed on this host"))
	orch := newOrchestrator(r, nil)

	require.NoError(t, orch.Start(context.Background()))

	assert.Equal(t, []string{"postgres"}, r.spawner.spawnOrder())
	assert.Equal(t, []string{"postgres"}, orch.StartedOrder())
}

func TestOrchestratorUnmetDependencyAbortsStartup(t *testing.T) {
	broken := healthyDef("postgres", 10)
	dependent := healthyDef("api-server", 40)
	dependent.DependsOn = []string{"postgres"}
	r := newRig(t, ManagerConfig{}, broken, dependent)
	r.spawner.failWith("postgres", errors.New("binary missing"))

	orch := newOrchestrator(r, nil)
	err := orch.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrDependencyUnmet)

	assert.Zero(t, r.spawner.spawnCount("api-server"))
}

func TestOrchestratorCriticalStartFailureAborts(t *testing.T) {
	first := healthyDef("postgres", 10)
	critical := healthyDef("api-server", 40)
	critical.Critical = true
	last := healthyDef("frontend", 50)
	r := newRig(t, ManagerConfig{}, first, critical, last)
	r.spawner.failWith("api-server", errors.New("binary missing"))

	orch := newOrchestrator(r, nil)
	err := orch.Start(context.Background())
	require.Error(t, err)

	// The abort tears down what already started and never reaches later
	// services.
	assert.Zero(t, r.spawner.spawnCount("frontend"))
	rt, rerr := r.mgr.Runtime("postgres")
	require.NoError(t, rerr)
	assert.Equal(t, StateStopped, rt.State())
}

func TestOrchestratorNonCriticalFailureContinues(t *testing.T) {
	broken := healthyDef("ai-runtime", 30)
	healthy := healthyDef("api-server", 40)
	r := newRig(t, ManagerConfig{}, broken, healthy)
	r.spawner.failWith("ai-runtime", errors.New("binary missing"))

	orch := newOrchestrator(r, nil)
	require.NoError(t, orch.Start(context.Background()))

	assert.Equal(t, []string{"api-server"}, orch.StartedOrder())
	r.waitForState(t, "ai-runtime", StateFailed)
}

func TestOrchestratorSlowServiceDoesNotBlockFleet(t *testing.T) {
	never := &flag{} // A never becomes healthy
	slow := launchableDef("slow", 10)
	slow.Health = checkerFor("slow", never)
	slow.StartupTimeout = 30 * time.Millisecond

	fast := healthyDef("fast", 20)
	fast.DependsOn = []string{"slow"}

	r := newRig(t, ManagerConfig{}, slow, fast)
	orch := newOrchestrator(r, nil)

	require.NoError(t, orch.Start(context.Background()))

	// The slow service is flagged unhealthy but still counts as running, so
	// its dependent started anyway.
	slowRT, err := r.mgr.Runtime("slow")
	require.NoError(t, err)
	assert.Equal(t, StateUnhealthy, slowRT.State())

	fastRT, err := r.mgr.Runtime("fast")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, fastRT.State())
	assert.Equal(t, []string{"slow", "fast"}, orch.StartedOrder())
}

func TestOrchestratorDoesNotWaitForOneTimeJobs(t *testing.T) {
	job := launchableDef("db-migrate", 10)
	job.OneTime = true
	svc := healthyDef("api-server", 40)
	r := newRig(t, ManagerConfig{}, job, svc)

	orch := newOrchestrator(r, nil)
	// The job never exits during the walk; startup must complete regardless.
	require.NoError(t, orch.Start(context.Background()))

	assert.Equal(t, []string{"db-migrate", "api-server"}, orch.StartedOrder())
}

func TestOrchestratorRetriesSchemaUntilReady(t *testing.T) {
	schema := &fakeSchema{}
	schema.setFail(true)

	r := newRig(t, ManagerConfig{},
		healthyDef("postgres", 10),
		healthyDef("api-server", 40),
	)
	orch := newOrchestrator(r, schema)

	require.NoError(t, orch.Start(context.Background()))
	schema.mu.Lock()
	failedCalls := schema.calls
	schema.mu.Unlock()
	assert.GreaterOrEqual(t, failedCalls, 2, "schema is retried per service")

	// Flushes stay deferred until the schema lands.
	r.pipeline.Enqueue(testEntry("postgres", "booting"))
	assert.ErrorIs(t, r.pipeline.Flush(context.Background(), true), serrors.ErrSchemaNotReady)

	schema.setFail(false)
	require.NoError(t, orch.Start(context.Background()))
	require.NoError(t, r.pipeline.Flush(context.Background(), true))
	assert.Equal(t, 1, r.sink.count())
}

func TestOrchestratorDrainsLogsAtShutdown(t *testing.T) {
	schema := &fakeSchema{}
	r := newRig(t, ManagerConfig{}, healthyDef("api-server", 40))
	orch := newOrchestrator(r, schema)

	require.NoError(t, orch.Start(context.Background()))

	emit := r.spawner.handler("api-server")
	require.NotNil(t, emit)
	emit(logbuf.Stdout, "request served")
	emit(logbuf.Stdout, "shutting down")

	orch.Stop(context.Background())

	// Both emitted lines were flushed before the service went down. The exit
	// notice enqueued during teardown itself is all that may remain.
	assert.Equal(t, 2, r.sink.count())
	assert.LessOrEqual(t, r.pipeline.Len(), 1)
}

func TestShutdownDrainsBeforePersistenceServiceStops(t *testing.T) {
	schema := &fakeSchema{}
	r := newRig(t, ManagerConfig{},
		healthyDef("postgres", 10),
		healthyDef("api-server", 40),
		healthyDef("frontend", 50),
	)
	require.NoError(t, r.reg.Disable("frontend", "maintenance window"))
	orch := newOrchestrator(r, schema)

	require.NoError(t, orch.Start(context.Background()))
	require.Equal(t, []string{"postgres", "api-server"}, orch.StartedOrder())

	emit := r.spawner.handler("api-server")
	require.NotNil(t, emit)
	emit(logbuf.Stdout, "request served")
	emit(logbuf.Stdout, "shutting down")

	orch.Stop(context.Background())

	// The never-started frontend does not push the drain past postgres: the
	// queue is flushed after api-server goes down but while postgres, which
	// backs the store, is still up. Only the postgres exit notice, enqueued
	// during its own stop, stays behind.
	assert.Equal(t, []string{"api-server", "postgres"}, r.spawner.terminateOrder())
	assert.Equal(t, 3, r.sink.count())
	assert.Equal(t, 1, r.pipeline.Len())
}

func TestOrchestratorLeavesAttachedServicesRunning(t *testing.T) {
	up := &flag{}
	up.set(true)
	attached := launchableDef("redis", 20)
	attached.AttachIfHealthy = true
	attached.Health = checkerFor("redis", up)

	r := newRig(t, ManagerConfig{}, healthyDef("postgres", 10), attached)
	orch := newOrchestrator(r, nil)

	require.NoError(t, orch.Start(context.Background()))
	orch.Stop(context.Background())

	assert.Equal(t, []string{"postgres"}, r.spawner.terminateOrder())

	rt, err := r.mgr.Runtime("redis")
	require.NoError(t, err)
	assert.True(t, rt.External())
	assert.Equal(t, StateHealthy, rt.State())
}

func TestCriticalCrashTakesPlatformDown(t *testing.T) {
	critical := healthyDef("api-server", 40)
	critical.Critical = true
	critical.MaxRestarts = 2

	r := newRig(t, ManagerConfig{AutoRestart: true, MaxRestarts: 3},
		healthyDef("postgres", 10), critical)
	orch := newOrchestrator(r, nil)

	stopped := make(chan struct{})
	r.mgr.SetShutdownFunc(func() {
		orch.Stop(context.Background())
		close(stopped)
	})

	require.NoError(t, orch.Start(context.Background()))

	// Crash through the whole restart budget.
	for i := 0; i < 2; i++ {
		want := r.spawner.spawnCount("api-server") + 1
		r.spawner.latest("api-server").exit(1)
		require.Eventually(t, func() bool {
			return r.spawner.spawnCount("api-server") == want
		}, 2*time.Second, 5*time.Millisecond)
	}
	r.spawner.latest("api-server").exit(1)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("critical failure did not shut the platform down")
	}

	r.waitForState(t, "api-server", StateFailed)
	r.waitForState(t, "postgres", StateStopped)
}
