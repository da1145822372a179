// internal/supervisor/monitor_test.go
package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorFlagsUnhealthyAndRecovered(t *testing.T) {
	healthy := &flag{}
	healthy.set(true)

	def := launchableDef("api", 10)
	def.Health = checkerFor("api", healthy)
	r := newRig(t, ManagerConfig{}, def)
	mon := NewMonitor(r.mgr, r.bus, testLogger(), nil, time.Hour)

	require.NoError(t, r.mgr.StartService(context.Background(), "api"))
	rt, err := r.mgr.Runtime("api")
	require.NoError(t, err)
	rt.transition(InputHealthPassed)

	events := r.bus.Subscribe(16)

	healthy.set(false)
	mon.RunPass(context.Background())
	assert.Equal(t, StateUnhealthy, rt.State())

	healthy.set(true)
	mon.RunPass(context.Background())
	assert.Equal(t, StateHealthy, rt.State())

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{EventUnhealthy, EventRecovered}, types)
}

func TestMonitorSkipsStartingServices(t *testing.T) {
	healthy := &flag{} // down

	def := launchableDef("api", 10)
	def.Health = checkerFor("api", healthy)
	r := newRig(t, ManagerConfig{}, def)
	mon := NewMonitor(r.mgr, r.bus, testLogger(), nil, time.Hour)

	require.NoError(t, r.mgr.StartService(context.Background(), "api"))
	rt, err := r.mgr.Runtime("api")
	require.NoError(t, err)
	require.Equal(t, StateStarting, rt.State())

	// The initial health wait belongs to the startup walk, not the monitor.
	mon.RunPass(context.Background())
	assert.Equal(t, StateStarting, rt.State())
}

func TestMonitorSkipsStoppedAndOneTime(t *testing.T) {
	healthy := &flag{} // down

	job := launchableDef("db-migrate", 10)
	job.OneTime = true
	job.Health = checkerFor("db-migrate", healthy)
	idle := launchableDef("api", 20)
	idle.Health = checkerFor("api", healthy)
	r := newRig(t, ManagerConfig{}, job, idle)
	mon := NewMonitor(r.mgr, r.bus, testLogger(), nil, time.Hour)

	require.NoError(t, r.mgr.StartService(context.Background(), "db-migrate"))
	r.spawner.latest("db-migrate").exit(0)
	r.waitForState(t, "db-migrate", StateStopped)

	mon.RunPass(context.Background())

	jobRT, err := r.mgr.Runtime("db-migrate")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, jobRT.State())

	idleRT, err := r.mgr.Runtime("api")
	require.NoError(t, err)
	assert.Equal(t, StatePending, idleRT.State())
}

func TestMonitorHealthyStaysHealthy(t *testing.T) {
	healthy := &flag{}
	healthy.set(true)

	def := launchableDef("api", 10)
	def.Health = checkerFor("api", healthy)
	r := newRig(t, ManagerConfig{}, def)
	mon := NewMonitor(r.mgr, r.bus, testLogger(), nil, time.Hour)

	require.NoError(t, r.mgr.StartService(context.Background(), "api"))
	rt, err := r.mgr.Runtime("api")
	require.NoError(t, err)
	rt.transition(InputHealthPassed)

	events := r.bus.Subscribe(16)
	mon.RunPass(context.Background())
	mon.RunPass(context.Background())

	assert.Equal(t, StateHealthy, rt.State())
	assert.Empty(t, events, "no events while state is steady")
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t, ManagerConfig{}, launchableDef("api", 10))
	mon := NewMonitor(r.mgr, r.bus, testLogger(), nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}
