// internal/supervisor/monitor.go
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rankforge/sentinel/pkg/logging"
	"github.com/rankforge/sentinel/pkg/metrics"
)

// Monitor polls every running or attached service's health predicate on a
// fixed interval and flags transitions between healthy and unhealthy. It
// never restarts anything: restarts are driven by actual process exit, so an
// unresponsive-but-alive service cannot race the exit handler.
type Monitor struct {
	mgr      *Manager
	bus      *Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	// passMu serializes passes: a pass must complete before the next
	// scheduled one begins.
	passMu sync.Mutex
}

// NewMonitor creates a health monitor. The metrics collector may be nil.
func NewMonitor(mgr *Manager, bus *Bus, logger *logging.Logger, m *metrics.Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		mgr:      mgr,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		interval: interval,
	}
}

// Run executes health passes on the configured interval until the context
// is cancelled.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.RunPass(ctx)
		}
	}
}

// RunPass checks every eligible service once. Also invoked out-of-cycle by
// the admin surface's health command.
func (mon *Monitor) RunPass(ctx context.Context) {
	mon.passMu.Lock()
	defer mon.passMu.Unlock()

	for _, rt := range mon.mgr.Runtimes() {
		if rt.def.OneTime || !rt.Running() {
			continue
		}
		// The orchestrator owns the initial health wait.
		if rt.State() == StateStarting {
			continue
		}

		start := time.Now()
		check := rt.def.Health(ctx)
		healthy := check.Healthy()
		if mon.metrics != nil {
			mon.metrics.RecordHealthCheck(rt.def.ID, healthy, time.Since(start))
		}

		switch {
		case healthy && rt.State() == StateUnhealthy:
			rt.transition(InputHealthPassed)
			mon.logger.Info("service recovered", "service", rt.def.ID)
			mon.bus.Publish(EventRecovered, rt.def.ID, rt.def.DisplayName+" recovered")

		case !healthy && rt.State() == StateHealthy:
			rt.transition(InputHealthFailed)
			mon.logger.WithError(check.Error).Warn("service unhealthy", "service", rt.def.ID)
			mon.bus.Publish(EventUnhealthy, rt.def.ID, check.Message)
		}
	}
}
