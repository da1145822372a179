// cmd/sentinel/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rankforge/sentinel/internal/api"
	"github.com/rankforge/sentinel/internal/eventlog"
	"github.com/rankforge/sentinel/internal/logstore"
	"github.com/rankforge/sentinel/internal/registry"
	"github.com/rankforge/sentinel/internal/supervisor"
	"github.com/rankforge/sentinel/pkg/config"
	"github.com/rankforge/sentinel/pkg/logging"
	"github.com/rankforge/sentinel/pkg/metrics"
)

// control joins the lifecycle manager and health monitor into the single
// surface the admin API drives.
type control struct {
	*supervisor.Manager
	monitor *supervisor.Monitor
}

func (c *control) RunHealthPass(ctx context.Context) {
	c.monitor.RunPass(ctx)
}

func main() {
	configFile := pflag.String("config", "", "Path to configuration file")
	logLevel := pflag.String("log-level", "", "Override log level (debug, info, warn, error)")
	pflag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	opts := config.DefaultLoadOptions()
	opts.ConfigFile = *configFile

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Environment = cfg.Log.Environment
	logger := logging.New(logCfg)

	runID := uuid.New().String()
	logger.Info("starting sentinel", "run_id", runID)

	m := metrics.New(metrics.DefaultConfig())

	reg, err := registry.FromConfig(cfg.Services, cfg.Health)
	if err != nil {
		logger.WithError(err).Error("invalid service configuration")
		os.Exit(1)
	}

	store := logstore.NewStore(cfg.DB.URL, logger.WithField("component", "logstore"))
	defer store.Close()

	pipeline := logstore.NewPipeline(logstore.PipelineConfig{
		QueueCapacity:    cfg.Logs.QueueCapacity,
		BatchSize:        cfg.Logs.BatchSize,
		FlushInterval:    cfg.Logs.FlushInterval,
		MaxFlushAttempts: cfg.Logs.MaxFlushAttempts,
	}, store, logger.WithField("component", "pipeline"), m)

	bus := supervisor.NewBus()

	mgr := supervisor.NewManager(supervisor.ManagerConfig{
		AutoRestart:      cfg.Restart.Auto,
		MaxRestarts:      cfg.Restart.MaxRestarts,
		RestartBackoff:   cfg.Restart.Backoff,
		StopGrace:        cfg.Restart.StopGrace,
		BufferSize:       cfg.Logs.BufferSize,
		MaxMessageLength: cfg.Logs.MaxMessageLength,
		RunID:            runID,
	}, reg, pipeline, bus, logger.WithField("component", "lifecycle"), m, supervisor.OSSpawner())

	monitor := supervisor.NewMonitor(mgr, bus, logger.WithField("component", "monitor"), m, cfg.Health.Interval)

	orch := supervisor.NewOrchestrator(supervisor.OrchestratorConfig{
		StartupTimeout: cfg.Startup.Timeout,
		PollInterval:   cfg.Startup.PollInterval,
	}, reg, mgr, pipeline, store, bus, logger.WithField("component", "orchestrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A terminally failed critical service takes the whole platform down.
	mgr.SetShutdownFunc(cancel)

	var publisher *eventlog.Publisher
	if cfg.Kafka.Brokers != "" {
		publisher, err = eventlog.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			logger.WithField("component", "eventlog"))
		if err != nil {
			logger.WithError(err).Warn("lifecycle event publisher unavailable, continuing without it")
		} else {
			go publisher.Run(bus.Subscribe(256))
		}
	}

	ctl := &control{Manager: mgr, monitor: monitor}
	server := api.NewServer(cfg.API, ctl, logger.WithField("component", "api"), m)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("admin API server failed")
			cancel()
		}
	}()

	if err := orch.Start(ctx); err != nil {
		logger.WithError(err).Error("startup failed")
		shutdown(server, bus, pipeline, publisher, logger)
		os.Exit(1)
	}

	go monitor.Run(ctx)

	// Best-effort bookkeeping; the store may be down when the database is
	// disabled or unreachable.
	attrCtx, attrCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.SetAttribute(attrCtx, "last_run_id", runID); err != nil {
		logger.WithError(err).Debug("could not record run id")
	}
	if err := store.SetAttribute(attrCtx, "last_boot_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.WithError(err).Debug("could not record boot time")
	}
	attrCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer stopCancel()
	orch.Stop(stopCtx)

	shutdown(server, bus, pipeline, publisher, logger)
	logger.Info("sentinel stopped")
}

// shutdown tears down the ambient machinery after the fleet is already down.
func shutdown(server *api.Server, bus *supervisor.Bus, pipeline *logstore.Pipeline,
	publisher *eventlog.Publisher, logger *logging.Logger) {

	apiCtx, apiCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer apiCancel()
	if err := server.Shutdown(apiCtx); err != nil {
		logger.WithError(err).Warn("admin API did not shut down cleanly")
	}

	bus.Close()
	if publisher != nil {
		publisher.Close()
	}
	pipeline.Close()
}
