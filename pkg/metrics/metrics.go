// Package metrics provides metrics collection capabilities for the supervisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the supervisor.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Admin API metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight *prometheus.GaugeVec

	// Managed service metrics
	ServiceUp           *prometheus.GaugeVec
	ServiceRestarts     *prometheus.CounterVec
	ServiceExits        *prometheus.CounterVec
	HealthCheckDuration *prometheus.HistogramVec
	HealthCheckFailures *prometheus.CounterVec

	// Log pipeline metrics
	LogQueueDepth     prometheus.Gauge
	LogLinesDropped   prometheus.Counter
	LogFlushDuration  prometheus.Histogram
	LogFlushFailures  prometheus.Counter
	LogLinesPersisted prometheus.Counter
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "sentinel",
		Subsystem: "",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of admin API requests received",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Admin API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of admin API requests being processed",
			},
			[]string{"path"},
		),

		ServiceUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "up",
				Help:      "Whether the managed service is running (1) or not (0)",
			},
			[]string{"service"},
		),

		ServiceRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "restarts_total",
				Help:      "Total number of automatic restarts per service",
			},
			[]string{"service"},
		),

		ServiceExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "exits_total",
				Help:      "Total number of process exits per service",
			},
			[]string{"service", "expected"},
		),

		HealthCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "health",
				Name:      "check_duration_seconds",
				Help:      "Health check duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		HealthCheckFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "health",
				Name:      "check_failures_total",
				Help:      "Total number of failed health checks",
			},
			[]string{"service"},
		),

		LogQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "logs",
				Name:      "queue_depth",
				Help:      "Current number of log entries waiting to be persisted",
			},
		),

		LogLinesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "logs",
				Name:      "dropped_total",
				Help:      "Total number of log entries dropped under queue overflow",
			},
		),

		LogFlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "logs",
				Name:      "flush_duration_seconds",
				Help:      "Durable-store flush duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		LogFlushFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "logs",
				Name:      "flush_failures_total",
				Help:      "Total number of failed durable-store flushes",
			},
		),

		LogLinesPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "logs",
				Name:      "persisted_total",
				Help:      "Total number of log entries written to the durable store",
			},
		),
	}

	return m
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRequest records metrics for an admin API request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordServiceUp records whether a managed service is currently running.
func (m *Metrics) RecordServiceUp(service string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.ServiceUp.WithLabelValues(service).Set(value)
}

// RecordRestart records an automatic restart of a managed service.
func (m *Metrics) RecordRestart(service string) {
	m.ServiceRestarts.WithLabelValues(service).Inc()
}

// RecordExit records a process exit, expected or not.
func (m *Metrics) RecordExit(service string, expected bool) {
	label := "false"
	if expected {
		label = "true"
	}
	m.ServiceExits.WithLabelValues(service, label).Inc()
}

// RecordHealthCheck records the duration and outcome of a health check.
func (m *Metrics) RecordHealthCheck(service string, healthy bool, duration time.Duration) {
	m.HealthCheckDuration.WithLabelValues(service).Observe(duration.Seconds())
	if !healthy {
		m.HealthCheckFailures.WithLabelValues(service).Inc()
	}
}

// RecordFlush records a durable-store flush attempt.
func (m *Metrics) RecordFlush(persisted int, duration time.Duration, err error) {
	m.LogFlushDuration.Observe(duration.Seconds())
	if err != nil {
		m.LogFlushFailures.Inc()
		return
	}
	m.LogLinesPersisted.Add(float64(persisted))
}
