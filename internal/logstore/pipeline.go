// internal/logstore/pipeline.go
package logstore

import (
	"context"
	"time"

	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
	"github.com/rankforge/sentinel/pkg/metrics"

	"sync"
)

// PipelineConfig holds the tunables of the persistence pipeline.
type PipelineConfig struct {
	// QueueCapacity bounds the in-memory queue; oldest entries are dropped
	// first beyond it.
	QueueCapacity int
	// BatchSize bounds how many entries one flush writes.
	BatchSize int
	// FlushInterval is the debounce delay between enqueue and flush.
	FlushInterval time.Duration
	// WriteTimeout bounds a single durable-store write.
	WriteTimeout time.Duration
	// MaxFlushAttempts bounds the forced drain at shutdown.
	MaxFlushAttempts int
}

// DefaultPipelineConfig returns sane defaults for the pipeline.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueCapacity:    2000,
		BatchSize:        500,
		FlushInterval:    2 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFlushAttempts: 5,
	}
}

// Pipeline batches log entries from all services and flushes them to the
// durable store. Enqueue never blocks the producer: beyond capacity the
// oldest entries are dropped. Flushes are debounced (at most one pending
// timer) and single-flight (a request during a running flush is deferred,
// never run in parallel).
type Pipeline struct {
	cfg     PipelineConfig
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	queue        []Entry
	flushing     bool
	timerPending bool
	schemaReady  bool
	closed       bool
	dropped      uint64
}

// NewPipeline creates a pipeline writing to the given sink. The metrics
// collector may be nil.
func NewPipeline(cfg PipelineConfig, sink Sink, logger *logging.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxFlushAttempts < 1 {
		cfg.MaxFlushAttempts = 1
	}
	return &Pipeline{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// Enqueue appends an entry to the queue, dropping the oldest entries when
// capacity is exceeded, and schedules a debounced flush.
func (p *Pipeline) Enqueue(entry Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.queue = append(p.queue, entry)
	if over := len(p.queue) - p.cfg.QueueCapacity; over > 0 {
		p.queue = p.queue[over:]
		p.dropped += uint64(over)
		if p.metrics != nil {
			p.metrics.LogLinesDropped.Add(float64(over))
		}
	}
	if p.metrics != nil {
		p.metrics.LogQueueDepth.Set(float64(len(p.queue)))
	}

	p.scheduleLocked()
}

// SetSchemaReady marks the durable store schema as provisioned. Until then
// every flush defers and reschedules rather than failing.
func (p *Pipeline) SetSchemaReady() {
	p.mu.Lock()
	p.schemaReady = true
	pending := len(p.queue) > 0
	if pending {
		p.scheduleLocked()
	}
	p.mu.Unlock()

	if pending {
		p.logger.Info("log store schema ready, resuming deferred flushes")
	}
}

// Len returns the number of queued entries.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the number of entries discarded under overflow.
func (p *Pipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// scheduleLocked arms the debounce timer if no timer is pending. Caller
// holds p.mu.
func (p *Pipeline) scheduleLocked() {
	if p.timerPending || p.closed || len(p.queue) == 0 {
		return
	}
	p.timerPending = true
	time.AfterFunc(p.cfg.FlushInterval, func() {
		p.mu.Lock()
		p.timerPending = false
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		if err := p.Flush(ctx, false); err != nil {
			p.logger.WithError(err).Warn("log flush failed, batch requeued")
		}
	})
}

// Flush writes one batch (the whole queue if force) to the sink. On failure
// the batch is pushed back to the front of the queue, preserving order, and
// a retry is rescheduled. A flush requested while one is running is
// deferred, not run in parallel.
func (p *Pipeline) Flush(ctx context.Context, force bool) error {
	p.mu.Lock()
	if p.flushing {
		p.scheduleLocked()
		p.mu.Unlock()
		return nil
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	if !p.schemaReady {
		p.scheduleLocked()
		p.mu.Unlock()
		return serrors.ErrSchemaNotReady
	}

	n := p.cfg.BatchSize
	if force || n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]Entry, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	p.flushing = true
	p.mu.Unlock()

	start := time.Now()
	err := p.sink.InsertLogs(ctx, batch)

	p.mu.Lock()
	p.flushing = false
	if err != nil {
		// Requeue at the front so per-service emission order survives the
		// failed attempt, then cap to capacity from the oldest end.
		p.queue = append(batch, p.queue...)
		if over := len(p.queue) - p.cfg.QueueCapacity; over > 0 {
			p.queue = p.queue[over:]
			p.dropped += uint64(over)
			if p.metrics != nil {
				p.metrics.LogLinesDropped.Add(float64(over))
			}
		}
		p.scheduleLocked()
	} else if len(p.queue) > 0 {
		p.scheduleLocked()
	}
	if p.metrics != nil {
		p.metrics.LogQueueDepth.Set(float64(len(p.queue)))
		p.metrics.RecordFlush(len(batch), time.Since(start), err)
	}
	p.mu.Unlock()

	if err != nil {
		return serrors.WrapWithOperation(
			serrors.WrapWithDomain(err, serrors.DomainLogStore), "Flush")
	}
	return nil
}

// Drain force-flushes repeatedly until the queue is empty or the attempt
// budget is exhausted. Called synchronously at shutdown so the tail of the
// logs is not silently dropped.
func (p *Pipeline) Drain(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxFlushAttempts; attempt++ {
		if p.Len() == 0 {
			return nil
		}
		if lastErr = p.Flush(ctx, true); lastErr == nil && p.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if p.Len() == 0 {
		return nil
	}
	if lastErr == nil {
		lastErr = serrors.ErrPersistenceWrite
	}
	return serrors.Wrap(lastErr, "log queue not drained at shutdown")
}

// Close stops accepting entries. Pending entries remain for a final Drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
