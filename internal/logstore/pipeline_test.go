// internal/logstore/pipeline_test.go
package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
)

// fakeSink records every batch it receives and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    bool
}

func (s *fakeSink) InsertLogs(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, batch := range s.batches {
		for _, e := range batch {
			out = append(out, e.Message)
		}
	}
	return out
}

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = io.Discard
	return logging.New(cfg)
}

func entry(i int) Entry {
	return Entry{
		ServiceID: "svc",
		Stream:    "stdout",
		Message:   fmt.Sprintf("line %d", i),
		Metadata:  Metadata{Timestamp: time.Now()},
	}
}

func newTestPipeline(sink Sink, capacity, batchSize int) *Pipeline {
	return NewPipeline(PipelineConfig{
		QueueCapacity:    capacity,
		BatchSize:        batchSize,
		FlushInterval:    time.Hour, // tests drive flushes explicitly
		MaxFlushAttempts: 3,
	}, sink, testLogger(), nil)
}

func TestPipelineDropsOldestBeyondCapacity(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 2000, 500)
	p.SetSchemaReady()

	for i := 0; i < 2100; i++ {
		p.Enqueue(entry(i))
	}

	assert.Equal(t, 2000, p.Len())
	assert.Equal(t, uint64(100), p.Dropped())

	require.NoError(t, p.Flush(context.Background(), true))
	msgs := sink.messages()
	require.Len(t, msgs, 2000)
	// The oldest 100 entries were discarded; the most recent 2000 survive in
	// order.
	assert.Equal(t, "line 100", msgs[0])
	assert.Equal(t, "line 2099", msgs[1999])
}

func TestPipelineFlushRespectsBatchSize(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 100, 10)
	p.SetSchemaReady()

	for i := 0; i < 25; i++ {
		p.Enqueue(entry(i))
	}

	require.NoError(t, p.Flush(context.Background(), false))
	assert.Equal(t, 15, p.Len())

	sink.mu.Lock()
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 10)
	sink.mu.Unlock()
}

func TestPipelineDefersUntilSchemaReady(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 100, 10)

	p.Enqueue(entry(0))
	err := p.Flush(context.Background(), true)
	assert.ErrorIs(t, err, serrors.ErrSchemaNotReady)
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, sink.messages())

	p.SetSchemaReady()
	require.NoError(t, p.Flush(context.Background(), true))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, []string{"line 0"}, sink.messages())
}

func TestPipelineRequeuesFailedBatchInOrder(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 100, 10)
	p.SetSchemaReady()

	for i := 0; i < 5; i++ {
		p.Enqueue(entry(i))
	}

	sink.setFail(true)
	err := p.Flush(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, 5, p.Len())

	// A later entry lands behind the requeued batch.
	p.Enqueue(entry(5))

	sink.setFail(false)
	require.NoError(t, p.Flush(context.Background(), true))

	msgs := sink.messages()
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("line %d", i), msg)
	}
}

func TestPipelineDebouncedFlush(t *testing.T) {
	sink := &fakeSink{}
	p := NewPipeline(PipelineConfig{
		QueueCapacity:    100,
		BatchSize:        50,
		FlushInterval:    20 * time.Millisecond,
		MaxFlushAttempts: 3,
	}, sink, testLogger(), nil)
	p.SetSchemaReady()

	for i := 0; i < 3; i++ {
		p.Enqueue(entry(i))
	}

	assert.Eventually(t, func() bool {
		return p.Len() == 0 && len(sink.messages()) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPipelineDrainEmptiesQueue(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 100, 10)
	p.SetSchemaReady()

	for i := 0; i < 42; i++ {
		p.Enqueue(entry(i))
	}

	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 0, p.Len())
	assert.Len(t, sink.messages(), 42)
}

func TestPipelineDrainGivesUpAfterBudget(t *testing.T) {
	sink := &fakeSink{fail: true}
	p := newTestPipeline(sink, 100, 10)
	p.SetSchemaReady()

	p.Enqueue(entry(0))

	err := p.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, p.Len())
}

func TestPipelineCloseRejectsNewEntries(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink, 100, 10)
	p.SetSchemaReady()

	p.Enqueue(entry(0))
	p.Close()
	p.Enqueue(entry(1))

	assert.Equal(t, 1, p.Len())
}
