// internal/logstore/store.go
package logstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
)

// Metadata records the context of a captured log line alongside the message.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Truncated bool      `json:"truncated,omitempty"`
	PID       int       `json:"pid,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}

// Entry is one log record destined for durable storage. It lives only until
// successfully persisted or dropped under overflow.
type Entry struct {
	ServiceID   string
	ServiceName string
	Stream      string
	Message     string
	Metadata    Metadata
}

// Sink persists batches of log entries. A single bulk write either fully
// succeeds or fully fails.
type Sink interface {
	InsertLogs(ctx context.Context, entries []Entry) error
}

const schema = `
CREATE TABLE IF NOT EXISTS service_logs (
	id           BIGSERIAL PRIMARY KEY,
	service_id   TEXT NOT NULL,
	service_name TEXT NOT NULL,
	stream       TEXT NOT NULL,
	message      TEXT NOT NULL,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_service_logs_service_id ON service_logs (service_id);
CREATE INDEX IF NOT EXISTS idx_service_logs_created_at ON service_logs (created_at DESC);

CREATE TABLE IF NOT EXISTS platform_attributes (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const insertLog = `INSERT INTO service_logs (service_id, service_name, stream, message, metadata) VALUES ($1, $2, $3, $4, $5)`

const upsertAttribute = `INSERT INTO platform_attributes (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

const selectAttribute = `SELECT value FROM platform_attributes WHERE key = $1`

// Store is the pgx-backed durable log store. The connection pool is
// established lazily on first need and shared by all flush operations.
type Store struct {
	url    string
	logger *logging.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewStore creates a store for the given connection URL without connecting.
func NewStore(url string, logger *logging.Logger) *Store {
	return &Store{url: url, logger: logger}
}

func (s *Store) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return s.pool, nil
	}

	pool, err := pgxpool.New(ctx, s.url)
	if err != nil {
		return nil, serrors.WrapWithDomain(serrors.Wrap(err, "failed to create connection pool"), serrors.DomainLogStore)
	}
	s.pool = pool
	return pool, nil
}

// Ping verifies the durable store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// EnsureSchema creates the log and attribute tables if they do not exist.
// Safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		return serrors.WrapWithOperation(
			serrors.WrapWithDomain(serrors.Wrap(err, "schema creation failed"), serrors.DomainLogStore),
			"EnsureSchema")
	}
	s.logger.Info("log store schema ready")
	return nil
}

// InsertLogs writes a batch of entries in a single round trip.
func (s *Store) InsertLogs(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		batch.Queue(insertLog, e.ServiceID, e.ServiceName, e.Stream, e.Message, meta)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return serrors.WrapWithOperation(
				serrors.WrapWithDomain(serrors.Wrap(err, serrors.ErrPersistenceWrite.Error()), serrors.DomainLogStore),
				"InsertLogs")
		}
	}
	return nil
}

// SetAttribute upserts one platform bookkeeping value (run id, boot time).
func (s *Store) SetAttribute(ctx context.Context, key, value string) error {
	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertAttribute, key, value); err != nil {
		return serrors.WrapWithOperation(
			serrors.WrapWithDomain(err, serrors.DomainLogStore), "SetAttribute")
	}
	return nil
}

// GetAttribute reads a platform bookkeeping value. Missing keys report
// ErrNotFound.
func (s *Store) GetAttribute(ctx context.Context, key string) (string, error) {
	pool, err := s.getPool(ctx)
	if err != nil {
		return "", err
	}
	var value string
	if err := pool.QueryRow(ctx, selectAttribute, key).Scan(&value); err != nil {
		if err == pgx.ErrNoRows {
			return "", serrors.Wrap(serrors.ErrNotFound, key)
		}
		return "", serrors.WrapWithOperation(
			serrors.WrapWithDomain(err, serrors.DomainLogStore), "GetAttribute")
	}
	return value, nil
}

// Close releases the connection pool if one was established.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
