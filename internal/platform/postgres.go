package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/previewctl/orchestrator/internal/monitoring"
)

// NewPostgresPool creates a connection pool from the given URL and verifies
// connectivity.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// schema is applied idempotently on startup; there is no migration runner
// in this service, only additive, order-independent DDL guarded by
// IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             uuid PRIMARY KEY,
	user_id        text NOT NULL,
	project_id     text NOT NULL,
	session_id     text NOT NULL,
	container_id   text NOT NULL DEFAULT '',
	container_url  text NOT NULL DEFAULT '',
	tier           text NOT NULL,
	status         text NOT NULL,
	error_message  text NOT NULL DEFAULT '',
	created_at     timestamptz NOT NULL,
	updated_at     timestamptz NOT NULL,
	ended_at       timestamptz,
	expires_at     timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions (project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON sessions (status, expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status_container ON sessions (status, container_id);

CREATE TABLE IF NOT EXISTS system_events (
	id         bigserial PRIMARY KEY,
	type       text NOT NULL,
	data       jsonb NOT NULL DEFAULT '{}',
	severity   text NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_system_events_created_at ON system_events (created_at);

CREATE TABLE IF NOT EXISTS system_alerts (
	id         uuid PRIMARY KEY,
	type       text NOT NULL,
	message    text NOT NULL,
	severity   text NOT NULL,
	data       jsonb NOT NULL DEFAULT '{}',
	resolved   boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL,
	resolved_at timestamptz
);
`

// Bootstrap applies the service's schema. It is safe to run on every
// startup: every statement is guarded by IF NOT EXISTS.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("bootstrapping schema: %w", err)
	}
	return nil
}

// EventStore persists Monitoring Bus error and critical severity events
// to system_events, satisfying monitoring.EventStore.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore builds an EventStore.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// InsertEvent writes one event row.
func (s *EventStore) InsertEvent(ctx context.Context, e monitoring.Event) error {
	query := `INSERT INTO system_events (type, data, severity, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, query, e.Type, e.Data, string(e.Severity), e.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting system event: %w", err)
	}
	return nil
}

var _ monitoring.EventStore = (*EventStore)(nil)
