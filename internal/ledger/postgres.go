package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, user_id, project_id, session_id, container_id, container_url, tier, status, error_message, created_at, updated_at, ended_at, expires_at`

// PostgresStore is a Store backed by the global connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.ProjectID, &s.SessionID, &s.ContainerID, &s.ContainerURL,
		&s.Tier, &s.Status, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt, &s.EndedAt, &s.ExpiresAt,
	)
	return s, err
}

func scanSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var items []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.ProjectID, &s.SessionID, &s.ContainerID, &s.ContainerURL,
			&s.Tier, &s.Status, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt, &s.EndedAt, &s.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCreating(ctx context.Context, sess Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.UserID, sess.ProjectID, sess.SessionID, sess.ContainerID, sess.ContainerURL,
		sess.Tier, sess.Status, sess.ErrorMessage, sess.CreatedAt, sess.UpdatedAt, sess.EndedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkActive(ctx context.Context, id uuid.UUID, containerID, url string) error {
	query := `UPDATE sessions SET status = $2, container_id = $3, container_url = $4, updated_at = $5 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, StatusActive, containerID, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking session active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	query := `UPDATE sessions SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, StatusError, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking session error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkEnded(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	query := `UPDATE sessions SET status = $2, ended_at = $3, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, StatusEnded, now)
	if err != nil {
		return fmt.Errorf("marking session ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	row := s.pool.QueryRow(ctx, query, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session by session id: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by user: %w", err)
	}
	return scanSessions(rows)
}

func (s *PostgresStore) SelectExpired(ctx context.Context, now time.Time) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE expires_at < $1 AND status IN ($2, $3)`
	rows, err := s.pool.Query(ctx, query, now, StatusCreating, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("selecting expired sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *PostgresStore) SelectOrphanCheckSet(ctx context.Context) ([]string, error) {
	query := `SELECT container_id FROM sessions WHERE status = $1 AND container_id != ''`
	rows, err := s.pool.Query(ctx, query, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("selecting orphan check set: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning container id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating container ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = $1`
	rows, err := s.pool.Query(ctx, query, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *PostgresStore) GetByContainerID(ctx context.Context, containerID string) (*Session, error) {
	if containerID == "" {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE container_id = $1 ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, query, containerID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session by container id: %w", err)
	}
	return &sess, nil
}

// WithSessionLock holds a Postgres advisory lock keyed on id for the
// duration of fn. Advisory locks are session-scoped rather than
// transaction-scoped, so this acquires a dedicated connection from the
// pool rather than running on whatever connection a surrounding
// transaction might already hold.
func (s *PostgresStore) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for session lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, id.String()); err != nil {
		return fmt.Errorf("acquiring advisory lock for session %s: %w", id, err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, id.String())
	}()

	return fn(ctx)
}

var _ Store = (*PostgresStore)(nil)
