// Package ledger is the authoritative persistent record of every session:
// status, expiry, container id, owner, URL, tier. Container Manager is
// the only writer; every other component reads through Store.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is one of the closed set a Session can occupy.
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusEnded    Status = "ended"
)

// Session is the central entity of the orchestrator.
type Session struct {
	ID           uuid.UUID
	UserID       string
	ProjectID    string
	SessionID    string
	ContainerID  string
	ContainerURL string
	Tier         string
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	EndedAt      *time.Time
	ExpiresAt    time.Time
}

// NewCreating builds the initial row for a session about to be
// provisioned. expiresAt must equal createdAt plus the tier's max
// duration.
func NewCreating(userID, projectID, sessionID, tier string, createdAt, expiresAt time.Time) Session {
	return Session{
		ID:        uuid.New(),
		UserID:    userID,
		ProjectID: projectID,
		SessionID: sessionID,
		Tier:      tier,
		Status:    StatusCreating,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
}

// Store is the durable-record port for Session lifecycle operations.
// Implementations: postgres-backed (production) and an in-memory fake
// (tests).
type Store interface {
	// InsertCreating persists the initial creating row.
	InsertCreating(ctx context.Context, s Session) error

	// MarkActive transitions creating -> active, recording the
	// provider-assigned container id and reachable URL.
	MarkActive(ctx context.Context, id uuid.UUID, containerID, url string) error

	// MarkError transitions any status to error, recording message.
	MarkError(ctx context.Context, id uuid.UUID, message string) error

	// MarkEnded sets status=ended and ended_at=now.
	MarkEnded(ctx context.Context, id uuid.UUID) error

	// Get returns the session, or nil if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Session, error)

	// GetBySessionID looks up a session by its public session id (the
	// value returned to API callers), or nil if it does not exist.
	GetBySessionID(ctx context.Context, sessionID string) (*Session, error)

	// ListByUser returns every session owned by userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]Session, error)

	// SelectExpired returns rows whose expires_at < now and status in
	// {creating, active}.
	SelectExpired(ctx context.Context, now time.Time) ([]Session, error)

	// SelectOrphanCheckSet returns the container ids of every active
	// session, for reconciliation against the provider's machine list.
	SelectOrphanCheckSet(ctx context.Context) ([]string, error)

	// ListActive returns every session currently in status=active, for
	// health assessment.
	ListActive(ctx context.Context) ([]Session, error)

	// GetByContainerID looks up the session that owns a provider
	// container id, or nil if no session record references it.
	GetByContainerID(ctx context.Context, containerID string) (*Session, error)

	// WithSessionLock runs fn with an exclusive lock held on id, serializing
	// it against every other WithSessionLock call for the same id across
	// this and any other process sharing the store. Used to make
	// multi-step read-decide-write sequences, such as destroy, atomic with
	// respect to concurrent callers for the same session.
	WithSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error
}
