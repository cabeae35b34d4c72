package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store, used by tests and by the
// Container Manager's own test suite. The bare mu mutex only serializes
// individual method calls; WithSessionLock additionally serializes a
// multi-call sequence, such as destroy's get-then-mark-ended, against any
// other caller locking the same session id.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session

	lockMu     sync.Mutex
	sessionLks map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[uuid.UUID]Session),
		sessionLks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *MemoryStore) sessionLock(id uuid.UUID) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lk, ok := m.sessionLks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.sessionLks[id] = lk
	}
	return lk
}

// WithSessionLock serializes fn against every other WithSessionLock call
// for the same id.
func (m *MemoryStore) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	lk := m.sessionLock(id)
	lk.Lock()
	defer lk.Unlock()
	return fn(ctx)
}

func (m *MemoryStore) InsertCreating(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) MarkActive(ctx context.Context, id uuid.UUID, containerID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errNotFound
	}
	s.Status = StatusActive
	s.ContainerID = containerID
	s.ContainerURL = url
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errNotFound
	}
	s.Status = StatusError
	s.ErrorMessage = message
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) MarkEnded(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errNotFound
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndedAt = &now
	s.UpdatedAt = now
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.SessionID == sessionID {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SelectExpired(ctx context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.ExpiresAt.Before(now) && (s.Status == StatusCreating || s.Status == StatusActive) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) SelectOrphanCheckSet(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.ContainerID != "" {
			out = append(out, s.ContainerID)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetByContainerID(ctx context.Context, containerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if containerID == "" {
		return nil, nil
	}
	for _, s := range m.sessions {
		if s.ContainerID == containerID {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "ledger: session not found" }

var errNotFound = notFoundError{}

var _ Store = (*MemoryStore)(nil)
