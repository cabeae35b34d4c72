package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryAdapter is a deterministic in-memory fake of Adapter, used by tests
// so session lifecycle logic can be exercised without a real provider.
type MemoryAdapter struct {
	mu       sync.Mutex
	machines map[string]*Descriptor
	seq      int

	// FailCreate, when set, makes CreateMachine return this error instead
	// of succeeding.
	FailCreate error
	// ReadyDelay simulates provisioning latency before a machine becomes
	// ready; zero means immediately ready.
	ReadyDelay time.Duration
}

// NewMemoryAdapter builds an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{machines: make(map[string]*Descriptor)}
}

func (m *MemoryAdapter) nextID() string {
	m.seq++
	return fmt.Sprintf("machine-%d", m.seq)
}

func (m *MemoryAdapter) CreateMachine(ctx context.Context, spec CreateSpec) (Descriptor, error) {
	if m.FailCreate != nil {
		return Descriptor{}, m.FailCreate
	}

	if m.ReadyDelay > 0 {
		select {
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		case <-time.After(m.ReadyDelay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID()
	d := &Descriptor{
		ID:        id,
		Name:      spec.SessionID,
		State:     StateStarted,
		Region:    "local",
		Config:    spec.Config,
		CreatedAt: time.Now(),
		Checks:    nil,
		URL:       fmt.Sprintf("https://%s.preview.local", spec.SessionID),
		ProjectID: spec.ProjectID,
	}
	m.machines[id] = d
	return *d, nil
}

func (m *MemoryAdapter) DestroyMachine(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, machineID)
	return nil
}

func (m *MemoryAdapter) GetMachine(ctx context.Context, machineID string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.machines[machineID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryAdapter) ListMachines(ctx context.Context) ([]Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.machines))
	for _, d := range m.machines {
		out = append(out, *d)
	}
	return out, nil
}

func (m *MemoryAdapter) WaitForReady(ctx context.Context, machineID string, deadline time.Time) error {
	d, err := m.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	if d == nil {
		return &Error{Kind: KindTimeout, Message: "machine not found while waiting for ready"}
	}
	if IsTerminalFailure(d.State) {
		return &Error{Kind: KindUnhealthyState, Message: "machine entered terminal state"}
	}
	if !IsReady(*d) {
		return &Error{Kind: KindTimeout, Message: "machine not ready"}
	}
	return nil
}

func (m *MemoryAdapter) CleanupProjectContainers(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, d := range m.machines {
		if d.ProjectID == projectID {
			delete(m.machines, id)
			count++
		}
	}
	return count, nil
}

// SetState forces a machine's reported state, for tests that exercise
// health-monitoring and failure paths.
func (m *MemoryAdapter) SetState(machineID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.machines[machineID]; ok {
		d.State = s
	}
}

// SetChecks forces a machine's reported checks, for tests that exercise
// readiness edge cases.
func (m *MemoryAdapter) SetChecks(machineID string, checks []Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.machines[machineID]; ok {
		d.Checks = checks
	}
}

var _ Adapter = (*MemoryAdapter)(nil)
var _ Adapter = (*FlyAdapter)(nil)
