package containermgr

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/provider"
	"github.com/previewctl/orchestrator/internal/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateSessionSucceeds(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	info, err := mgr.CreateSession(ctx, "user-1", "project-1", "pro")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.Status != ledger.StatusActive {
		t.Fatalf("expected active status, got %v", info.Status)
	}
	if info.ContainerID == "" || info.URL == "" {
		t.Fatalf("expected container id and url set, got %+v", info)
	}
}

func TestCreateSessionMarksErrorOnProviderFailure(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	adapter.FailCreate = &provider.Error{Kind: provider.KindProvisionFailure, Message: "boom"}
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	_, err := mgr.CreateSession(ctx, "user-1", "project-1", "free")
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.ProvisioningFailed {
		t.Fatalf("expected ProvisioningFailed, got %v", err)
	}
}

func TestDestroySessionNotFound(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	err := mgr.DestroySession(ctx, uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCreateThenDestroySession(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	info, err := mgr.CreateSession(ctx, "user-1", "project-1", "basic")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	id := sessionIDFor(t, store, info.SessionID)
	if err := mgr.DestroySession(ctx, id); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	got, err := mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != ledger.StatusEnded {
		t.Fatalf("expected ended, got %v", got.Status)
	}
}

func TestCleanupExpiredSessionsDestroysPastDeadline(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()

	fixedNow := time.Now().UTC()
	clock := func() time.Time { return fixedNow }
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), clock)

	info, err := mgr.CreateSession(ctx, "user-1", "project-1", "free")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := sessionIDFor(t, store, info.SessionID)

	// Advance the clock past the free tier's 2h max duration.
	mgr.clock = func() time.Time { return fixedNow.Add(3 * time.Hour) }

	destroyed, _, err := mgr.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if destroyed != 1 {
		t.Fatalf("expected 1 destroyed session, got %d", destroyed)
	}

	got, _ := mgr.GetStatus(ctx, id)
	if got.Status != ledger.StatusEnded {
		t.Fatalf("expected ended, got %v", got.Status)
	}
}

func TestMonitorAllSessionsFlagsOverdueSession(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()

	fixedNow := time.Now().UTC()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), func() time.Time { return fixedNow })

	if _, err := mgr.CreateSession(ctx, "user-1", "project-1", "free"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	mgr.clock = func() time.Time { return fixedNow.Add(3 * time.Hour) }
	assessments, err := mgr.MonitorAllSessions(ctx)
	if err != nil {
		t.Fatalf("MonitorAllSessions: %v", err)
	}
	if len(assessments) != 1 || assessments[0].Status != AssessmentCritical {
		t.Fatalf("expected one critical assessment, got %+v", assessments)
	}
}

func TestReapOrphansLeavesActiveSessionsAlone(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	info, err := mgr.CreateSession(ctx, "user-1", "project-1", "pro")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	reaped, err := mgr.ReapOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("expected an active session's machine to survive reaping, got %d reaped", reaped)
	}

	got, err := mgr.GetStatus(ctx, sessionIDFor(t, store, info.SessionID))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != ledger.StatusActive {
		t.Fatalf("expected session still active, got %v", got.Status)
	}
}

func TestReapOrphansDestroysMachineOfEndedSession(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	info, err := mgr.CreateSession(ctx, "user-1", "project-1", "pro")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := sessionIDFor(t, store, info.SessionID)

	// Simulate a crash that ended the ledger row without tearing down the
	// provider machine: ReapOrphans finds the machine outside the active
	// set and, since its owning row is already ended, destroys it directly.
	if err := store.MarkEnded(ctx, id); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	reaped, err := mgr.ReapOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped machine, got %d", reaped)
	}

	d, err := adapter.GetMachine(ctx, info.ContainerID)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if d != nil {
		t.Fatalf("expected orphaned machine destroyed, still present: %+v", d)
	}
}

func TestReapOrphansDestroysMachineWithNoLedgerOwner(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)

	d, err := adapter.CreateMachine(ctx, provider.CreateSpec{ProjectID: "project-1", SessionID: "untracked"})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}

	reaped, err := mgr.ReapOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped machine, got %d", reaped)
	}

	got, err := adapter.GetMachine(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if got != nil {
		t.Fatalf("expected unowned machine destroyed, still present: %+v", got)
	}
}

func sessionIDFor(t *testing.T, store *ledger.MemoryStore, sessionID string) uuid.UUID {
	t.Helper()
	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	for _, s := range active {
		if s.SessionID == sessionID {
			return s.ID
		}
	}
	t.Fatalf("session %s not found among active sessions", sessionID)
	return uuid.UUID{}
}
