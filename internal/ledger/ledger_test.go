package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now().UTC()
	s := NewCreating("user-1", "project-1", "sess-1", "free", now, now.Add(2*time.Hour))
	if err := store.InsertCreating(ctx, s); err != nil {
		t.Fatalf("InsertCreating: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Status != StatusCreating {
		t.Fatalf("expected creating, got %+v", got)
	}

	if err := store.MarkActive(ctx, s.ID, "machine-1", "https://sess-1.preview.local"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	got, _ = store.Get(ctx, s.ID)
	if got.Status != StatusActive || got.ContainerID != "machine-1" || got.ContainerURL == "" {
		t.Fatalf("expected active with container fields set, got %+v", got)
	}

	if err := store.MarkEnded(ctx, s.ID); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}
	got, _ = store.Get(ctx, s.ID)
	if got.Status != StatusEnded || got.EndedAt == nil {
		t.Fatalf("expected ended with EndedAt set, got %+v", got)
	}
}

func TestMemoryStoreErrorThenEnded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	s := NewCreating("user-1", "project-1", "sess-2", "free", now, now.Add(2*time.Hour))
	_ = store.InsertCreating(ctx, s)

	if err := store.MarkError(ctx, s.ID, "provisioning failed"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, _ := store.Get(ctx, s.ID)
	if got.Status != StatusError || got.ErrorMessage == "" {
		t.Fatalf("expected error status with message, got %+v", got)
	}

	// error is terminal-from-provisioning, but destroy_session may still
	// move it to ended.
	if err := store.MarkEnded(ctx, s.ID); err != nil {
		t.Fatalf("MarkEnded after error: %v", err)
	}
	got, _ = store.Get(ctx, s.ID)
	if got.Status != StatusEnded {
		t.Fatalf("expected ended after error, got %+v", got)
	}
}

func TestSelectExpiredOnlyReturnsCreatingOrActivePastDeadline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	expired := NewCreating("u", "p", "expired", "free", now.Add(-3*time.Hour), now.Add(-time.Hour))
	fresh := NewCreating("u", "p", "fresh", "free", now, now.Add(2*time.Hour))
	endedButOld := NewCreating("u", "p", "ended", "free", now.Add(-3*time.Hour), now.Add(-time.Hour))
	endedButOld.Status = StatusEnded

	_ = store.InsertCreating(ctx, expired)
	_ = store.InsertCreating(ctx, fresh)
	_ = store.InsertCreating(ctx, endedButOld)

	got, err := store.SelectExpired(ctx, now)
	if err != nil {
		t.Fatalf("SelectExpired: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "expired" {
		t.Fatalf("expected only 'expired' session, got %+v", got)
	}
}

func TestSelectOrphanCheckSetOnlyActiveWithContainer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	active := NewCreating("u", "p", "active", "free", now, now.Add(time.Hour))
	_ = store.InsertCreating(ctx, active)
	_ = store.MarkActive(ctx, active.ID, "machine-9", "https://active.preview.local")

	creating := NewCreating("u", "p", "creating", "free", now, now.Add(time.Hour))
	_ = store.InsertCreating(ctx, creating)

	ids, err := store.SelectOrphanCheckSet(ctx)
	if err != nil {
		t.Fatalf("SelectOrphanCheckSet: %v", err)
	}
	if len(ids) != 1 || ids[0] != "machine-9" {
		t.Fatalf("expected [machine-9], got %v", ids)
	}
}

func TestGetByContainerIDFindsOwningSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	s := NewCreating("u", "p", "sess-3", "free", now, now.Add(time.Hour))
	_ = store.InsertCreating(ctx, s)
	_ = store.MarkActive(ctx, s.ID, "machine-5", "https://sess-3.preview.local")

	got, err := store.GetByContainerID(ctx, "machine-5")
	if err != nil {
		t.Fatalf("GetByContainerID: %v", err)
	}
	if got == nil || got.ID != s.ID {
		t.Fatalf("expected to find session %s, got %+v", s.ID, got)
	}

	none, err := store.GetByContainerID(ctx, "machine-does-not-exist")
	if err != nil {
		t.Fatalf("GetByContainerID: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no session for unknown container id, got %+v", none)
	}
}

func TestWithSessionLockSerializesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	s := NewCreating("u", "p", "sess-4", "free", now, now.Add(time.Hour))
	_ = store.InsertCreating(ctx, s)

	var wg sync.WaitGroup
	var active int32
	var sawOverlap bool
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithSessionLock(ctx, s.ID, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					sawOverlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if sawOverlap {
		t.Fatal("expected WithSessionLock to serialize concurrent callers for the same session id")
	}
}
