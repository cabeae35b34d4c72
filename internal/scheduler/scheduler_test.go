package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/monitoring"
	"github.com/previewctl/orchestrator/internal/provider"
	"github.com/previewctl/orchestrator/internal/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler() *Scheduler {
	store := ledger.NewMemoryStore()
	adapter := provider.NewMemoryAdapter()
	mgr := containermgr.New(store, adapter, realtime.NoopRegistrar{}, testLogger(), nil)
	bus := monitoring.New(testLogger(), nil, "")
	return New(mgr, bus, testLogger())
}

func TestRunJobNowUnknownJobFails(t *testing.T) {
	s := newTestScheduler()
	err := s.RunJobNow(context.Background(), "does-not-exist")
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.UnknownJob {
		t.Fatalf("expected UnknownJob, got %v", err)
	}
}

func TestRunJobNowCleanupSucceedsWithNoSessions(t *testing.T) {
	s := newTestScheduler()
	if err := s.RunJobNow(context.Background(), jobCleanup); err != nil {
		t.Fatalf("RunJobNow(cleanup): %v", err)
	}
}

func TestRunGuardedSkipsOverlappingTick(t *testing.T) {
	s := newTestScheduler()
	name := jobMetrics

	flagVal, _ := s.running.LoadOrStore(name, new(int32))
	flag := flagVal.(*int32)
	*flag = 1 // simulate an in-flight run

	// This should return immediately (skip) rather than block or panic.
	done := make(chan struct{})
	go func() {
		s.runGuarded(context.Background(), name)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runGuarded did not return promptly when job already running")
	}
}
