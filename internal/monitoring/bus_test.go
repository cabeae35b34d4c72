package monitoring

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordMetricCrossingThresholdCreatesAlert(t *testing.T) {
	b := New(testLogger(), nil, "")
	ctx := context.Background()

	b.RecordMetric(ctx, "active_sessions", 51, nil)

	summary := b.GetHealthSummary()
	if summary.ActiveAlertCount != 1 {
		t.Fatalf("expected 1 active alert, got %d", summary.ActiveAlertCount)
	}
	if summary.Status != HealthWarning {
		t.Fatalf("expected warning status, got %v", summary.Status)
	}
}

func TestRecordMetricBelowThresholdNoAlert(t *testing.T) {
	b := New(testLogger(), nil, "")
	ctx := context.Background()

	b.RecordMetric(ctx, "active_sessions", 10, nil)

	summary := b.GetHealthSummary()
	if summary.ActiveAlertCount != 0 {
		t.Fatalf("expected no alerts, got %d", summary.ActiveAlertCount)
	}
}

func TestRecordEventCriticalCreatesAlertAndPersists(t *testing.T) {
	store := &fakeEventStore{}
	b := New(testLogger(), store, "")
	ctx := context.Background()

	b.RecordEvent(ctx, "session_timeout_enforced", map[string]any{"session_id": "s1"}, SeverityCritical)

	summary := b.GetHealthSummary()
	if summary.CriticalAlertCount != 1 {
		t.Fatalf("expected 1 critical alert, got %d", summary.CriticalAlertCount)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected event persisted, got %d", len(store.events))
	}
}

func TestRecordEventInfoDoesNotPersist(t *testing.T) {
	store := &fakeEventStore{}
	b := New(testLogger(), store, "")
	ctx := context.Background()

	b.RecordEvent(ctx, "session_started", nil, SeverityInfo)

	if len(store.events) != 0 {
		t.Fatalf("expected no persisted events, got %d", len(store.events))
	}
}

func TestResolveAlertFlipsResolvedAndRecordsEvent(t *testing.T) {
	b := New(testLogger(), nil, "")
	ctx := context.Background()

	a := b.CreateAlert(ctx, "manual", "manual alert", SeverityWarning, nil)
	if err := b.ResolveAlert(ctx, a.ID, "handled"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	summary := b.GetHealthSummary()
	if summary.ActiveAlertCount != 0 {
		t.Fatalf("expected resolved alert to no longer count as active, got %d", summary.ActiveAlertCount)
	}
}

func TestExportPrometheusIncludesHelpAndType(t *testing.T) {
	b := New(testLogger(), nil, "")
	ctx := context.Background()
	b.RecordMetric(ctx, "cpu_usage_percent", 42, map[string]string{"tier": "pro"})

	out := b.ExportPrometheus()
	if !strings.Contains(out, "# HELP previewctl_cpu_usage_percent") {
		t.Fatalf("missing HELP line: %s", out)
	}
	if !strings.Contains(out, "# TYPE previewctl_cpu_usage_percent gauge") {
		t.Fatalf("missing TYPE line: %s", out)
	}
	if !strings.Contains(out, `previewctl_cpu_usage_percent{tier="pro"} 42`) {
		t.Fatalf("missing tagged sample line: %s", out)
	}
}

func TestExportPrometheusKeepsOneSampleLinePerTagSet(t *testing.T) {
	b := New(testLogger(), nil, "")
	ctx := context.Background()
	b.RecordMetric(ctx, "sessions_by_tier", 3, map[string]string{"tier": "free"})
	b.RecordMetric(ctx, "sessions_by_tier", 1, map[string]string{"tier": "basic"})
	b.RecordMetric(ctx, "sessions_by_tier", 2, map[string]string{"tier": "pro"})

	out := b.ExportPrometheus()
	if strings.Count(out, "# HELP previewctl_sessions_by_tier") != 1 {
		t.Fatalf("expected exactly one HELP block for sessions_by_tier: %s", out)
	}
	for _, want := range []string{
		`previewctl_sessions_by_tier{tier="free"} 3`,
		`previewctl_sessions_by_tier{tier="basic"} 1`,
		`previewctl_sessions_by_tier{tier="pro"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing sample line %q: %s", want, out)
		}
	}
}

type fakeEventStore struct {
	events []Event
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, e Event) error {
	f.events = append(f.events, e)
	return nil
}
