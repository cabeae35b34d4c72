// Package monitoring is the Monitoring Bus: metric, event, and alert ring
// buffers with threshold-triggered alerting, an optional webhook sink for
// critical alerts, and a Prometheus text exporter.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/previewctl/orchestrator/internal/monitoring/ring"
)

// Severity is the closed set an Event or Alert can carry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Metric is one recorded sample.
type Metric struct {
	Name      string
	Value     float64
	Timestamp time.Time
	Tags      map[string]string
}

// Event is one recorded occurrence.
type Event struct {
	Type      string
	Data      map[string]any
	Severity  Severity
	Timestamp time.Time
}

// Alert is a created-and-tracked condition.
type Alert struct {
	ID         uuid.UUID
	Type       string
	Message    string
	Severity   Severity
	Timestamp  time.Time
	Resolved   bool
	ResolvedAt *time.Time
	Data       map[string]any
}

// HealthStatus is the aggregate verdict get_health_summary derives.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthSummary is get_health_summary's return shape.
type HealthSummary struct {
	Status             HealthStatus
	ActiveAlertCount   int
	CriticalAlertCount int
	LastMetrics        map[string]float64
}

// threshold is one entry of the built-in threshold table.
type threshold struct {
	metric    string
	min       float64
	severity  Severity
}

var thresholds = []threshold{
	{metric: "critical_sessions", min: 5, severity: SeverityError},
	{metric: "active_sessions", min: 50, severity: SeverityWarning},
	{metric: "memory_usage_percent", min: 90, severity: SeverityCritical},
	{metric: "cpu_usage_percent", min: 85, severity: SeverityWarning},
}

const (
	metricRingCapacity = 1000
	eventRingCapacity  = 500
)

// EventStore persists error and critical severity events durably.
type EventStore interface {
	InsertEvent(ctx context.Context, e Event) error
}

// Bus is the Monitoring Bus. It owns Metric/Event/Alert mutation
// exclusively.
type Bus struct {
	mu     sync.Mutex
	logger *slog.Logger

	metrics    *ring.Ring[Metric]
	events     *ring.Ring[Event]
	alerts     map[uuid.UUID]*Alert
	lastValues map[string]float64

	eventStore EventStore
	webhookURL string
	httpClient *http.Client
	clock      func() time.Time
}

// New builds a Bus. webhookURL may be empty, disabling webhook emission.
func New(logger *slog.Logger, eventStore EventStore, webhookURL string) *Bus {
	return &Bus{
		logger:     logger,
		metrics:    ring.New[Metric](metricRingCapacity),
		events:     ring.New[Event](eventRingCapacity),
		alerts:     make(map[uuid.UUID]*Alert),
		lastValues: make(map[string]float64),
		eventStore: eventStore,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordMetric appends a sample and auto-creates an alert if it crosses a
// declared threshold.
func (b *Bus) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) {
	m := Metric{Name: name, Value: value, Timestamp: b.clock(), Tags: tags}

	b.mu.Lock()
	b.metrics.Append(m)
	b.lastValues[name] = value
	b.mu.Unlock()

	for _, th := range thresholds {
		if th.metric == name && value >= th.min {
			b.CreateAlert(ctx, name+"_threshold", fmt.Sprintf("%s reached %.2f (threshold %.2f)", name, value, th.min), th.severity, map[string]any{"value": value})
		}
	}
}

// RecordEvent appends an occurrence; error/critical severities also
// create an alert and persist durably.
func (b *Bus) RecordEvent(ctx context.Context, eventType string, data map[string]any, severity Severity) {
	e := Event{Type: eventType, Data: data, Severity: severity, Timestamp: b.clock()}

	b.mu.Lock()
	b.events.Append(e)
	b.mu.Unlock()

	if severity == SeverityError || severity == SeverityCritical {
		b.CreateAlert(ctx, eventType, eventType, severity, data)
		if b.eventStore != nil {
			if err := b.eventStore.InsertEvent(ctx, e); err != nil {
				b.logger.Error("persisting event failed", "type", eventType, "error", err)
			}
		}
	}
}

// CreateAlert stores a new alert and, for critical severity, best-effort
// posts it to the configured webhook.
func (b *Bus) CreateAlert(ctx context.Context, alertType, message string, severity Severity, data map[string]any) Alert {
	a := Alert{
		ID:        uuid.New(),
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		Timestamp: b.clock(),
		Data:      data,
	}

	b.mu.Lock()
	b.alerts[a.ID] = &a
	b.mu.Unlock()

	if severity == SeverityCritical && b.webhookURL != "" {
		go b.postWebhook(ctx, a)
	}

	return a
}

func (b *Bus) postWebhook(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		b.logger.Warn("encoding alert for webhook failed", "alert_id", a.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(body))
	if err != nil {
		b.logger.Warn("building webhook request failed", "alert_id", a.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("posting alert webhook failed", "alert_id", a.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.logger.Warn("alert webhook returned non-2xx", "alert_id", a.ID, "status", resp.StatusCode)
	}
}

// ResolveAlert flips resolved=true and records a resolution event.
func (b *Bus) ResolveAlert(ctx context.Context, id uuid.UUID, resolution string) error {
	b.mu.Lock()
	a, ok := b.alerts[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("alert %s not found", id)
	}
	now := b.clock()
	a.Resolved = true
	a.ResolvedAt = &now
	b.mu.Unlock()

	b.RecordEvent(ctx, "alert_resolved", map[string]any{"alert_id": id.String(), "resolution": resolution}, SeverityInfo)
	return nil
}

// GetHealthSummary aggregates active/critical alert counts and last
// metric values into an overall status.
func (b *Bus) GetHealthSummary() HealthSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := HealthSummary{Status: HealthHealthy, LastMetrics: make(map[string]float64, len(b.lastValues))}
	for k, v := range b.lastValues {
		summary.LastMetrics[k] = v
	}

	for _, a := range b.alerts {
		if a.Resolved {
			continue
		}
		summary.ActiveAlertCount++
		if a.Severity == SeverityCritical {
			summary.CriticalAlertCount++
		}
	}

	switch {
	case summary.CriticalAlertCount > 0:
		summary.Status = HealthCritical
	case summary.ActiveAlertCount > 0:
		summary.Status = HealthWarning
	}
	return summary
}

// sortedTagPairs renders tags as name=value pairs in a deterministic
// order, used both to key samples and to print them.
func sortedTagPairs(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, tags[k]))
	}
	return pairs
}

// ExportPrometheus serializes the latest value per (name, tag set) pair in
// Prometheus text exposition format. A metric recorded under several
// distinct tag sets, such as one sample per subscription tier, keeps one
// sample line per tag set rather than collapsing to the last write.
func (b *Bus) ExportPrometheus() string {
	b.mu.Lock()
	snapshot := b.metrics.Snapshot()
	b.mu.Unlock()

	type sampleKey struct {
		name string
		tags string
	}
	latest := make(map[sampleKey]Metric)
	for _, m := range snapshot {
		key := sampleKey{name: m.Name, tags: strings.Join(sortedTagPairs(m.Tags), ",")}
		latest[key] = m
	}

	byName := make(map[string][]Metric)
	for key, m := range latest {
		byName[key.name] = append(byName[key.name], m)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		metricName := "previewctl_" + name
		fmt.Fprintf(&out, "# HELP %s previewctl metric %s\n", metricName, name)
		fmt.Fprintf(&out, "# TYPE %s gauge\n", metricName)

		samples := byName[name]
		sort.Slice(samples, func(i, j int) bool {
			return strings.Join(sortedTagPairs(samples[i].Tags), ",") < strings.Join(sortedTagPairs(samples[j].Tags), ",")
		})
		for _, m := range samples {
			pairs := sortedTagPairs(m.Tags)
			if len(pairs) == 0 {
				fmt.Fprintf(&out, "%s %v\n", metricName, m.Value)
				continue
			}
			fmt.Fprintf(&out, "%s{%s} %v\n", metricName, strings.Join(pairs, ","), m.Value)
		}
	}
	return out.String()
}

// Alerts returns a snapshot of every tracked alert, for API read
// endpoints.
func (b *Bus) Alerts() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.alerts))
	for _, a := range b.alerts {
		out = append(out, *a)
	}
	return out
}

// Metrics returns a snapshot of the metric ring, oldest first, for API
// read endpoints.
func (b *Bus) Metrics() []Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics.Snapshot()
}

// Events returns a snapshot of the event ring, oldest first, for API
// read endpoints.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events.Snapshot()
}
