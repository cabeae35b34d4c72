// Package scheduler drives the five periodic reconciliation jobs via
// robfig/cron/v3. Each job is guarded against overlapping with its own
// previous run; distinct jobs run concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/monitoring"
	"github.com/previewctl/orchestrator/internal/telemetry"
	"github.com/previewctl/orchestrator/internal/tier"
)

const (
	jobCleanup     = "cleanup"
	jobMonitoring  = "monitoring"
	jobOrphanReap  = "orphan-reaper"
	jobTimeout     = "timeout-enforcement"
	jobMetrics     = "metrics-collection"
)

// jobPeriod records each job's nominal period, used for overrun detection
// (period - 10s) and to recognise valid job names; the cron expressions
// themselves live in jobSchedule.
var jobPeriod = map[string]time.Duration{
	jobCleanup:    15 * time.Minute,
	jobMonitoring: 5 * time.Minute,
	jobOrphanReap: 60 * time.Minute,
	jobTimeout:    10 * time.Minute,
	jobMetrics:    1 * time.Minute,
}

var jobSchedule = map[string]string{
	jobCleanup:    "*/15 * * * *",
	jobMonitoring: "*/5 * * * *",
	jobOrphanReap: "0 * * * *",
	jobTimeout:    "*/10 * * * *",
	jobMetrics:    "* * * * *",
}

// Scheduler wires the five periodic jobs onto a cron driver.
type Scheduler struct {
	manager *containermgr.Manager
	bus     *monitoring.Bus
	logger  *slog.Logger

	cron    *cron.Cron
	running sync.Map // job name -> *int32, single-flight guard per job
}

// New builds a Scheduler in UTC.
func New(manager *containermgr.Manager, bus *monitoring.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		manager: manager,
		bus:     bus,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers every job and begins the cron driver. Call Stop to halt
// it on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, name := range []string{jobCleanup, jobMonitoring, jobOrphanReap, jobTimeout, jobMetrics} {
		name := name
		spec := jobSchedule[name]
		if _, err := s.cron.AddFunc(spec, func() { s.runGuarded(ctx, name) }); err != nil {
			return fmt.Errorf("scheduling job %q: %w", name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron driver, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runGuarded enforces the no-overlap-per-job contract: if this job is
// still running from a previous tick, the new tick is skipped entirely
// rather than queued.
func (s *Scheduler) runGuarded(ctx context.Context, name string) {
	flagVal, _ := s.running.LoadOrStore(name, new(int32))
	flag := flagVal.(*int32)

	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		s.logger.Warn("job still running from previous tick, skipping", "job", name)
		return
	}
	defer atomic.StoreInt32(flag, 0)

	start := time.Now()
	err := s.runJob(ctx, name)
	elapsed := time.Since(start)
	telemetry.SchedulerJobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err, "elapsed", elapsed)
		s.bus.RecordEvent(ctx, name+"_job_failed", map[string]any{"error": err.Error()}, monitoring.SeverityError)
		return
	}

	if period, ok := jobPeriod[name]; ok && elapsed > period-10*time.Second {
		telemetry.SchedulerJobOverrunsTotal.WithLabelValues(name).Inc()
		s.bus.RecordEvent(ctx, name+"_job_overrun", map[string]any{"elapsed_seconds": elapsed.Seconds()}, monitoring.SeverityWarning)
	}
}

// RunJobNow executes a named job once, synchronously, bypassing the cron
// schedule. Unknown names fail with UnknownJob.
func (s *Scheduler) RunJobNow(ctx context.Context, name string) error {
	if _, ok := jobPeriod[name]; !ok {
		return apperr.New(apperr.UnknownJob, fmt.Sprintf("unknown job %q", name))
	}
	return s.runJob(ctx, name)
}

func (s *Scheduler) runJob(ctx context.Context, name string) error {
	switch name {
	case jobCleanup:
		return s.runCleanup(ctx)
	case jobMonitoring:
		return s.runMonitoring(ctx)
	case jobOrphanReap:
		return s.runOrphanReaper(ctx)
	case jobTimeout:
		return s.runTimeoutEnforcement(ctx)
	case jobMetrics:
		return s.runMetricsCollection(ctx)
	default:
		return apperr.New(apperr.UnknownJob, fmt.Sprintf("unknown job %q", name))
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	destroyed, orphans, err := s.manager.CleanupExpiredSessions(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("cleanup job completed", "destroyed", destroyed, "orphans_reaped", orphans)
	return nil
}

func (s *Scheduler) runMonitoring(ctx context.Context) error {
	assessments, err := s.manager.MonitorAllSessions(ctx)
	if err != nil {
		return err
	}
	s.bus.RecordMetric(ctx, "active_sessions", float64(len(assessments)), nil)
	return nil
}

func (s *Scheduler) runOrphanReaper(ctx context.Context) error {
	reaped, err := s.manager.ReapOrphans(ctx, 30*time.Minute)
	if err != nil {
		return fmt.Errorf("reaping orphaned machines: %w", err)
	}
	s.logger.Info("orphan reaper completed", "reaped", reaped)
	return nil
}

func (s *Scheduler) runTimeoutEnforcement(ctx context.Context) error {
	assessments, err := s.manager.MonitorAllSessions(ctx)
	if err != nil {
		return err
	}

	for _, a := range assessments {
		for _, action := range a.Actions {
			if action != "Auto-destroy machine" {
				continue
			}
			if err := s.manager.DestroySession(ctx, a.ID); err != nil {
				s.logger.Error("timeout enforcement failed to destroy session", "session_id", a.SessionID, "error", err)
				continue
			}
			s.logger.Info("enforcing session timeout", "session_id", a.SessionID)
			s.bus.RecordEvent(ctx, "session_timeout_enforced", map[string]any{"session_id": a.SessionID}, monitoring.SeverityWarning)
		}
	}
	return nil
}

func (s *Scheduler) runMetricsCollection(ctx context.Context) error {
	assessments, err := s.manager.MonitorAllSessions(ctx)
	if err != nil {
		return err
	}

	var healthy, warning, critical int
	perTier := make(map[string]int, len(tier.Names))
	for _, a := range assessments {
		switch a.Status {
		case containermgr.AssessmentOK:
			healthy++
		case containermgr.AssessmentWarning:
			warning++
		case containermgr.AssessmentCritical:
			critical++
		}
		perTier[a.Tier]++
	}

	s.bus.RecordMetric(ctx, "active_sessions", float64(len(assessments)), nil)
	s.bus.RecordMetric(ctx, "healthy_sessions", float64(healthy), nil)
	s.bus.RecordMetric(ctx, "warning_sessions", float64(warning), nil)
	s.bus.RecordMetric(ctx, "critical_sessions", float64(critical), nil)
	for t, n := range perTier {
		s.bus.RecordMetric(ctx, "sessions_by_tier", float64(n), map[string]string{"tier": t})
	}
	return nil
}

// JobInfo is one entry of Jobs' introspection snapshot.
type JobInfo struct {
	Name     string
	Schedule string
	Period   time.Duration
	Running  bool
}

// Jobs returns the registered jobs and whether each is currently
// in-flight, for the monitoring read endpoint.
func (s *Scheduler) Jobs() []JobInfo {
	names := []string{jobCleanup, jobMonitoring, jobOrphanReap, jobTimeout, jobMetrics}
	out := make([]JobInfo, 0, len(names))
	for _, name := range names {
		running := false
		if flagVal, ok := s.running.Load(name); ok {
			running = atomic.LoadInt32(flagVal.(*int32)) == 1
		}
		out = append(out, JobInfo{
			Name:     name,
			Schedule: jobSchedule[name],
			Period:   jobPeriod[name],
			Running:  running,
		})
	}
	return out
}
