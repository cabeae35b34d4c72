// Package containermgr is the convergence point of the data plane: it
// orchestrates the Provider Adapter, Session Ledger, Tier Policy, and
// Realtime Registrar to realize session create/destroy/status.
package containermgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/provider"
	"github.com/previewctl/orchestrator/internal/realtime"
	"github.com/previewctl/orchestrator/internal/telemetry"
	"github.com/previewctl/orchestrator/internal/tier"
)

// SessionInfo is the public projection of a Session returned to API
// callers.
type SessionInfo struct {
	SessionID   string
	ContainerID string
	URL         string
	Status      ledger.Status
	Tier        string
	ExpiresAt   time.Time
}

// AssessmentStatus is the health verdict for one session.
type AssessmentStatus string

const (
	AssessmentOK       AssessmentStatus = "ok"
	AssessmentWarning  AssessmentStatus = "warning"
	AssessmentCritical AssessmentStatus = "critical"
)

// SessionAssessment is monitor_all_sessions' per-session verdict.
type SessionAssessment struct {
	ID        uuid.UUID
	SessionID string
	Tier      string
	Status    AssessmentStatus
	Alerts    []string
	Actions   []string
}

// Manager orchestrates the provider adapter, ledger, tier policy, and
// realtime registrar to realize session lifecycle operations.
type Manager struct {
	store     ledger.Store
	adapter   provider.Adapter
	registrar realtime.Registrar
	logger    *slog.Logger
	clock     func() time.Time
}

// New builds a Manager. clock defaults to time.Now when nil, overridable
// by tests for deterministic expiry/age assertions.
func New(store ledger.Store, adapter provider.Adapter, registrar realtime.Registrar, logger *slog.Logger, clock func() time.Time) *Manager {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: store, adapter: adapter, registrar: registrar, logger: logger, clock: clock}
}

func toInfo(s ledger.Session) SessionInfo {
	return SessionInfo{
		SessionID:   s.SessionID,
		ContainerID: s.ContainerID,
		URL:         s.ContainerURL,
		Status:      s.Status,
		Tier:        s.Tier,
		ExpiresAt:   s.ExpiresAt,
	}
}

// CreateSession provisions a new session end-to-end.
func (m *Manager) CreateSession(ctx context.Context, userID, projectID, tierName string) (SessionInfo, error) {
	t := tier.PolicyFor(tierName)
	now := m.clock()
	sessionID := uuid.New().String()

	s := ledger.NewCreating(userID, projectID, sessionID, t.Name, now, now.Add(t.MaxDuration()))
	if err := m.store.InsertCreating(ctx, s); err != nil {
		return SessionInfo{}, apperr.Wrap(apperr.LedgerError, "recording new session", err)
	}

	if _, err := m.adapter.CleanupProjectContainers(ctx, projectID); err != nil {
		m.logger.Warn("cleanup of stale project containers failed, proceeding anyway",
			"project_id", projectID, "error", err)
	}

	descriptor, err := m.adapter.CreateMachine(ctx, provider.CreateSpec{
		ProjectID: projectID,
		SessionID: sessionID,
		Config:    hardenedConfig(t),
	})
	if err != nil {
		msg := err.Error()
		if markErr := m.store.MarkError(ctx, s.ID, msg); markErr != nil {
			m.logger.Error("marking session error after provisioning failure", "session_id", sessionID, "error", markErr)
		}
		telemetry.SessionsCreatedTotal.WithLabelValues(t.Name, "error").Inc()
		return SessionInfo{}, apperr.Wrap(apperr.ProvisioningFailed, "provisioning container", err)
	}

	if err := m.store.MarkActive(ctx, s.ID, descriptor.ID, descriptor.URL); err != nil {
		m.logger.Error("marking session active after successful provisioning", "session_id", sessionID, "error", err)
	}

	if _, err := m.registrar.Register(ctx, projectID, descriptor.ID, descriptor.URL); err != nil {
		m.logger.Warn("realtime registration failed, session still usable", "session_id", sessionID, "error", err)
	}

	telemetry.SessionsCreatedTotal.WithLabelValues(t.Name, "active").Inc()
	return SessionInfo{
		SessionID:   sessionID,
		ContainerID: descriptor.ID,
		URL:         descriptor.URL,
		Status:      ledger.StatusActive,
		Tier:        t.Name,
		ExpiresAt:   s.ExpiresAt,
	}, nil
}

// DestroySession tears down a session. It is idempotent with
// respect to the underlying provider resource: a missing container id is
// not an error. The whole get-decide-mark-ended sequence runs under the
// ledger's per-session lock, so two concurrent destroys for the same id
// never both observe a pre-ended status: the second to acquire the lock
// sees status=ended and returns immediately.
func (m *Manager) DestroySession(ctx context.Context, id uuid.UUID) error {
	var destroyedReason string
	err := m.store.WithSessionLock(ctx, id, func(ctx context.Context) error {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return apperr.Wrap(apperr.LedgerError, "loading session", err)
		}
		if s == nil {
			return apperr.New(apperr.NotFound, "session not found")
		}
		if s.Status == ledger.StatusEnded {
			return nil
		}

		if s.ContainerID != "" {
			if err := m.registrar.Unregister(ctx, s.ProjectID, s.ContainerID); err != nil {
				m.logger.Warn("realtime unregistration failed, destroy continues", "session_id", s.SessionID, "error", err)
			}
			if err := m.adapter.DestroyMachine(ctx, s.ContainerID); err != nil {
				m.logger.Error("destroying machine failed, marking session ended anyway", "session_id", s.SessionID, "error", err)
				if markErr := m.store.MarkEnded(ctx, id); markErr != nil {
					m.logger.Error("marking session ended after destroy failure", "session_id", s.SessionID, "error", markErr)
				}
				destroyedReason = "destroy_failed"
				return apperr.Wrap(apperr.DestroyFailed, "destroying container", err)
			}
		}

		if err := m.store.MarkEnded(ctx, id); err != nil {
			return apperr.Wrap(apperr.LedgerError, "marking session ended", err)
		}
		destroyedReason = "requested"
		return nil
	})

	if destroyedReason != "" {
		telemetry.SessionsDestroyedTotal.WithLabelValues(destroyedReason).Inc()
	}
	return err
}

// GetStatus is a direct ledger read.
func (m *Manager) GetStatus(ctx context.Context, id uuid.UUID) (*SessionInfo, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.LedgerError, "loading session", err)
	}
	if s == nil {
		return nil, nil
	}
	info := toInfo(*s)
	return &info, nil
}

// MonitorAllSessions assesses every active session's health.
func (m *Manager) MonitorAllSessions(ctx context.Context) ([]SessionAssessment, error) {
	machines, err := m.adapter.ListMachines(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing machines", err)
	}

	byContainer := make(map[string]provider.Descriptor, len(machines))
	for _, d := range machines {
		byContainer[d.ID] = d
	}

	active, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.LedgerError, "listing active sessions", err)
	}

	now := m.clock()
	var out []SessionAssessment
	for _, s := range active {
		a := SessionAssessment{ID: s.ID, SessionID: s.SessionID, Tier: s.Tier, Status: AssessmentOK}
		age := now.Sub(s.CreatedAt)
		t := tier.PolicyFor(s.Tier)

		if age > t.MaxDuration() {
			a.Status = AssessmentCritical
			a.Alerts = append(a.Alerts, "session exceeded max duration")
			a.Actions = append(a.Actions, "Auto-destroy machine")
		} else if age > time.Duration(float64(t.MaxDuration())*0.8) {
			a.Status = worse(a.Status, AssessmentWarning)
			a.Alerts = append(a.Alerts, "session approaching max duration")
			a.Actions = append(a.Actions, "Notify user")
		}

		if d, ok := byContainer[s.ContainerID]; ok {
			if d.State == provider.StateFailed {
				a.Status = AssessmentCritical
				a.Alerts = append(a.Alerts, "provider reports failed state")
			}
			for _, c := range d.Checks {
				if c.Status != provider.CheckPassing {
					a.Status = worse(a.Status, AssessmentWarning)
					a.Alerts = append(a.Alerts, fmt.Sprintf("health check %q failing", c.Name))
				}
			}
		}

		out = append(out, a)
	}
	return out, nil
}

func worse(a, b AssessmentStatus) AssessmentStatus {
	rank := map[AssessmentStatus]int{AssessmentOK: 0, AssessmentWarning: 1, AssessmentCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// EnforceSessionLimits is a no-op when the current provider configuration
// matches the session's tier; otherwise it logs a discrepancy. It never
// attempts in-place mutation of a running machine.
func (m *Manager) EnforceSessionLimits(ctx context.Context, id uuid.UUID) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, apperr.Wrap(apperr.LedgerError, "loading session", err)
	}
	if s == nil {
		return false, apperr.New(apperr.NotFound, "session not found")
	}

	d, err := m.adapter.GetMachine(ctx, s.ContainerID)
	if err != nil || d == nil {
		return true, nil
	}

	t := tier.PolicyFor(s.Tier)
	if d.Config.Guest.CPUs != t.Resources.CPUs || d.Config.Guest.MemMB != t.Resources.MemMB {
		m.logger.Warn("running machine spec diverges from tier policy",
			"session_id", s.SessionID, "container_id", s.ContainerID,
			"machine_cpus", d.Config.Guest.CPUs, "tier_cpus", t.Resources.CPUs,
			"machine_mem_mb", d.Config.Guest.MemMB, "tier_mem_mb", t.Resources.MemMB)
		return false, nil
	}
	return true, nil
}

// CleanupExpiredSessions destroys every session past its expiry, logging
// per-failure without aborting the batch, then reaps orphaned provider
// machines older than an hour.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (destroyed, orphansReaped int, err error) {
	expired, err := m.store.SelectExpired(ctx, m.clock())
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.LedgerError, "selecting expired sessions", err)
	}

	for _, s := range expired {
		if destroyErr := m.DestroySession(ctx, s.ID); destroyErr != nil {
			m.logger.Error("destroying expired session failed", "session_id", s.SessionID, "error", destroyErr)
			continue
		}
		destroyed++
	}

	n, reapErr := m.ReapOrphans(ctx, 60*time.Minute)
	if reapErr != nil {
		m.logger.Error("cleaning up orphaned provider machines failed", "error", reapErr)
	}
	return destroyed, n, nil
}

// ReapOrphans destroys provider machines older than minAge that the
// ledger's active-session set does not account for. A machine whose
// owning session row is not yet ended (for example one that errored
// without the container ever being cleaned up) is torn down through
// DestroySession so its ledger row is also marked ended. A machine whose
// owning row is already ended, or that has no owning session record at
// all, is destroyed directly against the provider. Per-machine failures are aggregated rather than
// aborting the sweep; the returned count still reflects every machine
// that was successfully reaped.
func (m *Manager) ReapOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	machines, err := m.adapter.ListMachines(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "listing provider machines", err)
	}

	activeIDs, err := m.store.SelectOrphanCheckSet(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.LedgerError, "selecting orphan check set", err)
	}
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	cutoff := m.clock().Add(-minAge)
	var reaped int
	var errs *multierror.Error
	for _, mach := range machines {
		if active[mach.ID] || mach.CreatedAt.After(cutoff) {
			continue
		}

		owner, err := m.store.GetByContainerID(ctx, mach.ID)
		if err != nil {
			m.logger.Error("orphan reaper failed to look up owning session", "machine_id", mach.ID, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("looking up owner of machine %s: %w", mach.ID, err))
			continue
		}

		if owner != nil && owner.Status != ledger.StatusEnded {
			if err := m.DestroySession(ctx, owner.ID); err != nil {
				m.logger.Error("orphan reaper failed to destroy owning session", "machine_id", mach.ID, "session_id", owner.SessionID, "error", err)
				errs = multierror.Append(errs, fmt.Errorf("destroying session owning machine %s: %w", mach.ID, err))
				continue
			}
			reaped++
			continue
		}

		if err := m.adapter.DestroyMachine(ctx, mach.ID); err != nil {
			m.logger.Error("orphan reaper failed to destroy machine", "machine_id", mach.ID, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("destroying machine %s: %w", mach.ID, err))
			continue
		}
		reaped++
	}
	return reaped, errs.ErrorOrNil()
}

func hardenedConfig(t tier.Tier) provider.MachineConfig {
	hardened := tier.ApplyHardening(tier.RequestedPorts{Ports: t.Security.AllowedPorts}, t)

	services := make([]provider.ServiceConfig, 0, len(hardened.AllowedPorts))
	for _, p := range hardened.AllowedPorts {
		services = append(services, provider.ServiceConfig{Port: p, Protocol: "tcp"})
	}

	checks := make([]provider.CheckSpec, 0, len(hardened.Checks))
	for _, c := range hardened.Checks {
		checks = append(checks, provider.CheckSpec{
			Kind: c.Kind, Path: c.Path, Script: c.Script, IntervalSeconds: c.IntervalSeconds,
		})
	}

	cpuKind := "shared"
	if t.Resources.CPUKind == tier.CPUDedicated {
		cpuKind = "dedicated"
	}

	return provider.MachineConfig{
		Guest: provider.GuestConfig{
			CPUKind: cpuKind,
			CPUs:    t.Resources.CPUs,
			MemMB:   t.Resources.MemMB,
		},
		Services: services,
		Checks:   checks,
	}
}
