package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/monitoring"
	"github.com/previewctl/orchestrator/internal/scheduler"
	"github.com/previewctl/orchestrator/internal/tier"
)

// MonitoringHandler exposes Monitoring Bus and Scheduler reads, plus
// administrative actions over both.
type MonitoringHandler struct {
	bus       *monitoring.Bus
	manager   *containermgr.Manager
	scheduler *scheduler.Scheduler
}

// HandleHealth returns the aggregated health summary.
func (h *MonitoringHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.bus.GetHealthSummary())
}

// HandleMetrics returns the raw metric ring snapshot.
func (h *MonitoringHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.bus.Metrics())
}

// HandleEvents returns the raw event ring snapshot.
func (h *MonitoringHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.bus.Events())
}

// HandleAlerts returns every tracked alert.
func (h *MonitoringHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.bus.Alerts())
}

// HandleResolveAlert marks an alert resolved. Admin only.
func (h *MonitoringHandler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "missing_field", "invalid alert id")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
	}
	_ = httpserver.Decode(r, &body) // resolution note is optional

	if err := h.bus.ResolveAlert(r.Context(), id, body.Resolution); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.RespondMessage(w, http.StatusOK, "alert resolved")
}

// HandleSessions runs monitor_all_sessions and returns its assessments.
func (h *MonitoringHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	assessments, err := h.manager.MonitorAllSessions(r.Context())
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, assessments)
}

// HandleJobs lists the registered scheduler jobs and their run state.
func (h *MonitoringHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.scheduler.Jobs())
}

// HandleRunJob runs a named scheduler job synchronously. Admin only.
func (h *MonitoringHandler) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.scheduler.RunJobNow(r.Context(), name); err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "unknown_job", err.Error())
		return
	}
	httpserver.RespondMessage(w, http.StatusOK, "job completed")
}

// HandleDashboard aggregates health summary, per-tier session counts, and
// recent critical alerts in one call.
func (h *MonitoringHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	assessments, err := h.manager.MonitorAllSessions(r.Context())
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}

	perTier := make(map[string]int, len(tier.Names))
	for _, a := range assessments {
		perTier[a.Tier]++
	}

	var criticalAlerts []monitoring.Alert
	for _, a := range h.bus.Alerts() {
		if a.Severity == monitoring.SeverityCritical && !a.Resolved {
			criticalAlerts = append(criticalAlerts, a)
		}
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"health":          h.bus.GetHealthSummary(),
		"sessions_by_tier": perTier,
		"critical_alerts": criticalAlerts,
	})
}
