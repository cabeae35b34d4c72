package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/previewctl/orchestrator/internal/authclient"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/monitoring"
	"github.com/previewctl/orchestrator/internal/provider"
	"github.com/previewctl/orchestrator/internal/quota"
	"github.com/previewctl/orchestrator/internal/scheduler"
)

// Deps bundles every component the Control API dispatches into.
type Deps struct {
	Manager    *containermgr.Manager
	Store      ledger.Store
	Quota      *quota.Engine
	Bus        *monitoring.Bus
	Scheduler  *scheduler.Scheduler
	Adapter    provider.Adapter
	AuthClient *authclient.Client
}

// Mount wires every Control API endpoint onto router, which the
// composition root obtains from httpserver.Server.APIRouter. Every route
// registered here requires a bearer token; admin-only routes
// additionally apply RequireAdmin.
func Mount(router chi.Router, d Deps) {
	sessions := &SessionHandler{manager: d.Manager, store: d.Store, quota: d.Quota, tiers: d.AuthClient}
	machines := &MachineHandler{adapter: d.Adapter}
	mon := &MonitoringHandler{bus: d.Bus, manager: d.Manager, scheduler: d.Scheduler}
	quotaHandler := &QuotaHandler{engine: d.Quota}

	router.Use(RequireAuth(d.AuthClient))

	router.Post("/sessions/start", sessions.HandleStart)
	router.Post("/sessions/stop", sessions.HandleStop)
	router.Get("/sessions/{id}/status", sessions.HandleStatus)
	router.Get("/sessions", sessions.HandleList)

	router.Get("/machines/{id}/status", machines.HandleStatus)
	router.Get("/machines", machines.HandleList)

	router.Get("/monitoring/health", mon.HandleHealth)
	router.Get("/monitoring/metrics", mon.HandleMetrics)
	router.Get("/monitoring/events", mon.HandleEvents)
	router.Get("/monitoring/alerts", mon.HandleAlerts)
	router.Get("/monitoring/dashboard", mon.HandleDashboard)
	router.Get("/monitoring/sessions", mon.HandleSessions)
	router.Get("/monitoring/jobs", mon.HandleJobs)

	router.Get("/quota/stats", quotaHandler.HandleStats)

	router.Group(func(admin chi.Router) {
		admin.Use(RequireAdmin)
		admin.Post("/sessions/cleanup", sessions.HandleCleanup)
		admin.Post("/monitoring/alerts/{id}/resolve", mon.HandleResolveAlert)
		admin.Post("/monitoring/jobs/{name}/run", mon.HandleRunJob)
	})
}
