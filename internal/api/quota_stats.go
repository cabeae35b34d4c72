package api

import (
	"net/http"

	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/quota"
)

// QuotaHandler exposes get_user_stats, surfacing a caller's current
// per-resource quota usage.
type QuotaHandler struct {
	engine *quota.Engine
}

// HandleStats returns the authenticated caller's per-resource usage.
func (h *QuotaHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	stats, err := h.engine.GetUserStats(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}
