package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/authclient"
	"github.com/previewctl/orchestrator/internal/containermgr"
	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/ledger"
	"github.com/previewctl/orchestrator/internal/quota"
	"github.com/previewctl/orchestrator/internal/tier"
)

// SessionHandler implements the session-lifecycle endpoints.
type SessionHandler struct {
	manager *containermgr.Manager
	store   ledger.Store
	quota   *quota.Engine
	tiers   *authclient.Client // ResolveTier doubles as quota.TierResolver, see routes.go
}

type startSessionRequest struct {
	ProjectID  string         `json:"projectId" validate:"required"`
	DeviceType string         `json:"deviceType"`
	Options    map[string]any `json:"options"`
}

type sessionResponse struct {
	SessionID    string `json:"sessionId"`
	ContainerURL string `json:"containerUrl"`
	Status       string `json:"status"`
	Tier         string `json:"tier"`
}

// HandleStart provisions a new session for the authenticated caller.
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	var req startSessionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	allowed, plan := checkQuota(w, r, h.quota, identity.UserID, "session_create", 1, false)
	if !allowed {
		return
	}

	tierName, err := h.tiers.ResolveTier(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}
	_ = tier.PolicyFor(tierName) // validated inside CreateSession; surfaces free fallback for unknown names

	info, err := h.manager.CreateSession(r.Context(), identity.UserID, req.ProjectID, tierName)
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "provisioning_failed", err.Error())
		return
	}

	data := map[string]any{
		"sessionId":    info.SessionID,
		"containerUrl": info.URL,
		"status":       string(info.Status),
		"tier":         info.Tier,
		"expiresAt":    info.ExpiresAt,
	}
	if plan != nil {
		data["degraded"] = plan
	}
	httpserver.Respond(w, http.StatusOK, data)
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// HandleStop tears down a session the caller owns.
func (h *SessionHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	var req stopSessionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	s, err := h.store.GetBySessionID(r.Context(), req.SessionID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if s == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if s.UserID != identity.UserID {
		httpserver.RespondError(w, http.StatusForbidden, "unauthorized", "not the session owner")
		return
	}

	if err := h.manager.DestroySession(r.Context(), s.ID); err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "destroy_failed", err.Error())
		return
	}
	httpserver.RespondMessage(w, http.StatusOK, "Session stopped successfully")
}

// HandleStatus returns one session's current state.
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	sessionID := chi.URLParam(r, "id")
	s, err := h.store.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if s == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if s.UserID != identity.UserID {
		httpserver.RespondError(w, http.StatusForbidden, "unauthorized", "not the session owner")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":       string(s.Status),
		"url":          s.ContainerURL,
		"errorMessage": s.ErrorMessage,
		"expiresAt":    s.ExpiresAt,
		"tier":         s.Tier,
	})
}

// HandleList lists every session owned by the caller.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	sessions, err := h.store.ListByUser(r.Context(), identity.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			SessionID:    s.SessionID,
			ContainerURL: s.ContainerURL,
			Status:       string(s.Status),
			Tier:         s.Tier,
		})
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// HandleCleanup triggers cleanup_expired_sessions out of band. Admin only.
func (h *SessionHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	destroyed, orphans, err := h.manager.CleanupExpiredSessions(r.Context())
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"destroyed":      destroyed,
		"orphans_reaped": orphans,
	})
}
