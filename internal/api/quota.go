package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/quota"
)

// quotaExceededEnvelope carries extra retry/upgrade fields for a
// structured quota-exceeded response, layered onto the standard
// {success,error} shape.
type quotaExceededEnvelope struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after"`
	Tier       string `json:"tier"`
	Suggestion string `json:"suggestion"`
}

// rateLimitHeaders emits X-RateLimit-* and, on denial, Retry-After as
// Unix epoch seconds.
func rateLimitHeaders(w http.ResponseWriter, d quota.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed {
		retryAt := time.Now().Add(d.RetryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(retryAt.Unix(), 10))
	}
}

// checkQuota enforces the quota engine's verdict for one request. It
// returns ok=false after already writing the response (429 QuotaExceeded)
// when the request must stop; when ok=true and plan is non-nil, the
// caller proceeds but should fold plan into its response as a graceful
// degradation.
func checkQuota(w http.ResponseWriter, r *http.Request, engine *quota.Engine, userID, resource string, weight int, graceful bool) (ok bool, plan *quota.DegradationPlan) {
	decision, plan, err := engine.Check(r.Context(), userID, resource, weight, graceful)
	if err != nil {
		// Engine.Check itself fails open internally; a non-nil error here
		// would be a programmer error, not a quota condition.
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return false, nil
	}

	rateLimitHeaders(w, decision)

	if decision.Allowed {
		return true, nil
	}
	if plan != nil {
		return true, plan
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(quotaExceededEnvelope{
		Success:    false,
		Error:      "quota_exceeded",
		RetryAfter: int64(decision.RetryAfter.Seconds()),
		Tier:       decision.Tier,
		Suggestion: fmt.Sprintf("upgrade from %q for higher %s limits", decision.Tier, resource),
	})
	return false, nil
}
