// Package api wires the Control API: session lifecycle, machine
// passthroughs, monitoring reads, and quota stats, each behind
// authenticate -> ownership-check -> rate-limit -> invoke -> envelope.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/authclient"
	"github.com/previewctl/orchestrator/internal/httpserver"
)

type contextKey string

const identityKey contextKey = "identity"

// Verifier resolves a bearer token to a caller identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (authclient.Identity, error)
}

// IdentityFromContext extracts the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (authclient.Identity, bool) {
	id, ok := ctx.Value(identityKey).(authclient.Identity)
	return id, ok
}

// RequireAuth exchanges the request's bearer token for an identity via
// the external auth service and stores it on the request context. Every
// non-trivial Control API endpoint is mounted behind this middleware.
func RequireAuth(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			token := strings.TrimPrefix(header, prefix)

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				httpserver.RespondError(w, apperr.StatusFor(err), "unauthenticated", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects non-admin callers. Mount after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.IsAdmin {
			httpserver.RespondError(w, http.StatusForbidden, "unauthorized", "administrative privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
