// Package authclient exchanges an upstream bearer token with the
// external auth service for the caller's identity: {user_id, email}.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/previewctl/orchestrator/internal/apperr"
)

// Identity is the resolved caller. IsAdmin gates the administrative
// endpoints (session cleanup, job run-now, alert resolution) — the auth
// service is the source of truth for this flag since role management
// itself is out of scope here.
type Identity struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// Client verifies bearer tokens against the external auth service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client.
func New(baseURL, apiKey string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 5 * time.Second}}
}

// Verify exchanges token for the caller's identity. A rejected or expired
// token surfaces as Unauthenticated; any other failure as Internal.
func (c *Client) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/identity", nil)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Internal, "building identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Internal, "calling auth service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, apperr.New(apperr.Unauthenticated, "token rejected by auth service")
	}
	if resp.StatusCode >= 300 {
		return Identity{}, apperr.New(apperr.Internal, fmt.Sprintf("auth service returned status %d", resp.StatusCode))
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, apperr.Wrap(apperr.Internal, "decoding identity response", err)
	}
	return id, nil
}

// ResolveTier looks up a user's current subscription tier from the same
// auth service, satisfying quota.TierResolver. A user the auth service
// doesn't recognize resolves to "free" rather than erroring, matching
// policy_for's own deterministic fallback.
func (c *Client) ResolveTier(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/users/"+userID+"/tier", nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "building tier request", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "calling auth service for tier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "free", nil
	}
	if resp.StatusCode >= 300 {
		return "", apperr.New(apperr.Internal, fmt.Sprintf("auth service returned status %d for tier lookup", resp.StatusCode))
	}

	var body struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperr.Wrap(apperr.Internal, "decoding tier response", err)
	}
	return body.Tier, nil
}
