package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPRegistrar talks to an external realtime message-bus control plane
// over a small REST surface: POST to register a channel, DELETE to tear it
// down.
type HTTPRegistrar struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPRegistrar builds an HTTPRegistrar.
func NewHTTPRegistrar(baseURL, apiKey string, logger *slog.Logger) *HTTPRegistrar {
	return &HTTPRegistrar{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type registerRequest struct {
	ProjectID   string `json:"project_id"`
	ContainerID string `json:"container_id"`
	URL         string `json:"url"`
}

type registerResponse struct {
	ChannelName string `json:"channel_name"`
	AccessToken string `json:"access_token"`
}

func (r *HTTPRegistrar) Register(ctx context.Context, projectID, containerID, url string) (Registration, error) {
	var reg Registration

	err := withBackoff(ctx, func() error {
		body, err := json.Marshal(registerRequest{ProjectID: projectID, ContainerID: containerID, URL: url})
		if err != nil {
			return fmt.Errorf("encoding register request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/channels", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building register request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+r.apiKey)

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("registering channel: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("registering channel: unexpected status %d", resp.StatusCode)
		}

		var out registerResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding register response: %w", err)
		}
		reg = Registration{ChannelName: out.ChannelName, AccessToken: out.AccessToken}
		return nil
	})

	if err != nil {
		r.logger.Warn("realtime channel registration failed, proceeding without it",
			"project_id", projectID, "container_id", containerID, "error", err)
		return Registration{}, err
	}
	return reg, nil
}

func (r *HTTPRegistrar) Unregister(ctx context.Context, projectID, containerID string) error {
	err := withBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			fmt.Sprintf("%s/channels/%s/%s", r.baseURL, projectID, containerID), nil)
		if err != nil {
			return fmt.Errorf("building unregister request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+r.apiKey)

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("unregistering channel: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("unregistering channel: unexpected status %d", resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		r.logger.Warn("realtime channel unregistration failed",
			"project_id", projectID, "container_id", containerID, "error", err)
	}
	return err
}

var _ Registrar = (*HTTPRegistrar)(nil)
