package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/previewctl/orchestrator/internal/telemetry"
)

// FlyAdapter is the real REST client for the Machines-as-a-Service
// provider: POST /apps/{app}/machines, POST .../machines/{id}/stop,
// DELETE .../machines/{id}?force=true, GET .../machines/{id},
// GET .../machines. Bearer-token auth.
type FlyAdapter struct {
	baseURL string
	appName string
	token   string
	client  *http.Client
	logger  *slog.Logger

	// pollInterval is overridable by tests; defaults to 2s.
	pollInterval time.Duration
}

// NewFlyAdapter builds a FlyAdapter against the given base URL and app.
func NewFlyAdapter(baseURL, appName, token string, logger *slog.Logger) *FlyAdapter {
	return &FlyAdapter{
		baseURL:      baseURL,
		appName:      appName,
		token:        token,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

type wireCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type wireGuest struct {
	CPUKind string `json:"cpu_kind"`
	CPUs    int    `json:"cpus"`
	MemoryMB int   `json:"memory_mb"`
}

type wireService struct {
	Port     int    `json:"internal_port"`
	Protocol string `json:"protocol"`
}

type wireCheckSpec struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Command  []string `json:"command,omitempty"`
	Interval int    `json:"interval_seconds"`
}

type wireConfig struct {
	Guest    wireGuest       `json:"guest"`
	Services []wireService   `json:"services"`
	Checks   []wireCheckSpec `json:"checks"`
	Metadata map[string]string `json:"metadata"`
}

type wireMachine struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	State     string      `json:"state"`
	Region    string      `json:"region"`
	Config    wireConfig  `json:"config"`
	CreatedAt time.Time   `json:"created_at"`
	Checks    []wireCheck `json:"checks"`
}

func (d wireMachine) toDescriptor(appName string) Descriptor {
	checks := make([]Check, 0, len(d.Checks))
	for _, c := range d.Checks {
		checks = append(checks, Check{Name: c.Name, Status: CheckStatus(c.Status)})
	}
	services := make([]ServiceConfig, 0, len(d.Config.Services))
	for _, s := range d.Config.Services {
		services = append(services, ServiceConfig{Port: s.Port, Protocol: s.Protocol})
	}
	return Descriptor{
		ID:     d.ID,
		Name:   d.Name,
		State:  State(d.State),
		Region: d.Region,
		Config: MachineConfig{
			Guest:    GuestConfig{CPUKind: d.Config.Guest.CPUKind, CPUs: d.Config.Guest.CPUs, MemMB: d.Config.Guest.MemoryMB},
			Services: services,
			Metadata: d.Config.Metadata,
		},
		CreatedAt: d.CreatedAt,
		Checks:    checks,
		ProjectID: d.Config.Metadata["project_id"],
	}
}

func (a *FlyAdapter) do(ctx context.Context, operation, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if resp.StatusCode >= 300 {
		outcome = "error"
	}
	telemetry.ProviderRequestDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

// CreateMachine submits a machine spec and blocks until ready.
func (a *FlyAdapter) CreateMachine(ctx context.Context, spec CreateSpec) (Descriptor, error) {
	if spec.Config.Metadata == nil {
		spec.Config.Metadata = map[string]string{}
	}
	spec.Config.Metadata["project_id"] = spec.ProjectID
	spec.Config.Metadata["session_id"] = spec.SessionID
	spec.Config.Metadata["service"] = "previewctl"

	checks := make([]wireCheckSpec, 0, len(spec.Config.Checks))
	for _, c := range spec.Config.Checks {
		wc := wireCheckSpec{Type: c.Kind, Path: c.Path, Interval: c.IntervalSeconds}
		if c.Script != "" {
			wc.Command = []string{"/bin/sh", "-c", c.Script}
		}
		checks = append(checks, wc)
	}
	services := make([]wireService, 0, len(spec.Config.Services))
	for _, s := range spec.Config.Services {
		services = append(services, wireService{Port: s.Port, Protocol: s.Protocol})
	}

	body := map[string]any{
		"name": spec.SessionID,
		"config": wireConfig{
			Guest:    wireGuest{CPUKind: spec.Config.Guest.CPUKind, CPUs: spec.Config.Guest.CPUs, MemoryMB: spec.Config.Guest.MemMB},
			Services: services,
			Checks:   checks,
			Metadata: spec.Config.Metadata,
		},
	}

	resp, err := a.do(ctx, "create_machine", http.MethodPost, fmt.Sprintf("/apps/%s/machines", a.appName), body)
	if err != nil {
		return Descriptor{}, &Error{Kind: KindProvisionFailure, Message: "creating machine", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Descriptor{}, &Error{Kind: KindProvisionFailure, Message: fmt.Sprintf("provider returned status %d", resp.StatusCode)}
	}

	var wm wireMachine
	if err := json.NewDecoder(resp.Body).Decode(&wm); err != nil {
		return Descriptor{}, &Error{Kind: KindProvisionFailure, Message: "decoding create response", Cause: err}
	}

	deadline := time.Now().Add(60 * time.Second)
	if err := a.WaitForReady(ctx, wm.ID, deadline); err != nil {
		return Descriptor{}, err
	}

	desc, err := a.GetMachine(ctx, wm.ID)
	if err != nil {
		return Descriptor{}, &Error{Kind: KindProvisionFailure, Message: "fetching ready machine", Cause: err}
	}
	if desc == nil {
		return Descriptor{}, &Error{Kind: KindProvisionFailure, Message: "machine vanished after ready"}
	}
	return *desc, nil
}

// WaitForReady polls every 2s until ready or failure.
func (a *FlyAdapter) WaitForReady(ctx context.Context, machineID string, deadline time.Time) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		desc, err := a.GetMachine(ctx, machineID)
		if err != nil {
			return &Error{Kind: KindProvisionFailure, Message: "polling machine state", Cause: err}
		}
		if desc != nil {
			if IsTerminalFailure(desc.State) {
				return &Error{Kind: KindUnhealthyState, Message: fmt.Sprintf("machine entered terminal state %q", desc.State)}
			}
			if IsReady(*desc) {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return &Error{Kind: KindTimeout, Message: "timed out waiting for machine to become ready"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetMachine returns nil (not an error) on a 404.
func (a *FlyAdapter) GetMachine(ctx context.Context, machineID string) (*Descriptor, error) {
	resp, err := a.do(ctx, "get_machine", http.MethodGet, fmt.Sprintf("/apps/%s/machines/%s", a.appName, machineID), nil)
	if err != nil {
		return nil, fmt.Errorf("getting machine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var wm wireMachine
	if err := json.NewDecoder(resp.Body).Decode(&wm); err != nil {
		return nil, fmt.Errorf("decoding machine: %w", err)
	}
	d := wm.toDescriptor(a.appName)
	return &d, nil
}

// ListMachines returns an empty list on provider failure.
func (a *FlyAdapter) ListMachines(ctx context.Context) ([]Descriptor, error) {
	out, err := a.listMachines(ctx)
	if err != nil {
		a.logger.Warn("listing machines failed, returning empty list", "error", err)
		return []Descriptor{}, nil
	}
	return out, nil
}

func (a *FlyAdapter) listMachines(ctx context.Context) ([]Descriptor, error) {
	resp, err := a.do(ctx, "list_machines", http.MethodGet, fmt.Sprintf("/apps/%s/machines", a.appName), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	var wms []wireMachine
	if err := json.NewDecoder(resp.Body).Decode(&wms); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(wms))
	for _, wm := range wms {
		out = append(out, wm.toDescriptor(a.appName))
	}
	return out, nil
}

// DestroyMachine is idempotent: retries graceful-stop then force-destroy up
// to 3x with 2s backoff, verifying destruction; a 404 is success.
func (a *FlyAdapter) DestroyMachine(ctx context.Context, machineID string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}

		// Graceful stop (best-effort; 404 is fine, any other non-2xx is
		// tolerated since force-destroy follows).
		if resp, err := a.do(ctx, "stop_machine", http.MethodPost, fmt.Sprintf("/apps/%s/machines/%s/stop", a.appName, machineID), nil); err == nil {
			resp.Body.Close()
		}

		resp, err := a.do(ctx, "destroy_machine", http.MethodDelete, fmt.Sprintf("/apps/%s/machines/%s?force=true", a.appName, machineID), nil)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()

		if status == http.StatusNotFound || status < 300 {
			// Verify destruction.
			desc, err := a.GetMachine(ctx, machineID)
			if err == nil && desc == nil {
				return nil
			}
			if err == nil && desc != nil && IsTerminalFailure(desc.State) && desc.State != StateFailed {
				return nil
			}
			lastErr = fmt.Errorf("machine %s still present after destroy attempt", machineID)
			continue
		}
		lastErr = fmt.Errorf("provider returned status %d", status)
	}
	return &Error{Kind: KindDestroyFailed, Message: "exhausted destroy retries", Cause: lastErr}
}

// CleanupProjectContainers destroys all non-destroyed machines tagged with
// the given project.
func (a *FlyAdapter) CleanupProjectContainers(ctx context.Context, projectID string) (int, error) {
	machines, _ := a.ListMachines(ctx)
	count := 0
	var errs *multierror.Error
	for _, m := range machines {
		if m.ProjectID != projectID {
			continue
		}
		if m.State == StateStopped {
			continue
		}
		if err := a.DestroyMachine(ctx, m.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("destroying machine %s: %w", m.ID, err))
			continue
		}
		count++
	}
	return count, errs.ErrorOrNil()
}
