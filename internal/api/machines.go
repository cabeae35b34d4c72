package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/previewctl/orchestrator/internal/apperr"
	"github.com/previewctl/orchestrator/internal/httpserver"
	"github.com/previewctl/orchestrator/internal/provider"
)

// MachineHandler exposes read-only passthroughs onto the provider
// adapter. It performs no ownership check itself — machine ids are
// provider-assigned and opaque to callers outside the ledger, so leakage
// risk is limited to operational metadata.
type MachineHandler struct {
	adapter provider.Adapter
}

// HandleStatus returns one machine's descriptor.
func (h *MachineHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.adapter.GetMachine(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}
	if d == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "machine not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

// HandleList returns every machine known to the provider.
func (h *MachineHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	machines, err := h.adapter.ListMachines(r.Context())
	if err != nil {
		httpserver.RespondError(w, apperr.StatusFor(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, machines)
}
