package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope is the uniform response shape every handler responds with:
// {success, data?, error?}.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Respond writes a successful JSON envelope with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

// RespondMessage writes a successful envelope carrying only a message,
// e.g. "Session stopped successfully".
func RespondMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": true, "message": message})
}

// RespondError writes a failed JSON envelope. code is a short machine
// identifier (unused in the wire shape but kept for logging call sites);
// message is the string placed in the envelope's "error" field, matching
// spec's {success:false, error:"<msg>"} shape.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
