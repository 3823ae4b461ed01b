package diagnostics

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler serves the diagnostics export.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a diagnostics handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// HandleExport returns stats plus retained records.
// GET /api/v1/diagnostics?limit=50
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeDiagnosticsJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeDiagnosticsJSON(w, http.StatusOK, h.recorder.Export(limit))
}

// HandleStats returns only the error statistics.
// GET /api/v1/diagnostics/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeDiagnosticsJSON(w, http.StatusOK, h.recorder.ErrorStats())
}

func writeDiagnosticsJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
