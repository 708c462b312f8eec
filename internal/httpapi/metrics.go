package httpapi

import "net/http"

// metricsJSON serves the privacy-safe metrics snapshot, never prometheus
// exposition format.
func (h *handlers) metricsJSON(w http.ResponseWriter, r *http.Request) {
	if h.deps.Digest == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Digest.Snapshot())
}
