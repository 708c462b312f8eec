package httpapi

import (
	"net/http"

	"chatsafe/internal/process"
)

// healthz reports backend health as healthy, starting, or unavailable.
// It reads an in-memory state flag, never probing the child itself, so
// it always answers promptly and never triggers a spawn.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Process == nil {
		// external or in-process backends have no supervised child
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	var status string
	var code int
	switch h.deps.Process.State() {
	case process.StateReady:
		status, code = "healthy", http.StatusOK
	case process.StateStarting:
		status, code = "starting", http.StatusServiceUnavailable
	default:
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status}
	if status != "healthy" {
		body["sanity"] = h.deps.Process.SanityCheck()
	}
	writeJSON(w, code, body)
}
