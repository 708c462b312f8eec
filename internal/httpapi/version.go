package httpapi

import "net/http"

// version reports the build id and the active model id.
func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	v := h.deps.Version
	if v == "" {
		v = "dev"
	}
	body := map[string]string{"version": v}
	if h.deps.Registry != nil {
		body["model_id"] = h.deps.Registry.Default().ID
	}
	writeJSON(w, http.StatusOK, body)
}
