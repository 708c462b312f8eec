package httpapi

import (
	"net/http"
	"time"

	"chatsafe/pkg/types"
)

// listModels reports the single configured model, matching the OpenAI
// `GET /v1/models` list shape even though there is never more than one
// entry.
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	if h.deps.Registry == nil {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Object: "list", Data: []types.Model{}})
		return
	}
	entry := h.deps.Registry.Default()
	writeJSON(w, http.StatusOK, types.ModelsResponse{
		Object: "list",
		Data:   []types.Model{entry.AsModel(time.Now().Unix())},
	})
}
