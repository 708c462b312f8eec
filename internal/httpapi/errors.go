package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

// writeJSONError maps err to the HTTP status and taxonomy kind from
// apierr.HTTPError, falling back to 500/internal for anything else, and
// writes the consistent ErrorResponse envelope.
func writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	var he apierr.HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
		kind = he.Kind()
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: err.Error(),
			Type:    kind,
			Code:    status,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
