package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

func TestWriteJSONErrorMapsTaxonomyKind(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSONError(w, apierr.ModelNotFound("model not found: x"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Type != "model_not_found" || resp.Error.Code != 404 {
		t.Fatalf("unexpected error body: %+v", resp.Error)
	}
}

func TestWriteJSONErrorFallsBackToInternal(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSONError(w, errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Type != "internal" {
		t.Fatalf("type = %q, want internal", resp.Error.Type)
	}
}
