package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsafe/internal/admission"
	"chatsafe/internal/events"
	"chatsafe/internal/inference"
	"chatsafe/internal/metrics"
	"chatsafe/internal/orchestrator"
	"chatsafe/internal/process"
	"chatsafe/internal/registry"
	"chatsafe/pkg/types"
)

type fakeClient struct {
	chunks []string
	err    error
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, params inference.Params, onToken inference.OnToken) (types.Usage, error) {
	for _, c := range f.chunks {
		if err := onToken(inference.Token{Content: c}); err != nil {
			return types.Usage{}, err
		}
	}
	return types.Usage{}, f.err
}

func testDeps(t *testing.T, client inference.Client) Deps {
	t.Helper()
	reg := registry.New(registry.Entry{
		ID: "test-model", Family: "chatml", ContextWindow: 4096,
		Defaults: registry.ModelDefaults{Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1, MaxTokens: 64},
	})
	admCtl := admission.New(admission.Config{
		PerKeyCapacity: 1000, PerKeyRefillPerSec: 1000,
		GlobalCapacity: 1000, GlobalRefillPerSec: 1000,
		MaxConcurrentPerKey: 100,
	})
	t.Cleanup(admCtl.Close)
	digest := metrics.New()
	orc := orchestrator.New(orchestrator.Config{
		Registry: reg, Client: client, Admission: admCtl, Digest: digest, Publisher: events.NoOp{},
	})
	return Deps{Orchestrator: orc, Registry: reg, Digest: digest, Version: "test"}
}

func TestHealthzWithoutProcessManagerReportsOK(t *testing.T) {
	r := NewRouter(testDeps(t, &fakeClient{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHealthzReportsProcessState(t *testing.T) {
	deps := testDeps(t, &fakeClient{})
	deps.Process = process.New(process.Config{})
	r := NewRouter(deps)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for a never-started process", w.Code)
	}
}

func TestListModelsReturnsConfiguredModel(t *testing.T) {
	r := NewRouter(testDeps(t, &fakeClient{}))
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "test-model" {
		t.Fatalf("unexpected models response: %+v", resp)
	}
}

func TestMetricsEndpointServesJSON(t *testing.T) {
	r := NewRouter(testDeps(t, &fakeClient{}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	r := NewRouter(testDeps(t, &fakeClient{}))
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(t, types.ChatCompletionRequest{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header even on rejection")
	}
}

func TestChatCompletionsNonStreamingReturnsAggregatedText(t *testing.T) {
	client := &fakeClient{chunks: []string{"hi", " there"}}
	r := NewRouter(testDeps(t, client))
	stream := false
	body := types.ChatCompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Stream:   &stream,
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(t, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	var resp types.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatCompletionsStreamingEmitsSSEFramesAndDone(t *testing.T) {
	client := &fakeClient{chunks: []string{"ok"}}
	r := NewRouter(testDeps(t, client))
	body := types.ChatCompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(t, body))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streaming response")
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content-type = %q", w.Header().Get("Content-Type"))
	}
	body2 := w.Body.String()
	if !containsAll(body2, "data: ", "[DONE]") {
		t.Fatalf("unexpected SSE body: %q", body2)
	}
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
