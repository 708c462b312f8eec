package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"chatsafe/internal/apierr"
	"chatsafe/internal/orchestrator"
	"chatsafe/internal/pipeline"
	"chatsafe/pkg/types"
)

// chatCompletions implements POST /v1/chat/completions: streaming SSE by
// default, or a single JSON body when the request explicitly opts out.
// Both paths run the same orchestrator.Handle call and the same
// Pipeline; only how the Frame channel is drained differs.
func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	limit := h.deps.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req types.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, apierr.InvalidRequest("invalid JSON body: %v", err))
		return
	}

	sourceKey := clientKey(r)
	res, err := h.deps.Orchestrator.Handle(r.Context(), sourceKey, req)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	if req.WantsStream() {
		h.streamSSE(w, r, res)
		return
	}
	h.writeNonStreaming(w, res)
}

func (h *handlers) streamSSE(w http.ResponseWriter, r *http.Request, res orchestrator.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, fmt.Errorf("streaming unsupported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	bw := bufio.NewWriter(w)

	for f := range res.Frames {
		chunk, isErrorFrame := frameToChunk(f, res.RequestID, res.ModelID, created)
		if isErrorFrame {
			writeSSEError(bw, f)
			bw.Flush()
			flusher.Flush()
			return
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(bw, "data: %s\n\n", b)
		bw.Flush()
		flusher.Flush()
		if f.Kind == pipeline.End {
			break
		}
	}
	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	flusher.Flush()
}

// frameToChunk projects one pipeline.Frame into the wire chunk shape. The
// bool return reports whether f was an error frame, which is serialized
// differently (see writeSSEError) and ends the stream without [DONE].
func frameToChunk(f pipeline.Frame, id, modelID string, created int64) (types.ChatCompletionChunk, bool) {
	chunk := types.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: modelID,
	}
	switch f.Kind {
	case pipeline.Start:
		chunk.Choices = []types.StreamChoice{{Delta: types.Delta{Role: f.Role}}}
	case pipeline.Delta:
		chunk.Choices = []types.StreamChoice{{Delta: types.Delta{Content: f.Text}}}
	case pipeline.End:
		chunk.Choices = []types.StreamChoice{{FinishReason: f.FinishReason}}
	default:
		return types.ChatCompletionChunk{}, true
	}
	return chunk, false
}

// writeSSEError serializes a mid-stream Error frame as a single
// `data: {"error":{...}}` frame, after which the stream terminates
// without a [DONE] marker.
func writeSSEError(w io.Writer, f pipeline.Frame) {
	status := kindToStatus(f.ErrorKind)
	body := types.ErrorResponse{Error: types.ErrorDetail{
		Message: f.ErrorMessage,
		Type:    f.ErrorKind,
		Code:    status,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func (h *handlers) writeNonStreaming(w http.ResponseWriter, res orchestrator.Result) {
	text, finishReason, err := pipeline.Collect(res.Frames)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ChatCompletionResponse{
		ID:      res.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.ModelID,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.Message{Role: "assistant", Content: text},
			FinishReason: finishReason,
		}},
	})
}

// clientKey identifies the admission-controller bucket a request counts
// against: the source IP as left in RemoteAddr by chi's RealIP
// middleware, with any ephemeral port stripped so one client maps to one
// bucket across connections.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// kindToStatus maps a taxonomy kind to its HTTP status for the SSE error
// frame's embedded code field, mirroring apierr's own mapping without
// constructing an error value just to read it back.
func kindToStatus(kind string) int {
	switch kind {
	case "invalid_request", "missing_messages", "invalid_parameter":
		return http.StatusBadRequest
	case "model_not_found":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	case "runtime_not_ready":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	case "cancelled":
		return 499
	case "unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
