package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatsafe/internal/apierr"
	"chatsafe/internal/events"
	"chatsafe/pkg/types"
)

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream"`
}

func completionPayload(prompt string, params Params) completionRequest {
	return completionRequest{
		Prompt:        prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          params.Seed,
		RepeatPenalty: params.RepeatPenalty,
		Stream:        true,
	}
}

// openAIFrame is the OpenAI-style `/v1/completions` streaming shape.
type openAIFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// nativeFrame is the llama.cpp-native streaming shape.
type nativeFrame struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// streamCompletion POSTs a streaming completion to baseURL and consumes
// its SSE body, invoking onToken per parsed frame. Unparseable frames are
// counted and skipped, never fatal. Shared by every HTTP-backed Client.
func streamCompletion(ctx context.Context, httpClient *http.Client, baseURL, prompt string, params Params, logger zerolog.Logger, pub events.Publisher, onToken OnToken) (types.Usage, error) {
	body, err := json.Marshal(completionPayload(prompt, params))
	if err != nil {
		return types.Usage{}, apierr.Internal("encode completion request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return types.Usage{}, apierr.Internal("build completion request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return types.Usage{}, wrapBackendError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Usage{}, apierr.Unavailable("backend http error: %s: %s", resp.Status, string(b))
	}

	promptTokens := estimateTokens(prompt)
	completionTokens := 0
	malformedFrames := 0

	r := bufio.NewReader(resp.Body)
	for {
		line, readErr := r.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if strings.HasPrefix(strings.ToLower(trimmed), "data:") {
				data := strings.TrimSpace(trimmed[len("data:"):])
				if data == "[DONE]" {
					break
				}
				tok, finish, ok := parseFrame(data)
				if !ok {
					malformedFrames++
					pub.Publish(events.Event{Name: "frame_parse_error"})
					logger.Warn().Int("count", malformedFrames).Int("len", len(trimmed)).Msg("skipped unparseable stream frame")
				} else if tok != "" || finish != "" {
					completionTokens += estimateTokens(tok)
					if cbErr := onToken(Token{Content: tok, FinishReason: finish}); cbErr != nil {
						return usage(promptTokens, completionTokens), cbErr
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return usage(promptTokens, completionTokens), wrapBackendError(ctx, readErr)
		}
	}
	return usage(promptTokens, completionTokens), nil
}

// parseFrame tolerates both OpenAI-style and llama.cpp-native frames, and
// ignores unknown fields in either. It returns ok=false only when the
// data decodes into neither shape: it is not JSON, or it is JSON that is
// not an object (an array, string, or number).
func parseFrame(data string) (content string, finishReason string, ok bool) {
	var oa openAIFrame
	if err := json.Unmarshal([]byte(data), &oa); err == nil && len(oa.Choices) > 0 {
		return oa.Choices[0].Delta.Content, oa.Choices[0].FinishReason, true
	}
	var native nativeFrame
	if err := json.Unmarshal([]byte(data), &native); err == nil {
		finish := ""
		if native.Stop {
			finish = "stop"
		}
		return native.Content, finish, true
	}
	return "", "", false
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func usage(prompt, completion int) types.Usage {
	return types.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
