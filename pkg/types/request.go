package types

// Message is a single chat turn.
type Message struct {
	// Role of the speaker: system, user, or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
}

// ChatCompletionRequest is the payload for POST /v1/chat/completions.
type ChatCompletionRequest struct {
	// Optional model identifier. If empty or equal to the configured default,
	// the single loaded model is used. Any other value is rejected with
	// model_not_found, since only one model is ever active.
	// example: llama3-8b-q4
	Model string `json:"model,omitempty" example:"llama3-8b-q4"`
	// Conversation so far. Must contain at least one message.
	Messages []Message `json:"messages"`
	// If true (the default when omitted), the response is sent as a series
	// of SSE chunks; if explicitly false, a single JSON body is returned.
	// example: true
	Stream *bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 256
	MaxTokens int `json:"max_tokens,omitempty" example:"256"`
	// Sampling temperature.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling cutoff.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Additional stop sequences, appended to the template family's built-in ones.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 lets the backend choose.
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied during sampling.
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// WantsStream reports whether the response should be sent as SSE chunks.
// Streaming is the default; an explicit false opts out.
func (r ChatCompletionRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// GenerationParams is the normalized, backend-facing form of a request's
// sampling parameters, after defaults and per-model overrides are applied.
type GenerationParams struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int64
	RepeatPenalty float32
}
