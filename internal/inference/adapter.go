// Package inference talks to the backend llama.cpp-compatible server and
// translates its SSE frames into a normalized token stream. It tolerates
// both llama.cpp-native `{content,stop}` frames and OpenAI-style
// `{choices:[{delta:{content}}]}` frames from the same endpoint, since
// the child's exact frame shape is implementation-defined.
package inference

import (
	"context"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

// Params carries the normalized sampling parameters for one generation.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int64
	RepeatPenalty float32
}

// Token is one fragment of raw model output, not yet cleaned.
type Token struct {
	Content      string
	FinishReason string
}

// OnToken is invoked for each Token as it arrives. Returning an error
// aborts generation; the adapter maps that into the final error return.
type OnToken func(Token) error

// Client generates completions against the configured backend.
type Client interface {
	// Generate streams a completion for prompt, invoking onToken for each
	// fragment, and returns final usage accounting once the backend signals
	// completion. It must return promptly when ctx is canceled.
	Generate(ctx context.Context, prompt string, params Params, onToken OnToken) (types.Usage, error)
}

// wrapBackendError classifies a low-level transport error into the error
// taxonomy the rest of the system understands.
func wrapBackendError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return apierr.Cancelled("request canceled: %v", ctx.Err())
	}
	return apierr.Unavailable("backend request failed: %v", err)
}
