package inference

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"chatsafe/internal/apierr"
	"chatsafe/internal/events"
	"chatsafe/internal/process"
	"chatsafe/pkg/types"
)

// SubprocessClient talks OpenAI-compatible SSE to a llama-server instance
// supervised by a process.Manager, starting it on first use if needed.
// This is the default backend: no CGO, one managed child per process
// lifetime.
type SubprocessClient struct {
	proc       *process.Manager
	httpClient *http.Client
	logger     zerolog.Logger
	pub        events.Publisher
}

// NewSubprocessClient wraps a process.Manager with an inference Client.
func NewSubprocessClient(proc *process.Manager, logger zerolog.Logger, pub events.Publisher) *SubprocessClient {
	if pub == nil {
		pub = events.NoOp{}
	}
	return &SubprocessClient{
		proc:       proc,
		httpClient: &http.Client{Timeout: 0},
		logger:     logger,
		pub:        pub,
	}
}

func (c *SubprocessClient) Generate(ctx context.Context, prompt string, params Params, onToken OnToken) (types.Usage, error) {
	if err := c.proc.EnsureReady(ctx); err != nil {
		return types.Usage{}, apierr.RuntimeNotReady("backend not ready: %v", err)
	}
	return streamCompletion(ctx, c.httpClient, c.proc.BaseURL(), prompt, params, c.logger, c.pub, onToken)
}
