package inference

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsafe/internal/apierr"
	"chatsafe/internal/events"
	"chatsafe/pkg/types"
)

// serverReadyMaxAttempts and serverReadyCheckInterval bound how long
// ExternalClient waits for an already-running llama-server to answer
// /health before giving up.
const (
	serverReadyMaxAttempts     = 60
	serverReadyCheckInterval   = 500 * time.Millisecond
	externalHealthCheckTimeout = 2 * time.Second
)

// ExternalClient talks to a llama-server the operator started and manages
// independently of this process. Unlike SubprocessClient it never spawns,
// supervises, or terminates anything; it only polls for readiness and
// forwards completion requests to a fixed base URL.
type ExternalClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	pub        events.Publisher
}

// NewExternalClient wraps a pre-existing llama-server at baseURL.
func NewExternalClient(baseURL string, logger zerolog.Logger, pub events.Publisher) *ExternalClient {
	if pub == nil {
		pub = events.NoOp{}
	}
	return &ExternalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
		logger:     logger,
		pub:        pub,
	}
}

// EnsureReady polls the external server's /health endpoint until it
// answers successfully, ctx is done, or the attempt budget is exhausted.
func (c *ExternalClient) EnsureReady(ctx context.Context) error {
	healthClient := &http.Client{Timeout: externalHealthCheckTimeout}
	for attempt := 1; attempt <= serverReadyMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err == nil {
			if resp, err := healthClient.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode/100 == 2 {
					c.logger.Debug().Int("attempt", attempt).Msg("external llama-server ready")
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return apierr.Timeout("external backend did not become ready: %v", ctx.Err())
		case <-time.After(serverReadyCheckInterval):
		}
	}
	return apierr.RuntimeNotReady("external backend at %s not ready after %d attempts", c.baseURL, serverReadyMaxAttempts)
}

func (c *ExternalClient) Generate(ctx context.Context, prompt string, params Params, onToken OnToken) (types.Usage, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return types.Usage{}, err
	}
	return streamCompletion(ctx, c.httpClient, c.baseURL, prompt, params, c.logger, c.pub, onToken)
}
