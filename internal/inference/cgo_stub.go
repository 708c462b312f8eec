//go:build !llama

package inference

// This file provides a no-CGO stub for the in-process adapter. It is
// compiled when the 'llama' build tag is NOT set, keeping default builds
// CI-friendly and CGO-free. The real adapter lives in cgo.go (tagged
// 'llama').

import (
	"context"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

// CGOClient is an opaque stub in builds without the 'llama' tag.
type CGOClient struct{}

// NewCGOClient always fails fast in this build: no mocked inference in
// production binaries that were not compiled with CGO support.
func NewCGOClient(modelPath string, ctxSize, threads int) (*CGOClient, error) {
	return nil, apierr.Unavailable("in-process llama support not built (missing 'llama' build tag)")
}

func (c *CGOClient) Close() error { return nil }

// Generate exists so the stub satisfies Client; NewCGOClient never
// returns a usable value in this build, so it is unreachable.
func (c *CGOClient) Generate(ctx context.Context, prompt string, params Params, onToken OnToken) (types.Usage, error) {
	return types.Usage{}, apierr.Unavailable("in-process llama support not built (missing 'llama' build tag)")
}
