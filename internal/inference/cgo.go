//go:build llama

package inference

import (
	"context"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

// CGOClient runs the model in-process via go-llama.cpp, avoiding a child
// process entirely. It trades the process manager's isolation for lower
// latency and no subprocess lifecycle to supervise.
type CGOClient struct {
	model   *llama.LLama
	threads int
}

// NewCGOClient loads modelPath in-process.
func NewCGOClient(modelPath string, ctxSize, threads int) (*CGOClient, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, apierr.InvalidParameter("model path is empty")
	}
	m, err := llama.New(modelPath, llama.SetContext(ctxSize))
	if err != nil {
		return nil, apierr.Unavailable("load model: %v", err)
	}
	return &CGOClient{model: m, threads: threads}, nil
}

func (c *CGOClient) Generate(ctx context.Context, prompt string, params Params, onToken OnToken) (types.Usage, error) {
	if c.model == nil {
		return types.Usage{}, apierr.Internal("model not initialized")
	}
	var cbErr error
	c.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(Token{Content: tok}); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	po := toPredictOptions(params, c.threads)
	text, err := c.model.Predict(prompt, po...)
	if cbErr != nil {
		return types.Usage{}, cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return types.Usage{}, apierr.Cancelled("request canceled: %v", ctx.Err())
		}
		return types.Usage{}, apierr.Internal("predict: %v", err)
	}
	return types.Usage{CompletionTokens: estimateTokens(text), PromptTokens: estimateTokens(prompt)}, nil
}

func (c *CGOClient) Close() error {
	if c.model != nil {
		c.model.Free()
		c.model = nil
	}
	return nil
}

func toPredictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, p.MaxTokens)),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopP(orDefault(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(orDefaultInt(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(orDefault(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(orDefault(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(int(p.Seed)))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func orDefaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefault(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
