// Package orchestrator is the top-level per-request handler: it
// validates, admits, mints a correlation id, renders a prompt, drives
// the inference client through the stream pipeline, and guarantees
// admission is released and outcome metrics are recorded on every exit
// path. It is independent of the HTTP layer.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsafe/internal/admission"
	"chatsafe/internal/apierr"
	"chatsafe/internal/events"
	"chatsafe/internal/inference"
	"chatsafe/internal/metrics"
	"chatsafe/internal/pipeline"
	"chatsafe/internal/registry"
	"chatsafe/internal/template"
	"chatsafe/pkg/types"
)

// Config wires the components Orchestrator composes. Every field is a
// shared, process-wide singleton.
type Config struct {
	Registry   *registry.Registry
	Client     inference.Client
	Admission  *admission.Controller
	Digest     *metrics.Digest
	Publisher  events.Publisher
	BufferSize int

	// RequestTimeout bounds one generation end to end; zero means no
	// deadline beyond the client's own connection lifetime.
	RequestTimeout time.Duration

	Logger zerolog.Logger
}

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID binds an externally minted correlation id to ctx, so the
// HTTP layer can stamp the same id on the response header before Handle
// runs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the bound correlation id, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Orchestrator ties the Model Registry, Template Engine, Inference
// Client, Stream Pipeline, Admission Controller, and Metrics together
// per request.
type Orchestrator struct {
	cfg      Config
	pipeline *pipeline.Pipeline
}

// New builds an Orchestrator from its component dependencies.
func New(cfg Config) *Orchestrator {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoOp{}
	}
	return &Orchestrator{cfg: cfg, pipeline: pipeline.New(cfg.BufferSize)}
}

// Result is what Handle returns: a request id valid on every path
// (including rejection), and, on success, the live Frame channel to
// drain into an HTTP response.
type Result struct {
	RequestID string
	Frames    <-chan pipeline.Frame
	ModelID   string
}

// Handle validates and admits req, then returns a live, cancellable
// Frame stream. On validation or admission failure it returns a non-nil
// error and a nil Frames channel, but RequestID is always set so callers
// can echo it on error responses too.
func (o *Orchestrator) Handle(ctx context.Context, sourceKey string, req types.ChatCompletionRequest) (Result, error) {
	id := RequestIDFrom(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	res := Result{RequestID: id}

	o.cfg.Publisher.Publish(events.Event{Name: "orchestrator_start", Fields: map[string]any{"request_id": id}})

	if err := validateMessages(req.Messages); err != nil {
		o.recordRejection(err)
		return res, err
	}

	entry, err := o.cfg.Registry.Lookup(req.Model)
	if err != nil {
		o.recordRejection(err)
		return res, err
	}
	params, err := o.cfg.Registry.ApplyOverrides(req.Model, overrideFrom(req))
	if err != nil {
		o.recordRejection(err)
		return res, err
	}
	res.ModelID = entry.ID

	guard, err := o.cfg.Admission.Admit(sourceKey)
	if err != nil {
		o.recordRejection(err)
		return res, err
	}

	family := template.Family(entry.Family)
	prompt := template.Render(family, req.Messages)
	stops := template.StopSequences(family, params.Stop)

	infParams := inference.Params{
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		MaxTokens:     params.MaxTokens,
		Stop:          stops,
		Seed:          req.Seed,
		RepeatPenalty: params.RepeatPenalty,
	}

	cancel := context.CancelFunc(func() {})
	if o.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
	}

	start := time.Now()
	raw := o.pipeline.Run(ctx, o.cfg.Client, prompt, infParams, stops)
	res.Frames = o.superviseTerminal(id, guard, cancel, start, raw)
	return res, nil
}

// superviseTerminal wraps the pipeline's frame channel so exactly once,
// on whichever terminal frame arrives (or the channel simply closes
// because the pipeline dropped it on cancellation), the admission guard
// is released, the request deadline is cleared, and outcome metrics are
// recorded. Deferred calls make this hold on every exit path, panics
// included.
func (o *Orchestrator) superviseTerminal(id string, guard *admission.Guard, cancel context.CancelFunc, start time.Time, raw <-chan pipeline.Frame) <-chan pipeline.Frame {
	out := make(chan pipeline.Frame, cap(raw))
	go func() {
		defer close(out)
		defer guard.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.cfg.Digest.RecordErrorKind("internal")
				o.cfg.Logger.Error().Str("request_id", id).Interface("panic", r).Msg("panic draining pipeline")
			}
		}()
		sawTerminal := false
		for f := range raw {
			out <- f
			switch f.Kind {
			case pipeline.End:
				sawTerminal = true
				o.cfg.Digest.RecordGeneration(f.FinishReason, time.Since(start))
				o.cfg.Digest.RecordFinishReason(f.FinishReason)
			case pipeline.Error:
				sawTerminal = true
				o.cfg.Digest.RecordGeneration(pipeline.FinishError, time.Since(start))
				o.cfg.Digest.RecordErrorKind(f.ErrorKind)
			}
		}
		if !sawTerminal {
			o.cfg.Digest.RecordGeneration(pipeline.FinishCancelled, time.Since(start))
			o.cfg.Digest.RecordFinishReason(pipeline.FinishCancelled)
		}
		o.cfg.Publisher.Publish(events.Event{Name: "orchestrator_finish", Fields: map[string]any{"request_id": id}})
	}()
	return out
}

func (o *Orchestrator) recordRejection(err error) {
	if he, ok := err.(apierr.HTTPError); ok {
		o.cfg.Digest.RecordErrorKind(he.Kind())
	} else {
		o.cfg.Digest.RecordErrorKind("internal")
	}
}

// validateMessages rejects empty conversations, unknown roles, and
// blank content before any admission or generation work begins.
func validateMessages(messages []types.Message) error {
	if len(messages) == 0 {
		return apierr.MissingMessages("messages array cannot be empty")
	}
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return apierr.InvalidRequest("invalid role: %q", m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return apierr.InvalidRequest("message content cannot be empty")
		}
	}
	return nil
}

// overrideFrom projects a wire request's explicit fields into a
// registry.Override. Zero values in ChatCompletionRequest are treated as
// "not supplied": the wire fields are not pointers, so an explicit zero
// (e.g. "temperature": 0) cannot be told apart from an absent field and
// both fall back to model defaults.
func overrideFrom(req types.ChatCompletionRequest) registry.Override {
	o := registry.Override{Stop: req.Stop}
	if req.Temperature != 0 {
		o.Temperature = &req.Temperature
	}
	if req.MaxTokens != 0 {
		o.MaxTokens = &req.MaxTokens
	}
	if req.TopP != 0 {
		o.TopP = &req.TopP
	}
	if req.TopK != 0 {
		o.TopK = &req.TopK
	}
	if req.RepeatPenalty != 0 {
		o.RepeatPenalty = &req.RepeatPenalty
	}
	return o
}
