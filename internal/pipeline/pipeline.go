// Package pipeline turns an inference.Client's token callbacks into a
// bounded, cancellable sequence of cleaned StreamFrames. It holds back
// any trailing bytes that could still complete a stop sequence or
// template marker across a chunk boundary, so nothing partial is ever
// emitted and later retracted.
package pipeline

import (
	"context"
	"errors"

	"chatsafe/internal/apierr"
	"chatsafe/internal/inference"
	"chatsafe/internal/template"
)

// Kind distinguishes the four frame variants of a generation stream.
type Kind string

const (
	Start Kind = "start"
	Delta Kind = "delta"
	End   Kind = "end"
	Error Kind = "error"
)

// Finish reasons for a terminal End frame.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
	FinishError     = "error"
)

// Frame is one element of the stream: exactly one Start precedes zero or
// more Delta frames, which precede exactly one terminal frame (End or
// Error).
type Frame struct {
	Kind         Kind
	Role         string // Start
	Text         string // Delta
	FinishReason string // End
	ErrorKind    string // Error
	ErrorMessage string // Error
}

// errStopGeneration is an internal sentinel returned from the onToken
// callback to tell the inference Client to stop calling it, without that
// early exit looking like a transport failure.
var errStopGeneration = errors.New("pipeline: stop generation")

// Pipeline drains an inference.Client's token stream into a bounded,
// backpressured channel of cleaned Frames.
type Pipeline struct {
	bufferSize int
}

// New builds a Pipeline with the given bounded-channel capacity. A
// non-positive size falls back to 32 frames.
func New(bufferSize int) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Pipeline{bufferSize: bufferSize}
}

// Run starts generation against client and returns a channel of cleaned
// Frames. The channel is closed after the terminal frame is sent (or
// dropped, if the caller's context was already canceled by then). The
// sender blocks when the channel is full, which is this pipeline's only
// backpressure mechanism.
func (p *Pipeline) Run(ctx context.Context, client inference.Client, prompt string, params inference.Params, stops []string) <-chan Frame {
	ch := make(chan Frame, p.bufferSize)
	go p.run(ctx, ch, client, prompt, params, stops)
	return ch
}

func (p *Pipeline) run(ctx context.Context, ch chan<- Frame, client inference.Client, prompt string, params inference.Params, stops []string) {
	defer close(ch)

	if !send(ctx, ch, Frame{Kind: Start, Role: "assistant"}) {
		return
	}

	cleaner := template.NewIncrementalCleaner(stops)
	tokens := 0
	stoppedByMarker := false
	hitMaxTokens := false

	onToken := func(tok inference.Token) error {
		emit, stopped := cleaner.Push(tok.Content)
		if emit != "" {
			if !send(ctx, ch, Frame{Kind: Delta, Text: emit}) {
				return errStopGeneration
			}
		}
		tokens++
		if stopped {
			stoppedByMarker = true
			return errStopGeneration
		}
		if tok.FinishReason == FinishLength {
			hitMaxTokens = true
			return errStopGeneration
		}
		if params.MaxTokens > 0 && tokens >= params.MaxTokens {
			hitMaxTokens = true
			return errStopGeneration
		}
		return nil
	}

	_, genErr := client.Generate(ctx, prompt, params, onToken)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if tail := cleaner.Flush(); tail != "" {
			sendTerminal(ch, Frame{Kind: Delta, Text: tail})
		}
		sendTerminal(ch, Frame{Kind: Error, ErrorKind: "timeout", ErrorMessage: "request exceeded deadline"})

	case ctx.Err() != nil:
		sendTerminal(ch, Frame{Kind: End, FinishReason: FinishCancelled})

	case stoppedByMarker:
		send(ctx, ch, Frame{Kind: End, FinishReason: FinishStop})

	case hitMaxTokens:
		if tail := cleaner.Flush(); tail != "" {
			send(ctx, ch, Frame{Kind: Delta, Text: tail})
		}
		send(ctx, ch, Frame{Kind: End, FinishReason: FinishLength})

	case genErr != nil && !errors.Is(genErr, errStopGeneration):
		if tail := cleaner.Flush(); tail != "" {
			send(ctx, ch, Frame{Kind: Delta, Text: tail})
		}
		kind, msg := classify(genErr)
		send(ctx, ch, Frame{Kind: Error, ErrorKind: kind, ErrorMessage: msg})

	default:
		if tail := cleaner.Flush(); tail != "" {
			send(ctx, ch, Frame{Kind: Delta, Text: tail})
		}
		send(ctx, ch, Frame{Kind: End, FinishReason: FinishStop})
	}
}

// sendTerminal delivers a terminal frame after ctx has already ended,
// when a blocking send could no longer be trusted: it takes whatever
// buffer room is left and otherwise drops the frame, which the
// orchestrator's supervisor records as cancelled.
func sendTerminal(ch chan<- Frame, f Frame) {
	select {
	case ch <- f:
	default:
	}
}

// send honors backpressure (blocks when ch is full) and cancellation
// (aborts if ctx is done), never deadlocking on either. It returns false
// when the frame could not be delivered because ctx ended first.
func send(ctx context.Context, ch chan<- Frame, f Frame) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// classify maps a generation error to the wire error taxonomy.
func classify(err error) (kind, message string) {
	var he apierr.HTTPError
	if errors.As(err, &he) {
		return he.Kind(), he.Error()
	}
	return "internal", err.Error()
}

// Collect drains ch and aggregates it into a single non-streaming result:
// the fully cleaned text, the terminal finish reason, and any error. Used
// for non-streaming requests, which run the same Pipeline but suppress
// intermediate frames.
func Collect(ch <-chan Frame) (text string, finishReason string, err error) {
	for f := range ch {
		switch f.Kind {
		case Delta:
			text += f.Text
		case End:
			finishReason = f.FinishReason
		case Error:
			finishReason = FinishError
			err = apierr.Internal("%s", f.ErrorMessage)
			if f.ErrorKind != "" {
				err = mappedError(f.ErrorKind, f.ErrorMessage)
			}
		}
	}
	return text, finishReason, err
}

func mappedError(kind, message string) error {
	switch kind {
	case "invalid_request":
		return apierr.InvalidRequest("%s", message)
	case "missing_messages":
		return apierr.MissingMessages("%s", message)
	case "invalid_parameter":
		return apierr.InvalidParameter("%s", message)
	case "model_not_found":
		return apierr.ModelNotFound("%s", message)
	case "rate_limited":
		return apierr.RateLimited("%s", message)
	case "runtime_not_ready":
		return apierr.RuntimeNotReady("%s", message)
	case "timeout":
		return apierr.Timeout("%s", message)
	case "cancelled":
		return apierr.Cancelled("%s", message)
	case "unavailable":
		return apierr.Unavailable("%s", message)
	default:
		return apierr.Internal("%s", message)
	}
}
