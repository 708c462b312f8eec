package orchestrator

import (
	"context"
	"testing"
	"time"

	"chatsafe/internal/admission"
	"chatsafe/internal/events"
	"chatsafe/internal/inference"
	"chatsafe/internal/metrics"
	"chatsafe/internal/registry"
	"chatsafe/pkg/types"
)

type fakeClient struct {
	chunks []string
	err    error
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, params inference.Params, onToken inference.OnToken) (types.Usage, error) {
	for _, c := range f.chunks {
		if err := onToken(inference.Token{Content: c}); err != nil {
			return types.Usage{}, err
		}
	}
	return types.Usage{}, f.err
}

func testRegistry() *registry.Registry {
	return registry.New(registry.Entry{
		ID:            "test-model",
		Family:        "chatml",
		ContextWindow: 4096,
		Defaults: registry.ModelDefaults{
			Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1, MaxTokens: 256,
		},
	})
}

func testAdmission() *admission.Controller {
	c := admission.New(admission.Config{
		PerKeyCapacity: 1000, PerKeyRefillPerSec: 1000,
		GlobalCapacity: 1000, GlobalRefillPerSec: 1000,
		MaxConcurrentPerKey: 100,
	})
	return c
}

func TestHandleRejectsEmptyMessages(t *testing.T) {
	admCtl := testAdmission()
	defer admCtl.Close()
	o := New(Config{
		Registry:  testRegistry(),
		Client:    &fakeClient{},
		Admission: admCtl,
		Digest:    metrics.New(),
		Publisher: events.NewMemory(),
	})
	res, err := o.Handle(context.Background(), "1.2.3.4", types.ChatCompletionRequest{})
	if err == nil {
		t.Fatal("expected missing_messages error")
	}
	if res.RequestID == "" {
		t.Fatal("expected a request id to be minted even on rejection")
	}
}

func TestHandleRejectsUnknownModel(t *testing.T) {
	admCtl := testAdmission()
	defer admCtl.Close()
	o := New(Config{
		Registry:  testRegistry(),
		Client:    &fakeClient{},
		Admission: admCtl,
		Digest:    metrics.New(),
		Publisher: events.NewMemory(),
	})
	req := types.ChatCompletionRequest{Model: "other", Messages: []types.Message{{Role: "user", Content: "hi"}}}
	_, err := o.Handle(context.Background(), "1.2.3.4", req)
	if err == nil {
		t.Fatal("expected model_not_found error")
	}
}

func TestHandleRejectsOutOfRangeParameter(t *testing.T) {
	admCtl := testAdmission()
	defer admCtl.Close()
	o := New(Config{
		Registry:  testRegistry(),
		Client:    &fakeClient{},
		Admission: admCtl,
		Digest:    metrics.New(),
		Publisher: events.NewMemory(),
	})
	req := types.ChatCompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: 3.0,
	}
	_, err := o.Handle(context.Background(), "1.2.3.4", req)
	if err == nil {
		t.Fatal("expected invalid_parameter error")
	}
}

func TestHandleStreamsCleanedFrames(t *testing.T) {
	admCtl := testAdmission()
	defer admCtl.Close()
	client := &fakeClient{chunks: []string{"hi", " there"}}
	o := New(Config{
		Registry:  testRegistry(),
		Client:    client,
		Admission: admCtl,
		Digest:    metrics.New(),
		Publisher: events.NewMemory(),
	})
	req := types.ChatCompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	res, err := o.Handle(context.Background(), "1.2.3.4", req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Frames == nil {
		t.Fatal("expected a non-nil frame channel on success")
	}
	timeout := time.After(2 * time.Second)
	var gotEnd bool
	for {
		select {
		case f, ok := <-res.Frames:
			if !ok {
				if !gotEnd {
					t.Fatal("channel closed without a terminal frame")
				}
				return
			}
			if f.FinishReason != "" {
				gotEnd = true
			}
		case <-timeout:
			t.Fatal("timed out draining result")
		}
	}
}

func TestHandleReleasesAdmissionAfterTerminalFrame(t *testing.T) {
	// One concurrent slot per key: each later Handle is admitted only if
	// the previous request's slot was released.
	admCtl := admission.New(admission.Config{
		PerKeyCapacity: 1000, PerKeyRefillPerSec: 1000,
		GlobalCapacity: 1000, GlobalRefillPerSec: 1000,
		MaxConcurrentPerKey: 1,
	})
	defer admCtl.Close()
	client := &fakeClient{chunks: []string{"ok"}}
	o := New(Config{
		Registry:  testRegistry(),
		Client:    client,
		Admission: admCtl,
		Digest:    metrics.New(),
		Publisher: events.NewMemory(),
	})
	req := types.ChatCompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}}

	for i := 0; i < 5; i++ {
		res, err := o.Handle(context.Background(), "same-key", req)
		if err != nil {
			t.Fatalf("iteration %d: Handle: %v", i, err)
		}
		for range res.Frames {
		}
	}
}
