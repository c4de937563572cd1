package substrate

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// failingProvider always returns the same error.
type failingProvider struct {
	scriptedProvider
	err error
}

func (p *failingProvider) next(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return ChatResponse{}, p.err
}

func (p *failingProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(req)
}

func (p *failingProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	return p.next(req)
}

func (p *failingProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	close(ch)
	return p.next(req)
}

func multiResolver(providers map[string]Provider) ResolveFunc {
	return func(model string) (Provider, error) {
		p, ok := providers[model]
		if !ok {
			return nil, fmt.Errorf("no provider for %q", model)
		}
		return p, nil
	}
}

func TestRouterFallbackChain(t *testing.T) {
	primary := &failingProvider{
		scriptedProvider: scriptedProvider{name: "primary"},
		err:              &ErrLLM{Provider: "primary", Class: ClassServerError, Message: "down"},
	}
	backup := &scriptedProvider{name: "backup", steps: []scriptStep{
		{resp: ChatResponse{Content: "from backup"}},
	}}
	r := NewRouter(
		multiResolver(map[string]Provider{"model-a": primary, "model-b": backup}),
		WithFallbacks(map[string][]string{"model-a": {"model-b"}}),
		WithRouterRetry(RetryMaxAttempts(1)),
	)

	resp, err := r.Call(context.Background(), "model-a", ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q", resp.Content)
	}

	// The failure put primary in cooldown; the next call skips it without
	// an attempt.
	backup.mu.Lock()
	backup.steps = []scriptStep{{resp: ChatResponse{Content: "again"}}}
	backup.mu.Unlock()
	before := len(primary.calls())
	if _, err := r.Call(context.Background(), "model-a", ChatRequest{}, nil); err != nil {
		t.Fatalf("second Call: %v", err)
	}
	if len(primary.calls()) != before {
		t.Error("cooled-down provider was attempted")
	}
}

func TestRouterAllFailed(t *testing.T) {
	p := &failingProvider{
		scriptedProvider: scriptedProvider{name: "only"},
		err:              &ErrLLM{Provider: "only", Class: ClassAuthError, Message: "bad key"},
	}
	r := NewRouter(multiResolver(map[string]Provider{"m": p}), WithRouterRetry(RetryMaxAttempts(1)))

	_, err := r.Call(context.Background(), "m", ChatRequest{}, nil)
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestRouterResolveFailureAdvancesChain(t *testing.T) {
	backup := &scriptedProvider{name: "backup", steps: []scriptStep{
		{resp: ChatResponse{Content: "ok"}},
	}}
	r := NewRouter(
		multiResolver(map[string]Provider{"model-b": backup}),
		WithFallbacks(map[string][]string{"model-a": {"model-b"}}),
		WithRouterRetry(RetryMaxAttempts(1)),
	)
	resp, err := r.Call(context.Background(), "model-a", ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestRouterLoopErrorsBubble(t *testing.T) {
	for _, class := range []ErrorClass{ClassContextOverflow, ClassFormatError, ClassContentFilter} {
		t.Run(string(class), func(t *testing.T) {
			primary := &failingProvider{
				scriptedProvider: scriptedProvider{name: "primary-" + string(class)},
				err:              &ErrLLM{Provider: "primary", Class: class, Message: "nope"},
			}
			backup := &scriptedProvider{name: "backup-" + string(class)}
			r := NewRouter(
				multiResolver(map[string]Provider{"model-a": primary, "model-b": backup}),
				WithFallbacks(map[string][]string{"model-a": {"model-b"}}),
				WithRouterRetry(RetryMaxAttempts(1)),
			)

			_, err := r.Call(context.Background(), "model-a", ChatRequest{}, nil)
			if Classify(err) != class {
				t.Fatalf("err = %v, want class %s", err, class)
			}
			if len(backup.calls()) != 0 {
				t.Error("fallback attempted for a loop-owned error")
			}
		})
	}
}

func TestRouterVisionFallback(t *testing.T) {
	text := &scriptedProvider{name: "text-only", vision: false}
	vision := &scriptedProvider{name: "vision", vision: true, steps: []scriptStep{
		{resp: ChatResponse{Content: "I see a cat"}},
	}}
	r := NewRouter(
		multiResolver(map[string]Provider{"local": text, "vision-model": vision}),
		WithVisionFallback("vision-model"),
		WithRouterRetry(RetryMaxAttempts(1)),
	)

	req := ChatRequest{Messages: []ChatMessage{{
		Role:    "user",
		Content: "what is this",
		Images:  []ImageData{{MimeType: "image/png", Base64: "xxxx"}},
	}}}
	resp, err := r.Call(context.Background(), "local", req, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "I see a cat" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(text.calls()) != 0 {
		t.Error("text-only provider received an image request")
	}
	// The substituted model name reaches the provider.
	if got := vision.calls()[0].Model; got != "vision-model" {
		t.Errorf("request model = %q", got)
	}

	// No images: the original provider handles it.
	text.mu.Lock()
	text.steps = []scriptStep{{resp: ChatResponse{Content: "plain"}}}
	text.mu.Unlock()
	resp, err = r.Call(context.Background(), "local", ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, nil)
	if err != nil || resp.Content != "plain" {
		t.Errorf("resp = %+v, err = %v", resp, err)
	}
}

func TestRouterStream(t *testing.T) {
	p := &scriptedProvider{name: "s", steps: []scriptStep{
		{resp: ChatResponse{Content: "streamed"}},
	}}
	r := NewRouter(multiResolver(map[string]Provider{"m": p}), WithRouterRetry(RetryMaxAttempts(1)))

	ch := make(chan StreamEvent, 8)
	resp, err := r.Stream(context.Background(), "m", ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Content != "streamed" {
		t.Errorf("Content = %q", resp.Content)
	}
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Content != "streamed" {
		t.Errorf("events = %+v", events)
	}
}
