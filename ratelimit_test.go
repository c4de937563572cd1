package substrate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitRPMBlocks(t *testing.T) {
	inner := &scriptedProvider{}
	p := WithRateLimit(inner, RPM(2))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Chat(ctx, ChatRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Third call within the window blocks; a cancelled wait surfaces the
	// context error rather than hanging.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(waitCtx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := len(inner.calls()); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestRateLimitTPMSoftLimit(t *testing.T) {
	inner := &scriptedProvider{steps: []scriptStep{
		{resp: ChatResponse{Content: "big", Usage: Usage{InputTokens: 900, OutputTokens: 200}}},
		{resp: ChatResponse{Content: "never reached"}},
	}}
	p := WithRateLimit(inner, TPM(1000))

	// The first request exceeds the budget but completes.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The second blocks until the window slides.
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(waitCtx, ChatRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := len(inner.calls()); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
}

func TestRateLimitUnlimitedPassthrough(t *testing.T) {
	inner := &scriptedProvider{vision: true}
	p := WithRateLimit(inner)

	for i := 0; i < 5; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := len(inner.calls()); got != 5 {
		t.Errorf("inner calls = %d", got)
	}
	// Capability passes through the wrapper.
	vc, ok := p.(VisionCapable)
	if !ok || !vc.SupportsVision() {
		t.Error("vision capability not forwarded")
	}
}
