package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ResolveFunc turns a model name into a Provider. The provider/resolve
// package supplies the standard implementation (known-models table, name
// patterns, local fallback); cmd wires it in to keep this package free of
// adapter imports.
type ResolveFunc func(model string) (Provider, error)

// Router hides provider selection, retry, cooldowns, and fallback chains
// behind one call surface. Safe for concurrent use.
type Router struct {
	resolve   ResolveFunc
	cooldowns *cooldownTracker
	logger    *slog.Logger
	tracer    Tracer

	// fallbacks maps a model name to the ordered models tried after it.
	fallbacks map[string][]string
	// visionFallback substitutes for models that cannot accept images.
	visionFallback string
	retryOpts      []RetryOption

	mu    sync.Mutex
	cache map[string]Provider
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbacks sets the per-model fallback chains.
func WithFallbacks(chains map[string][]string) RouterOption {
	return func(r *Router) { r.fallbacks = chains }
}

// WithVisionFallback sets the model substituted when a request carries
// images and the resolved provider lacks vision capability.
func WithVisionFallback(model string) RouterOption {
	return func(r *Router) { r.visionFallback = model }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterTracer sets the tracer for per-attempt spans.
func WithRouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithRouterRetry overrides the retry options applied to every resolved
// provider (default: 3 attempts, 2s base delay).
func WithRouterRetry(opts ...RetryOption) RouterOption {
	return func(r *Router) { r.retryOpts = opts }
}

// NewRouter creates a Router over the given resolver.
func NewRouter(resolve ResolveFunc, opts ...RouterOption) *Router {
	r := &Router{
		resolve:   resolve,
		cooldowns: newCooldownTracker(),
		fallbacks: map[string][]string{},
		cache:     map[string]Provider{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Call runs the request against model's fallback chain and returns the
// first success. Providers in cooldown are skipped without an HTTP
// attempt. Errors the loop must handle itself (context_overflow,
// format_error, content_filter) bubble immediately instead of advancing
// the chain.
func (r *Router) Call(ctx context.Context, model string, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return r.run(ctx, model, req, func(ctx context.Context, p Provider, req ChatRequest) (ChatResponse, error) {
		if len(tools) > 0 {
			return p.ChatWithTools(ctx, req, tools)
		}
		return p.Chat(ctx, req)
	})
}

// Stream runs the request against model's fallback chain, forwarding
// stream events to ch. ch is closed before returning.
func (r *Router) Stream(ctx context.Context, model string, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	// The chain is walked with an intermediate channel per attempt so a
	// failed provider that emitted nothing can be retried silently.
	resp, err := r.run(ctx, model, req, func(ctx context.Context, p Provider, req ChatRequest) (ChatResponse, error) {
		mid := make(chan StreamEvent, 64)
		done := make(chan struct{})
		var resp ChatResponse
		var streamErr error
		go func() {
			defer close(done)
			resp, streamErr = p.ChatStream(ctx, req, mid)
		}()
		for ev := range mid {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		<-done
		return resp, streamErr
	})
	close(ch)
	return resp, err
}

type callFunc func(ctx context.Context, p Provider, req ChatRequest) (ChatResponse, error)

func (r *Router) run(ctx context.Context, model string, req ChatRequest, call callFunc) (ChatResponse, error) {
	chain := append([]string{model}, r.fallbacks[model]...)
	var attempts []string

	for _, m := range chain {
		p, err := r.provider(m)
		if err != nil {
			attempts = append(attempts, fmt.Sprintf("%s: %v", m, err))
			continue
		}
		if r.cooldowns.cooling(p.Name()) {
			r.logger.Debug("provider in cooldown, skipping",
				"provider", p.Name(), "model", m,
				"remaining", r.cooldowns.remaining(p.Name()))
			attempts = append(attempts, fmt.Sprintf("%s: in cooldown", m))
			continue
		}

		effModel := m
		if req.HasImages() && !supportsVision(p) && r.visionFallback != "" && m != r.visionFallback {
			r.logger.Debug("substituting vision fallback", "model", m, "fallback", r.visionFallback)
			vp, verr := r.provider(r.visionFallback)
			if verr == nil && !r.cooldowns.cooling(vp.Name()) {
				p, effModel = vp, r.visionFallback
			}
		}

		attemptCtx := ctx
		var span Span
		if r.tracer != nil {
			attemptCtx, span = r.tracer.Start(ctx, "router.call",
				StringAttr("model", effModel),
				StringAttr("provider", p.Name()))
		}
		attemptReq := req
		attemptReq.Model = effModel
		resp, err := call(attemptCtx, p, attemptReq)
		if err == nil {
			r.cooldowns.succeed(p.Name())
			if span != nil {
				span.End()
			}
			return resp, nil
		}
		if span != nil {
			span.Error(err)
			span.End()
		}

		class := Classify(err)
		attempts = append(attempts, fmt.Sprintf("%s: %s: %v", m, class, err))
		r.cooldowns.fail(p.Name(), class)

		switch class {
		case ClassContextOverflow, ClassFormatError, ClassContentFilter:
			// The loop owns recovery for these; advancing the chain would
			// hide the signal.
			return ChatResponse{}, err
		}
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		r.logger.Warn("provider failed, trying fallback",
			"model", m, "class", class, "error", err)
	}
	return ChatResponse{}, fmt.Errorf("%w: %s", ErrNoProvider, strings.Join(attempts, "; "))
}

// provider resolves and caches the provider for model, wrapped with the
// router's retry policy.
func (r *Router) provider(model string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[model]; ok {
		return p, nil
	}
	p, err := r.resolve(model)
	if err != nil {
		return nil, err
	}
	p = WithRetry(p, append([]RetryOption{RetryLogger(r.logger)}, r.retryOpts...)...)
	r.cache[model] = p
	return p, nil
}

func supportsVision(p Provider) bool {
	// Unwrap retry/ratelimit decorators via the capability interface.
	if vc, ok := p.(VisionCapable); ok {
		return vc.SupportsVision()
	}
	return false
}
