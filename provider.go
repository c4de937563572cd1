package substrate

import "context"

// Provider abstracts one LLM wire protocol.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions, returns response (may contain tool calls).
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response with usage stats.
	// Implementations must close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "google").
	Name() string
}

// VisionCapable providers accept image parts. Providers that do not
// implement it (or return false) trigger the router's vision fallback.
type VisionCapable interface {
	SupportsVision() bool
}
