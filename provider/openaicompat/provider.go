package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/substratehq/substrate"
)

// defaultTimeout bounds each HTTP request when the caller's context has no
// earlier deadline.
const defaultTimeout = 120 * time.Second

// Provider implements substrate.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, xAI, Ollama's /v1 endpoint, and any other provider
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	vision  bool
	opts    []Option
}

// ProviderOption configures a Provider at construction.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported to the router ("openai" by
// default; set "xai" or "ollama" so cooldowns track each backend apart).
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithVision marks the backend as accepting image content blocks.
func WithVision(v bool) ProviderOption {
	return func(p *Provider) { p.vision = v }
}

// WithRequestOptions applies per-request options to every request.
func WithRequestOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = opts }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.x.ai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		name:    "openai",
		vision:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// SupportsVision reports whether the backend accepts image blocks.
func (p *Provider) SupportsVision() bool { return p.vision }

// model returns the request's model override, or the configured default.
func (p *Provider) modelFor(req substrate.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) requestOpts(req substrate.ChatRequest) []Option {
	opts := append([]Option{}, p.opts...)
	if req.Temperature != 0 {
		opts = append(opts, WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req substrate.ChatRequest) (substrate.ChatResponse, error) {
	return p.ChatWithTools(ctx, req, nil)
}

// ChatWithTools sends a request with tool definitions; the response may
// contain ToolCalls.
func (p *Provider) ChatWithTools(ctx context.Context, req substrate.ChatRequest, tools []substrate.ToolDefinition) (substrate.ChatResponse, error) {
	body := BuildBody(req.Messages, tools, p.modelFor(req), p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatStream streams delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req substrate.ChatRequest, ch chan<- substrate.StreamEvent) (substrate.ChatResponse, error) {
	body := BuildBody(req.Messages, nil, p.modelFor(req), p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return substrate.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return substrate.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (substrate.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return substrate.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return substrate.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return substrate.ChatResponse{}, &substrate.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &substrate.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &substrate.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &substrate.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: substrate.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ substrate.Provider = (*Provider)(nil)
