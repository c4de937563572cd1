// Package anthropic implements the Anthropic messages API provider.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/substratehq/substrate"
)

var baseURL = "https://api.anthropic.com/v1"

const (
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 8192
	// thinkingBudget caps extended thinking tokens on models that
	// support it.
	thinkingBudget = 4096
)

// Anthropic implements substrate.Provider for the messages API.
type Anthropic struct {
	apiKey     string
	model      string
	version    string
	httpClient *http.Client
}

// Option configures an Anthropic provider.
type Option func(*Anthropic)

// WithVersion overrides the anthropic-version header.
func WithVersion(v string) Option {
	return func(a *Anthropic) { a.version = v }
}

// New creates an Anthropic chat provider.
func New(apiKey, model string, opts ...Option) *Anthropic {
	a := &Anthropic{
		apiKey:     apiKey,
		model:      model,
		version:    defaultVersion,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// SupportsVision reports image support (all current Claude models).
func (a *Anthropic) SupportsVision() bool { return true }

func (a *Anthropic) modelFor(req substrate.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

// Chat sends a non-streaming request and returns the complete response.
func (a *Anthropic) Chat(ctx context.Context, req substrate.ChatRequest) (substrate.ChatResponse, error) {
	return a.ChatWithTools(ctx, req, nil)
}

// ChatWithTools sends a request with tool definitions.
func (a *Anthropic) ChatWithTools(ctx context.Context, req substrate.ChatRequest, tools []substrate.ToolDefinition) (substrate.ChatResponse, error) {
	body := buildBody(req, tools, a.modelFor(req))

	resp, err := a.send(ctx, body)
	if err != nil {
		return substrate.ChatResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return substrate.ChatResponse{}, a.wrapErr("read response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return substrate.ChatResponse{}, httpErr(resp, string(respBody))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return substrate.ChatResponse{}, a.wrapErr("parse response: " + err.Error())
	}
	return parseResponse(parsed), nil
}

// ChatStream streams typed events (content_block_delta with text_delta or
// thinking_delta) into ch and returns the accumulated response. ch is
// closed before returning.
func (a *Anthropic) ChatStream(ctx context.Context, req substrate.ChatRequest, ch chan<- substrate.StreamEvent) (substrate.ChatResponse, error) {
	defer close(ch)

	body := buildBody(req, nil, a.modelFor(req))
	body["stream"] = true

	resp, err := a.send(ctx, body)
	if err != nil {
		return substrate.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return substrate.ChatResponse{}, httpErr(resp, string(b))
	}

	var acc substrate.StreamAccumulator
	var usage substrate.Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				acc.Text(ev.Delta.Text)
				select {
				case ch <- substrate.StreamEvent{Type: substrate.EventTextDelta, Content: ev.Delta.Text}:
				case <-ctx.Done():
					return substrate.ChatResponse{}, ctx.Err()
				}
			case "thinking_delta":
				acc.Thought(ev.Delta.Thinking)
				select {
				case ch <- substrate.StreamEvent{Type: substrate.EventThinkingDelta, Content: ev.Delta.Thinking}:
				case <-ctx.Done():
					return substrate.ChatResponse{}, ctx.Err()
				}
			}
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "message_delta":
			usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return substrate.ChatResponse{}, err
	}

	return acc.Response(usage), nil
}

func (a *Anthropic) send(ctx context.Context, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, a.wrapErr("marshal request: " + err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, a.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)
	return a.httpClient.Do(httpReq)
}

func (a *Anthropic) wrapErr(msg string) error {
	return &substrate.ErrLLM{Provider: "anthropic", Message: msg}
}

func httpErr(resp *http.Response, body string) error {
	return &substrate.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: substrate.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// ---- Body builder ----

// buildBody translates the canonical conversation into the messages API
// shape: system extracted as a top-level field, later system messages as
// "[System note]" user turns, tool calls as tool_use blocks, tool results
// as user-role tool_result blocks, images as base64 sources. Empty user
// messages are dropped; consecutive same-role turns are merged.
func buildBody(req substrate.ChatRequest, tools []substrate.ToolDefinition, model string) map[string]any {
	var system string
	var msgs []map[string]any

	appendTurn := func(role string, blocks ...map[string]any) {
		if len(blocks) == 0 {
			return
		}
		if len(msgs) > 0 && msgs[len(msgs)-1]["role"] == role {
			prev := msgs[len(msgs)-1]["content"].([]map[string]any)
			msgs[len(msgs)-1]["content"] = append(prev, blocks...)
			return
		}
		msgs = append(msgs, map[string]any{"role": role, "content": blocks})
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			if system == "" {
				system = m.Content
			} else {
				appendTurn("user", textBlock("[System note] "+m.Content))
			}

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			blocks := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Args) == 0 || json.Unmarshal(tc.Args, &input) != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			appendTurn("assistant", blocks...)

		case m.Role == "tool":
			appendTurn("user", map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     m.Content,
			})

		default:
			var blocks []map[string]any
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			for _, img := range m.Images {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Base64,
					},
				})
			}
			// Empty user messages are rejected by the API; drop them.
			if len(blocks) == 0 {
				continue
			}
			appendTurn(m.Role, blocks...)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}

	if len(tools) > 0 {
		defs := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var schema any
			if len(t.Parameters) == 0 || json.Unmarshal(t.Parameters, &schema) != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = defs
	}

	// Extended thinking on capable models forces temperature 1 and
	// forbids top_p/top_k.
	if supportsThinking(model) {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": thinkingBudget,
		}
		body["temperature"] = 1
	}

	return body
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

// supportsThinking reports whether the model accepts the extended
// thinking parameter (Claude 3.7 and the 4.x families).
func supportsThinking(model string) bool {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude-3-7"),
		strings.Contains(m, "claude-4"),
		strings.Contains(m, "claude-sonnet-4"),
		strings.Contains(m, "claude-opus-4"),
		strings.Contains(m, "claude-haiku-4"):
		return true
	}
	return false
}

// ---- Response parsing ----

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usageInfo      `json:"usage"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type usageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Message *struct {
		Usage usageInfo `json:"usage"`
	} `json:"message"`
	Usage usageInfo `json:"usage"`
}

func parseResponse(resp messagesResponse) substrate.ChatResponse {
	var content, thinking strings.Builder
	var calls []substrate.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			args := block.Input
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			id := block.ID
			if id == "" {
				id = substrate.NewID()
			}
			calls = append(calls, substrate.ToolCall{
				ID:   id,
				Name: block.Name,
				Args: args,
			})
		}
	}

	return substrate.ChatResponse{
		Content:   content.String(),
		Thinking:  thinking.String(),
		ToolCalls: calls,
		Usage: substrate.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

// Compile-time interface check.
var _ substrate.Provider = (*Anthropic)(nil)
