// Package gemini implements the Google Gemini chat provider.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/substratehq/substrate"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements substrate.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature     float64
	topP            float64
	thinkingEnabled bool
}

// New creates a new Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "google".
func (g *Gemini) Name() string { return "google" }

// SupportsVision reports image support (all current Gemini chat models).
func (g *Gemini) SupportsVision() bool { return true }

func (g *Gemini) modelFor(req substrate.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// Chat sends a non-streaming chat request and returns the complete response.
func (g *Gemini) Chat(ctx context.Context, req substrate.ChatRequest) (substrate.ChatResponse, error) {
	body, err := g.buildBody(req, nil)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, g.modelFor(req), body)
}

// ChatWithTools sends a chat request with tool definitions.
func (g *Gemini) ChatWithTools(ctx context.Context, req substrate.ChatRequest, tools []substrate.ToolDefinition) (substrate.ChatResponse, error) {
	body, err := g.buildBody(req, tools)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, g.modelFor(req), body)
}

// ChatStream streams delta events into ch, then returns the final
// accumulated response. Gemini streams a JSON array of candidate objects;
// parts with thought:true surface as thinking deltas. The channel is
// closed when streaming completes.
func (g *Gemini) ChatStream(ctx context.Context, req substrate.ChatRequest, ch chan<- substrate.StreamEvent) (substrate.ChatResponse, error) {
	defer close(ch)

	body, err := g.buildBody(req, nil)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.modelFor(req), g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return substrate.ChatResponse{}, httpErr(resp, string(b))
	}

	var acc substrate.StreamAccumulator
	var usage substrate.Usage

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer for SSE payloads carrying long chunks.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines start with "data: ". Multi-line JSON payloads are
		// accumulated until the braces balance.
		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					g.processStreamChunk(ctx, jsonBuf.String(), &acc, &usage, ch)
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			g.processStreamChunk(ctx, data, &acc, &usage, ch)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		g.processStreamChunk(ctx, jsonBuf.String(), &acc, &usage, ch)
	}

	return acc.Response(usage), nil
}

// processStreamChunk parses a single JSON chunk from the SSE stream,
// folds text and thinking deltas into acc, and forwards them to ch.
func (g *Gemini) processStreamChunk(ctx context.Context, jsonStr string, acc *substrate.StreamAccumulator, usage *substrate.Usage, ch chan<- substrate.StreamEvent) {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.Text == nil {
				continue
			}
			if part.Thought {
				acc.Thought(*part.Text)
				select {
				case ch <- substrate.StreamEvent{Type: substrate.EventThinkingDelta, Content: *part.Text}:
				case <-ctx.Done():
				}
				continue
			}
			acc.Text(*part.Text)
			select {
			case ch <- substrate.StreamEvent{Type: substrate.EventTextDelta, Content: *part.Text}:
			case <-ctx.Done():
			}
		}
	}

	if parsed.UsageMetadata != nil {
		// Last chunk wins.
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
}

// doGenerate performs a non-streaming generateContent call and parses the response.
func (g *Gemini) doGenerate(ctx context.Context, model string, body map[string]any) (substrate.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return substrate.ChatResponse{}, g.wrapErr("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return substrate.ChatResponse{}, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return substrate.ChatResponse{}, g.wrapErr("failed to parse response JSON: " + err.Error())
	}

	var content, thinking strings.Builder
	var toolCalls []substrate.ToolCall
	var rawParts json.RawMessage

	if len(parsed.Candidates) > 0 {
		rawParts = parsed.Candidates[0].Content.RawParts
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.Thought {
				if part.Text != nil {
					thinking.WriteString(*part.Text)
				}
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				tc := substrate.ToolCall{
					ID:   substrate.NewID(),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				// Preserve thoughtSignature for multi-turn thinking models.
				if part.ThoughtSignature != "" {
					meta, _ := json.Marshal(map[string]string{
						"thoughtSignature": part.ThoughtSignature,
					})
					tc.Metadata = meta
				}
				toolCalls = append(toolCalls, tc)
			}
		}
	}

	var usage substrate.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	out := substrate.ChatResponse{
		Content:   content.String(),
		Thinking:  thinking.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
	}
	// Carry the raw part array so assistant tool-call turns are echoed
	// back byte-for-byte. Gemini 3 rejects requests whose echoed parts
	// lost their thoughtSignature tokens.
	if len(toolCalls) > 0 && len(rawParts) > 0 {
		meta, _ := json.Marshal(map[string]json.RawMessage{"rawParts": rawParts})
		out.Metadata = meta
	}
	return out, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &substrate.ErrLLM{Provider: "google", Message: msg}
}

// httpErr creates an ErrHTTP from an HTTP response, extracting the retry delay
// from the Retry-After header or from the Gemini-specific google.rpc.RetryInfo
// detail in the JSON error body.
func httpErr(resp *http.Response, body string) *substrate.ErrHTTP {
	ra := substrate.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &substrate.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body. Translation rules:
// the first system message becomes systemInstruction, later system
// messages become "[System note]" user turns, consecutive same-role turns
// are merged, and the conversation is forced to start with a user turn.
func (g *Gemini) buildBody(req substrate.ChatRequest, tools []substrate.ToolDefinition) (map[string]any, error) {
	var systemInstruction string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			if systemInstruction == "" {
				systemInstruction = m.Content
			} else {
				// Mid-conversation system note becomes a user turn.
				contents = append(contents, map[string]any{
					"role":  "user",
					"parts": []map[string]any{{"text": "[System note] " + m.Content}},
				})
			}

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Echo the original raw parts verbatim when available.
			if parts := rawPartsOf(m.Metadata); parts != nil {
				contents = append(contents, map[string]any{
					"role":  "model",
					"parts": parts,
				})
				continue
			}
			parts := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}

				part := map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				}
				if len(tc.Metadata) > 0 {
					var meta map[string]any
					if err := json.Unmarshal(tc.Metadata, &meta); err == nil {
						if sig, ok := meta["thoughtSignature"]; ok {
							part["thoughtSignature"] = sig
						}
					}
				}
				parts = append(parts, part)
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.Name,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"inline_data": map[string]any{
						"mime_type": img.MimeType,
						"data":      img.Base64,
					},
				})
			}
			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	contents = mergeSameRole(contents)

	// The conversation must start with a user turn.
	if len(contents) == 0 || contents[0]["role"] != "user" {
		contents = append([]map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": "(start)"}}},
		}, contents...)
	}

	body := map[string]any{
		"contents": contents,
	}

	if systemInstruction != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemInstruction}},
		}
	}

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{
			{"functionDeclarations": declarations},
		}
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if req.Temperature != 0 {
		genConfig["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}
	body["generationConfig"] = genConfig

	return body, nil
}

// rawPartsOf extracts the verbatim part array from assistant message
// metadata, or nil.
func rawPartsOf(meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 {
		return nil
	}
	var parsed struct {
		RawParts json.RawMessage `json:"rawParts"`
	}
	if json.Unmarshal(meta, &parsed) != nil {
		return nil
	}
	return parsed.RawParts
}

// mergeSameRole folds consecutive turns with the same role into one turn,
// concatenating their parts. Gemini rejects back-to-back same-role turns.
func mergeSameRole(contents []map[string]any) []map[string]any {
	if len(contents) < 2 {
		return contents
	}
	out := contents[:1]
	for _, c := range contents[1:] {
		last := out[len(out)-1]
		if last["role"] == c["role"] {
			lastParts, lok := last["parts"].([]map[string]any)
			curParts, cok := c["parts"].([]map[string]any)
			if lok && cok {
				last["parts"] = append(lastParts, curParts...)
				continue
			}
			// Raw (echoed) parts are json.RawMessage; never merge into them.
		}
		out = append(out, c)
	}
	return out
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

// geminiContent keeps both the parsed parts and the raw bytes so
// tool-call turns can be echoed back unchanged.
type geminiContent struct {
	Parts    []geminiPart `json:"-"`
	RawParts json.RawMessage
	Role     string `json:"role"`
}

func (c *geminiContent) UnmarshalJSON(data []byte) error {
	var shadow struct {
		Parts json.RawMessage `json:"parts"`
		Role  string          `json:"role"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	c.Role = shadow.Role
	c.RawParts = shadow.Parts
	if len(shadow.Parts) > 0 {
		if err := json.Unmarshal(shadow.Parts, &c.Parts); err != nil {
			return err
		}
	}
	return nil
}

type geminiPart struct {
	Text             *string         `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ substrate.Provider = (*Gemini)(nil)
