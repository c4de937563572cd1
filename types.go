package substrate

import "encoding/json"

// --- Conversation types ---

// ChatMessage is one turn in a conversation. Role is one of "system",
// "user", "assistant", "tool". Assistant turns may carry ToolCalls; tool
// turns carry the ToolCallID they answer and the tool Name.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Images     []ImageData     `json:"images,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini raw parts with thoughtSignature)
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is an LLM request to invoke a registered tool.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// --- LLM protocol types ---

type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	// Metadata carries provider-specific state that must be echoed back
	// verbatim on the assistant turn (e.g. Gemini raw parts with
	// thoughtSignature tokens). The loop copies it onto the assistant
	// message it appends.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema, sanitized on registration
	// ReadOnly marks every action of this tool as inspection-only,
	// eligible for parallel auto-execution.
	ReadOnly bool `json:"read_only,omitempty"`
	// RequiresApproval forces the approval gate even in auto-execute mode.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// HasImages reports whether any message in the request carries image data.
func (r ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, Name: name}
}
