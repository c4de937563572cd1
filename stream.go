package substrate

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventThinkingDelta carries an incremental reasoning chunk. Surfaced
	// on a distinct channel type so front-ends can render it separately.
	EventThinkingDelta StreamEventType = "thinking-delta"
)

// StreamEvent is a typed delta emitted while a provider streams.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content"`
}

// StreamAccumulator folds streamed deltas into a final ChatResponse.
// Wire adapters push text and thinking fragments as they arrive and
// finish with the tool calls parsed from the terminal payload.
type StreamAccumulator struct {
	content  []byte
	thinking []byte
	calls    []ToolCall
}

// Text appends a content delta.
func (a *StreamAccumulator) Text(s string) { a.content = append(a.content, s...) }

// Thought appends a thinking delta.
func (a *StreamAccumulator) Thought(s string) { a.thinking = append(a.thinking, s...) }

// Call records a completed tool call.
func (a *StreamAccumulator) Call(tc ToolCall) { a.calls = append(a.calls, tc) }

// Response assembles the accumulated stream into a ChatResponse.
func (a *StreamAccumulator) Response(u Usage) ChatResponse {
	return ChatResponse{
		Content:   string(a.content),
		Thinking:  string(a.thinking),
		ToolCalls: a.calls,
		Usage:     u,
	}
}
