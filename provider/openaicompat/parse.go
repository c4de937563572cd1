package openaicompat

import (
	"encoding/json"

	"github.com/substratehq/substrate"
)

// ParseResponse converts an OpenAI-format ChatResponse to a substrate
// ChatResponse. It extracts content, reasoning, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (substrate.ChatResponse, error) {
	var out substrate.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Thinking = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = substrate.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to substrate ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so a malformed call never aborts the round.
func ParseToolCalls(tcs []ToolCallRequest) []substrate.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]substrate.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = substrate.NewID()
		}
		out = append(out, substrate.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
