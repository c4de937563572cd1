package substrate

import (
	"encoding/json"
	"testing"
)

func TestStreamAccumulator(t *testing.T) {
	var acc StreamAccumulator
	acc.Thought("let me ")
	acc.Thought("think")
	acc.Text("Hello")
	acc.Text(", world")
	acc.Call(ToolCall{ID: "c1", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)})

	resp := acc.Response(Usage{InputTokens: 12, OutputTokens: 7})
	if resp.Content != "Hello, world" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Thinking != "let me think" {
		t.Errorf("Thinking = %q", resp.Thinking)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "bash" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestStreamAccumulatorEmpty(t *testing.T) {
	var acc StreamAccumulator
	resp := acc.Response(Usage{})
	if resp.Content != "" || resp.Thinking != "" || len(resp.ToolCalls) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}
