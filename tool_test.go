package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// statusTool returns a fixed raw result so status defaulting is observable.
type statusTool struct {
	defs []ToolDefinition
	res  ToolResult
	err  error
}

func (t *statusTool) Definitions() []ToolDefinition { return t.defs }

func (t *statusTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return t.res, t.err
}

func singleDef(name string) []ToolDefinition {
	return []ToolDefinition{{Name: name, Parameters: json.RawMessage(`{}`)}}
}

func TestRegistryAddAndLookup(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(&statusTool{defs: []ToolDefinition{{
		Name:       "lookup",
		Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"additionalProperties":false,"$schema":"x"}`),
	}}})

	def, ok := reg.Lookup("lookup")
	if !ok {
		t.Fatal("Lookup failed")
	}
	// Schemas are sanitized on ingest.
	if strings.Contains(string(def.Parameters), "additionalProperties") {
		t.Errorf("forbidden keyword survived sanitization: %s", def.Parameters)
	}
	if strings.Contains(string(def.Parameters), "$schema") {
		t.Errorf("$schema survived sanitization: %s", def.Parameters)
	}

	defs := reg.AllDefinitions()
	if len(defs) != 1 || defs[0].Name != "lookup" {
		t.Errorf("AllDefinitions = %+v", defs)
	}
}

func TestRegistryExecuteUnknown(t *testing.T) {
	reg := NewToolRegistry()
	res, err := reg.Execute(context.Background(), "nope", nil, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusError || !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("res = %+v", res)
	}
	// Unknown calls are still recorded.
	if h := reg.History(0); len(h) != 1 || h[0].Success {
		t.Errorf("History = %+v", h)
	}
}

func TestRegistryExecuteStatusDefaulting(t *testing.T) {
	cases := []struct {
		name string
		res  ToolResult
		err  error
		want ToolStatus
	}{
		{"empty status with content", ToolResult{Content: "hi"}, nil, StatusSuccess},
		{"empty status with error", ToolResult{Error: "boom"}, nil, StatusError},
		{"explicit denied kept", ToolResult{Status: StatusDenied}, nil, StatusDenied},
		{"go error converted", ToolResult{}, fmt.Errorf("exploded"), StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewToolRegistry()
			reg.Add(&statusTool{defs: singleDef("x"), res: tc.res, err: tc.err})
			res, err := reg.Execute(context.Background(), "x", nil, false)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Status != tc.want {
				t.Errorf("Status = %s, want %s", res.Status, tc.want)
			}
		})
	}
}

func TestRegistryHistoryRing(t *testing.T) {
	reg := NewToolRegistry()
	reg.histCap = 5
	reg.Add(&statusTool{defs: singleDef("x"), res: Ok("ok")})

	for i := 0; i < 8; i++ {
		args := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
		if _, err := reg.Execute(context.Background(), "x", args, true); err != nil {
			t.Fatal(err)
		}
	}

	h := reg.History(0)
	if len(h) != 5 {
		t.Fatalf("got %d entries, want 5", len(h))
	}
	// Oldest first: entries 3..7 survive.
	if string(h[0].Args) != `{"i":3}` || string(h[4].Args) != `{"i":7}` {
		t.Errorf("ring order wrong: first=%s last=%s", h[0].Args, h[4].Args)
	}
	if !h[0].AutoExecuted {
		t.Error("AutoExecuted not recorded")
	}

	if h := reg.History(2); len(h) != 2 || string(h[1].Args) != `{"i":7}` {
		t.Errorf("History(2) = %+v", h)
	}
}

func TestReadOnlyCall(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(&statusTool{defs: []ToolDefinition{{Name: "custom_probe", ReadOnly: true, Parameters: json.RawMessage(`{}`)}}})

	cases := []struct {
		name string
		args string
		want bool
	}{
		{"custom_probe", `{"anything":1}`, true}, // definition flag
		{"web_search", `{}`, true},
		{"web_fetch", `{}`, true},
		{"pdf", `{}`, true},
		{"memory", `{}`, true},
		{"text_editor", `{"action":"read"}`, true},
		{"text_editor", `{"action":"grep"}`, true},
		{"text_editor", `{"action":"write"}`, false},
		{"text_editor", `{}`, false}, // missing action is mutating
		{"browser", `{"action":"screenshot"}`, true},
		{"browser", `{"action":"wait_for_element"}`, true}, // prefix rule
		{"browser", `{"action":"click"}`, false},
		{"computer", `{"action":"read_window"}`, true},
		{"computer", `{"action":"type_text"}`, false},
		{"bash", `{"command":"ls"}`, false},
		{"unknown_tool", `{}`, false},
	}
	for _, tc := range cases {
		if got := reg.ReadOnlyCall(tc.name, json.RawMessage(tc.args)); got != tc.want {
			t.Errorf("ReadOnlyCall(%s, %s) = %v, want %v", tc.name, tc.args, got, tc.want)
		}
	}
}
