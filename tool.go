package substrate

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolStatus is the outcome class of a tool execution.
type ToolStatus string

const (
	StatusSuccess         ToolStatus = "success"
	StatusError           ToolStatus = "error"
	StatusDenied          ToolStatus = "denied"
	StatusPendingApproval ToolStatus = "pending_approval"
)

// ToolResult is the outcome of a tool execution. Content carries the
// primary textual output; Data carries tool-specific structured fields
// consumed by observation shaping.
type ToolResult struct {
	Status  ToolStatus     `json:"status"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ok returns a success result with the given content.
func Ok(content string) ToolResult {
	return ToolResult{Status: StatusSuccess, Content: content}
}

// Fail returns an error result with the given message.
func Fail(msg string) ToolResult {
	return ToolResult{Status: StatusError, Error: msg}
}

// ToolHistoryEntry records one execution for telemetry and lesson
// extraction.
type ToolHistoryEntry struct {
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args"`
	Result       ToolResult      `json:"result"`
	DurationMS   int64           `json:"duration_ms"`
	Success      bool            `json:"success"`
	AutoExecuted bool            `json:"auto_executed"`
	Timestamp    int64           `json:"timestamp"`
}

// defaultHistorySize is the ring buffer capacity for execution history.
const defaultHistorySize = 200

// ToolRegistry holds all registered tools and dispatches execution.
// Registration happens at startup; execution is safe for concurrent use.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   []Tool
	byName  map[string]Tool
	defs    map[string]ToolDefinition
	history []ToolHistoryEntry
	histCap int
	histPos int
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName:  make(map[string]Tool),
		defs:    make(map[string]ToolDefinition),
		histCap: defaultHistorySize,
	}
}

// Add registers a tool. Schemas are sanitized on ingest so no forbidden
// JSON-Schema keywords ever reach a provider.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		d.Parameters = SanitizeSchema(d.Parameters)
		r.byName[d.Name] = t
		r.defs[d.Name] = d
	}
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if stored, ok := r.defs[d.Name]; ok {
				defs = append(defs, stored)
			}
		}
	}
	return defs
}

// Lookup returns the stored definition for name.
func (r *ToolRegistry) Lookup(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Execute dispatches a tool call by name and records it in the history
// ring. autoExecuted marks calls run without an approval prompt.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, autoExecuted bool) (ToolResult, error) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		res := Fail("unknown tool: " + name)
		r.record(name, args, res, 0, autoExecuted)
		return res, nil
	}

	start := time.Now()
	res, err := t.Execute(ctx, name, args)
	if err != nil {
		res = ToolResult{Status: StatusError, Error: err.Error()}
	}
	if res.Status == "" {
		if res.Error != "" {
			res.Status = StatusError
		} else {
			res.Status = StatusSuccess
		}
	}
	r.record(name, args, res, time.Since(start).Milliseconds(), autoExecuted)
	return res, nil
}

// record appends to the history ring buffer.
func (r *ToolRegistry) record(name string, args json.RawMessage, res ToolResult, durationMS int64, autoExecuted bool) {
	entry := ToolHistoryEntry{
		Tool:         name,
		Args:         args,
		Result:       res,
		DurationMS:   durationMS,
		Success:      res.Status == StatusSuccess,
		AutoExecuted: autoExecuted,
		Timestamp:    NowUnix(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) < r.histCap {
		r.history = append(r.history, entry)
		return
	}
	r.history[r.histPos] = entry
	r.histPos = (r.histPos + 1) % r.histCap
}

// History returns the last n executions, oldest first.
func (r *ToolRegistry) History(n int) []ToolHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ordered := make([]ToolHistoryEntry, 0, len(r.history))
	if len(r.history) < r.histCap {
		ordered = append(ordered, r.history...)
	} else {
		ordered = append(ordered, r.history[r.histPos:]...)
		ordered = append(ordered, r.history[:r.histPos]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// --- read-only classification ---

// alwaysReadOnly are tools whose every action only inspects state.
var alwaysReadOnly = map[string]bool{
	"web_search": true,
	"web_fetch":  true,
	"pdf":        true,
	"memory":     true,
	"look":       true,
}

// readOnlyActions lists, per tool, the actions that only inspect state.
// Any action not listed is mutating.
var readOnlyActions = map[string]map[string]bool{
	"text_editor": {
		"read": true, "list": true, "info": true, "grep": true,
	},
	"browser": {
		"tabs": true, "read": true, "elements": true, "screenshot": true,
		"snapshot": true, "status": true, "console": true,
	},
	"computer": {
		"list_windows": true, "get_elements": true, "mouse_position": true,
		"screen_size": true, "screenshot": true,
	},
}

// readOnlyActionPrefixes handles action families like wait_for_element and
// read_window.
var readOnlyActionPrefixes = map[string][]string{
	"browser":  {"wait_"},
	"computer": {"read_", "process_"},
}

// ReadOnlyCall reports whether the call only inspects state. Checks the
// registered definition flag first, then the tool/action table. Everything
// unlisted (bash, writes, clicks, navigation) is mutating.
func (r *ToolRegistry) ReadOnlyCall(name string, args json.RawMessage) bool {
	if d, ok := r.Lookup(name); ok && d.ReadOnly {
		return true
	}
	return readOnlyByRule(name, args)
}

func readOnlyByRule(name string, args json.RawMessage) bool {
	if alwaysReadOnly[name] {
		return true
	}
	actions, ok := readOnlyActions[name]
	if !ok {
		return false
	}
	var parsed struct {
		Action string `json:"action"`
	}
	if json.Unmarshal(args, &parsed) != nil || parsed.Action == "" {
		return false
	}
	if actions[parsed.Action] {
		return true
	}
	for _, prefix := range readOnlyActionPrefixes[name] {
		if len(parsed.Action) >= len(prefix) && parsed.Action[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
