// Package memory provides the memory tool: durable notes the agent can
// save, search and prune across sessions, backed by a
// substrate.MemoryStore (SQLite or Postgres).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/substratehq/substrate"
)

// Tool exposes note persistence to the agent.
type Tool struct {
	store substrate.MemoryStore
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the memory tool on top of store.
func New(store substrate.MemoryStore) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	return []substrate.ToolDefinition{{
		Name:        "memory",
		Description: "Save, search, list and delete durable notes that persist across sessions. Use save for facts worth remembering, search to recall, recent to review, delete to prune.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["save","search","recent","delete"],"description":"Operation to perform"},
			"content":{"type":"string","description":"Note text for save"},
			"category":{"type":"string","description":"Optional category for save"},
			"query":{"type":"string","description":"Search query"},
			"id":{"type":"string","description":"Note ID for delete"},
			"limit":{"type":"integer","description":"Max results (default 10)"}
		},"required":["action"]}`),
		ReadOnly: true,
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		Action   string `json:"action"`
		Content  string `json:"content"`
		Category string `json:"category"`
		Query    string `json:"query"`
		ID       string `json:"id"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}

	switch params.Action {
	case "save":
		if params.Content == "" {
			return substrate.Fail("content is required"), nil
		}
		note := substrate.MemoryNote{Content: params.Content, Category: params.Category}
		if err := t.store.Save(ctx, note); err != nil {
			return substrate.Fail("save: " + err.Error()), nil
		}
		return substrate.Ok("Saved."), nil

	case "search":
		if params.Query == "" {
			return substrate.Fail("query is required"), nil
		}
		notes, err := t.store.Search(ctx, params.Query, params.Limit)
		if err != nil {
			return substrate.Fail("search: " + err.Error()), nil
		}
		return formatNotes(notes, fmt.Sprintf("No notes match %q.", params.Query)), nil

	case "recent":
		notes, err := t.store.Recent(ctx, params.Limit)
		if err != nil {
			return substrate.Fail("recent: " + err.Error()), nil
		}
		return formatNotes(notes, "No notes saved yet."), nil

	case "delete":
		if params.ID == "" {
			return substrate.Fail("id is required"), nil
		}
		if err := t.store.Delete(ctx, params.ID); err != nil {
			return substrate.Fail("delete: " + err.Error()), nil
		}
		return substrate.Ok("Deleted."), nil

	default:
		return substrate.Fail("unknown action: " + params.Action), nil
	}
}

func formatNotes(notes []substrate.MemoryNote, empty string) substrate.ToolResult {
	if len(notes) == 0 {
		return substrate.Ok(empty)
	}
	var b strings.Builder
	for _, n := range notes {
		if n.Category != "" {
			fmt.Fprintf(&b, "[%s] (%s) %s\n", n.ID, n.Category, n.Content)
		} else {
			fmt.Fprintf(&b, "[%s] %s\n", n.ID, n.Content)
		}
	}
	return substrate.Ok(strings.TrimRight(b.String(), "\n"))
}
