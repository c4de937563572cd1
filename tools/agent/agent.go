// Package agent provides the spawn_agent tool: delegate a focused
// sub-task to an isolated subagent drawn from a bounded pool.
package agent

import (
	"context"
	"encoding/json"

	"github.com/substratehq/substrate"
)

// Tool exposes the subagent pool to the model.
type Tool struct {
	pool *substrate.SubagentPool
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the spawn_agent tool over pool.
func New(pool *substrate.SubagentPool) *Tool {
	return &Tool{pool: pool}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	return []substrate.ToolDefinition{{
		Name:        "spawn_agent",
		Description: "Delegate a focused sub-task to a separate agent with its own fresh session. Blocks until the subagent finishes and returns its final output. Use for research or side work that would clutter the main conversation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Short name for the subagent, e.g. research"},"task":{"type":"string","description":"Complete task description, including all context the subagent needs"},"model":{"type":"string","description":"Optional model override"}},"required":["name","task"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		Name  string `json:"name"`
		Task  string `json:"task"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	if params.Name == "" || params.Task == "" {
		return substrate.Fail("name and task are required"), nil
	}

	task := t.pool.Spawn(ctx, params.Name, params.Task, params.Model)
	result := task.Wait(ctx)
	if !result.Success {
		return substrate.ToolResult{
			Status: substrate.StatusError,
			Error:  result.Error,
			Data:   map[string]any{"session": result.SessionKey},
		}, nil
	}
	return substrate.ToolResult{
		Status:  substrate.StatusSuccess,
		Content: result.Output,
		Data:    map[string]any{"session": result.SessionKey},
	}, nil
}
