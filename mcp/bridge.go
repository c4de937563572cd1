package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/substratehq/substrate"
)

// maxToolsPerServer caps how many tools one server may contribute.
const maxToolsPerServer = 50

// strippedPrefixes are noise prefixes removed from server tool names
// before namespacing.
var strippedPrefixes = []string{"API-", "api-", "mcp-", "mcp_"}

// Bridge adapts an MCP server's tools to the substrate.Tool interface.
// Each server tool registers as "<server>_<clean_name>"; the bridge maps
// the namespaced name back to the original on execution.
type Bridge struct {
	client   *Client
	defs     []substrate.ToolDefinition
	original map[string]string // namespaced -> server-side name
}

// NewBridge queries the client's tool catalogue and builds the
// namespaced definitions. Tools beyond the per-server cap are dropped.
func NewBridge(ctx context.Context, client *Client) (*Bridge, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if len(tools) > maxToolsPerServer {
		tools = tools[:maxToolsPerServer]
	}

	b := &Bridge{
		client:   client,
		original: make(map[string]string, len(tools)),
	}
	for _, t := range tools {
		namespaced := client.Name() + "_" + cleanName(t.Name)
		if _, taken := b.original[namespaced]; taken {
			// Collision after cleaning: disambiguate with the full name.
			namespaced = client.Name() + "_" + sanitize(t.Name)
			if _, taken := b.original[namespaced]; taken {
				continue
			}
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		b.original[namespaced] = t.Name
		b.defs = append(b.defs, substrate.ToolDefinition{
			Name:        namespaced,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return b, nil
}

// Definitions returns the namespaced tool definitions.
func (b *Bridge) Definitions() []substrate.ToolDefinition {
	return b.defs
}

// Execute forwards a namespaced call to the server and flattens the MCP
// content blocks into a text result.
func (b *Bridge) Execute(ctx context.Context, name string, args json.RawMessage) (substrate.ToolResult, error) {
	original, ok := b.original[name]
	if !ok {
		return substrate.Fail("unknown tool: " + name), nil
	}
	result, err := b.client.CallTool(ctx, original, args)
	if err != nil {
		return substrate.Fail(err.Error()), nil
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		}
	}
	if result.IsError {
		return substrate.Fail(text.String()), nil
	}
	return substrate.Ok(text.String()), nil
}

// cleanName strips noise prefixes and maps hyphens to underscores.
func cleanName(name string) string {
	for _, prefix := range strippedPrefixes {
		if strings.HasPrefix(name, prefix) {
			name = name[len(prefix):]
			break
		}
	}
	return sanitize(name)
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, "-", "_")
	return strings.Trim(name, "_")
}

var _ substrate.Tool = (*Bridge)(nil)
