// Package pdf provides the pdf tool: plain-text extraction from PDF
// files in the workspace. Read-only.
package pdf

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	pdflib "github.com/ledongthuc/pdf"

	"github.com/substratehq/substrate"
)

const maxChars = 20_000

// Tool extracts text from PDFs under the workspace.
type Tool struct {
	workspacePath string
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the pdf tool rooted at workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	return []substrate.ToolDefinition{{
		Name:        "pdf",
		Description: "Extract plain text from a PDF file in the workspace. Optionally limit to a page range.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"PDF path relative to workspace"},"start_page":{"type":"integer","description":"First page (1-based)"},"end_page":{"type":"integer","description":"Last page (inclusive)"}},"required":["path"]}`),
		ReadOnly:    true,
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		Path      string `json:"path"`
		StartPage int    `json:"start_page"`
		EndPage   int    `json:"end_page"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	if params.Path == "" {
		return substrate.Fail("path is required"), nil
	}
	if filepath.IsAbs(params.Path) {
		return substrate.Fail("absolute paths not allowed: " + params.Path), nil
	}
	resolved := filepath.Join(t.workspacePath, params.Path)
	rel, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return substrate.Fail("path escapes workspace: " + params.Path), nil
	}

	f, reader, err := pdflib.Open(resolved)
	if err != nil {
		return substrate.Fail("open pdf: " + err.Error()), nil
	}
	defer f.Close()

	total := reader.NumPage()
	start, end := params.StartPage, params.EndPage
	if start < 1 {
		start = 1
	}
	if end < 1 || end > total {
		end = total
	}
	if start > total {
		return substrate.Fail(fmt.Sprintf("start_page %d past end of document (%d pages)", params.StartPage, total)), nil
	}

	var b strings.Builder
	for p := start; p <= end; p++ {
		if ctx.Err() != nil {
			return substrate.Fail(ctx.Err().Error()), nil
		}
		page := reader.Page(p)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
		if b.Len() > maxChars {
			break
		}
	}
	content := strings.TrimSpace(b.String())
	if len(content) > maxChars {
		content = content[:maxChars] + "\n... (truncated)"
	}
	if content == "" {
		content = "(no extractable text)"
	}

	return substrate.ToolResult{
		Status:  substrate.StatusSuccess,
		Content: content,
		Data:    map[string]any{"path": params.Path, "pages": total},
	}, nil
}
