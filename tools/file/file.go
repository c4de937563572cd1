// Package file provides the text_editor tool: read, write, edit, list,
// info and grep over files inside the workspace. The read-style actions
// are classified read-only by the registry and may run in parallel.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/substratehq/substrate"
)

const maxReadBytes = 200_000

// Tool implements text_editor restricted to a workspace directory.
type Tool struct {
	workspacePath string
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the text_editor tool rooted at workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	return []substrate.ToolDefinition{{
		Name:        "text_editor",
		Description: "Read, write, edit and search files in the workspace. Actions: read (optionally line-ranged), write, edit (exact string replacement), list (directory entries), info (file metadata), grep (regex search).",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["read","write","edit","list","info","grep"],"description":"Operation to perform"},
			"path":{"type":"string","description":"Path relative to workspace"},
			"content":{"type":"string","description":"Content for write"},
			"old_string":{"type":"string","description":"Exact text to replace for edit"},
			"new_string":{"type":"string","description":"Replacement text for edit"},
			"pattern":{"type":"string","description":"Regex for grep"},
			"start_line":{"type":"integer","description":"First line for read (1-based)"},
			"end_line":{"type":"integer","description":"Last line for read (inclusive)"}
		},"required":["action","path"]}`),
	}}
}

type params struct {
	Action    string `json:"action"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
	Pattern   string `json:"pattern"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (substrate.ToolResult, error) {
	var p params
	if err := json.Unmarshal(args, &p); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return substrate.Fail(err.Error()), nil
	}

	switch p.Action {
	case "read":
		return t.read(resolved, p)
	case "write":
		return t.write(resolved, p.Content)
	case "edit":
		return t.edit(resolved, p.OldString, p.NewString)
	case "list":
		return t.list(resolved)
	case "info":
		return t.info(resolved, p.Path)
	case "grep":
		return t.grep(resolved, p.Pattern)
	default:
		return substrate.Fail("unknown action: " + p.Action), nil
	}
}

// resolvePath confines access to the workspace. Relative paths only.
func (t *Tool) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	rel, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string, p params) (substrate.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return substrate.Fail("read: " + err.Error()), nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	lines := strings.Split(string(data), "\n")
	total := len(lines)

	start, end := p.StartLine, p.EndLine
	if start < 1 {
		start = 1
	}
	if end < 1 || end > total {
		end = total
	}
	if start > total {
		return substrate.Fail(fmt.Sprintf("start_line %d past end of file (%d lines)", p.StartLine, total)), nil
	}
	content := strings.Join(lines[start-1:end], "\n")

	return substrate.ToolResult{
		Status:  substrate.StatusSuccess,
		Content: content,
		Data:    map[string]any{"path": p.Path, "total_lines": total},
	}, nil
}

func (t *Tool) write(path, content string) (substrate.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return substrate.Fail("mkdir: " + err.Error()), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return substrate.Fail("write: " + err.Error()), nil
	}
	return substrate.Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), filepath.Base(path))), nil
}

func (t *Tool) edit(path, oldString, newString string) (substrate.ToolResult, error) {
	if oldString == "" {
		return substrate.Fail("old_string is required"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return substrate.Fail("read: " + err.Error()), nil
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return substrate.Fail("old_string not found in file"), nil
	}
	if count > 1 {
		return substrate.Fail(fmt.Sprintf("old_string matches %d times; provide more context to make it unique", count)), nil
	}
	updated := strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return substrate.Fail("write: " + err.Error()), nil
	}
	return substrate.Ok("Edited " + filepath.Base(path)), nil
}

func (t *Tool) list(path string) (substrate.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return substrate.Fail("list: " + err.Error()), nil
	}
	items := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		items = append(items, name)
	}
	sort.Strings(items)
	return substrate.ToolResult{
		Status: substrate.StatusSuccess,
		Data:   map[string]any{"items": items, "total": len(items)},
	}, nil
}

func (t *Tool) info(path, rel string) (substrate.ToolResult, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return substrate.Fail("info: " + err.Error()), nil
	}
	return substrate.ToolResult{
		Status: substrate.StatusSuccess,
		Data: map[string]any{
			"path":     rel,
			"size":     fi.Size(),
			"dir":      fi.IsDir(),
			"mode":     fi.Mode().String(),
			"modified": fi.ModTime().UTC().Format("2006-01-02 15:04:05"),
		},
	}, nil
}

func (t *Tool) grep(path, pattern string) (substrate.ToolResult, error) {
	if pattern == "" {
		return substrate.Fail("pattern is required"), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return substrate.Fail("bad pattern: " + err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return substrate.Fail("grep: " + err.Error()), nil
	}
	var matches []string
	for i, line := range strings.Split(string(data), "\n") {
		if re.MatchString(line) {
			matches = append(matches, fmt.Sprintf("%d: %s", i+1, strings.TrimRight(line, "\r")))
		}
	}
	return substrate.ToolResult{
		Status: substrate.StatusSuccess,
		Data:   map[string]any{"matches": matches, "total": len(matches)},
	}, nil
}
