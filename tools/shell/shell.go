// Package shell provides the bash tool. Commands run under sh -c inside
// the workspace directory; every call is mutating and passes through the
// approval gate before execution.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/substratehq/substrate"
)

const (
	defaultTimeoutSec = 30
	maxTimeoutSec     = 300
	maxOutputBytes    = 30_000
)

// blocked commands are refused before execution regardless of approval.
var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// Tool executes shell commands in the workspace.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the bash tool. Commands run in workspacePath with the
// given default timeout in seconds.
func New(workspacePath string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultTimeoutSec
	}
	return &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	return []substrate.ToolDefinition{{
		Name:             "bash",
		Description:      "Execute a shell command in the workspace directory. Returns stdout and stderr plus the exit code. Use for running scripts, checking files, or system tasks.",
		Parameters:       json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30, max 300)"}},"required":["command"]}`),
		RequiresApproval: true,
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	if params.Command == "" {
		return substrate.Fail("command is required"), nil
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return substrate.Fail("command blocked for safety: " + b), nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeoutSec {
		timeout = maxTimeoutSec
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n... (truncated)"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return substrate.ToolResult{
			Status:  substrate.StatusError,
			Content: output,
			Error:   fmt.Sprintf("command timed out after %ds", timeout),
			Data:    map[string]any{"exit_code": -1},
		}, nil
	}

	exit := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit = exitErr.ExitCode()
		} else {
			return substrate.Fail("exec: " + err.Error()), nil
		}
	}

	if output == "" {
		output = "(no output)"
	}
	return substrate.ToolResult{
		Status:  substrate.StatusSuccess,
		Content: output,
		Data:    map[string]any{"exit_code": exit},
	}, nil
}
