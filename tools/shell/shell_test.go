package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/substratehq/substrate"
)

func run(t *testing.T, tool *Tool, args string) substrate.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), "bash", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	return res
}

func TestExecuteEchoes(t *testing.T) {
	tool := New(t.TempDir(), 10)
	res := run(t, tool, `{"command":"echo hello"}`)
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if !strings.Contains(res.Content, "hello") {
		t.Errorf("content = %q, want echo output", res.Content)
	}
	if res.Data["exit_code"] != 0 {
		t.Errorf("exit_code = %v, want 0", res.Data["exit_code"])
	}
}

func TestNonZeroExitReported(t *testing.T) {
	tool := New(t.TempDir(), 10)
	res := run(t, tool, `{"command":"exit 3"}`)
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("non-zero exit should still be a success result, got %s", res.Status)
	}
	if res.Data["exit_code"] != 3 {
		t.Errorf("exit_code = %v, want 3", res.Data["exit_code"])
	}
}

func TestRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 10)
	res := run(t, tool, `{"command":"pwd"}`)
	if !strings.Contains(res.Content, dir) {
		t.Errorf("pwd = %q, want workspace %q", res.Content, dir)
	}
}

func TestBlockedCommands(t *testing.T) {
	tool := New(t.TempDir(), 10)
	res := run(t, tool, `{"command":"sudo reboot"}`)
	if res.Status != substrate.StatusError {
		t.Fatalf("blocked command should fail, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "blocked") {
		t.Errorf("error = %q, want block reason", res.Error)
	}
}

func TestMissingCommand(t *testing.T) {
	tool := New(t.TempDir(), 10)
	res := run(t, tool, `{}`)
	if res.Status != substrate.StatusError {
		t.Fatalf("empty command should fail, got %s", res.Status)
	}
}

func TestTimeout(t *testing.T) {
	tool := New(t.TempDir(), 10)
	res := run(t, tool, `{"command":"sleep 5","timeout":1}`)
	if res.Status != substrate.StatusError {
		t.Fatalf("timed-out command should fail, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q, want timeout message", res.Error)
	}
}

func TestDefinitionRequiresApproval(t *testing.T) {
	defs := New(t.TempDir(), 0).Definitions()
	if len(defs) != 1 || defs[0].Name != "bash" {
		t.Fatalf("defs = %+v", defs)
	}
	if !defs[0].RequiresApproval {
		t.Error("bash must require approval")
	}
}
