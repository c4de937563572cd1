package substrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestApprovalClassificationOrder(t *testing.T) {
	policy := ApprovalPolicy{
		Allowlist:           []string{"ls", "git status"},
		Denylist:            []string{"shutdown"},
		EnforceDangerous:    true,
		AutoApproveReadOnly: true,
		Default:             PolicyAsk,
	}
	m := NewApprovalManager(policy, "")

	cases := []struct {
		command string
		want    ApprovalDecision
		reason  string
	}{
		{"shutdown -h now", Denied, "denylist"},
		{"rm -rf / ", Denied, "dangerous"},
		{"dd if=/dev/zero of=/dev/sda", Denied, "dangerous"},
		{"ls -la /tmp", Approved, "allowlist"},
		{"git status", Approved, "allowlist"},
		{"grep -r pattern .", Approved, "read-only"},
		{"git push origin main", Denied, "no approval callback"}, // write indicator, ASK, no callback
	}
	for _, tc := range cases {
		req := m.Check(context.Background(), tc.command, "bash", "main")
		if req.Result != tc.want {
			t.Errorf("Check(%q) = %s (%s), want %s", tc.command, req.Result, req.Reason, tc.want)
		}
	}
}

func TestApprovalDangerousNotEnforced(t *testing.T) {
	m := NewApprovalManager(ApprovalPolicy{
		AutoApproveReadOnly: true,
		Default:             PolicyDeny,
	}, "")
	// Dangerous match is logged but classification continues; "shutdown"
	// carries no write indicator so the read-only heuristic approves it.
	req := m.Check(context.Background(), "shutdown --help", "bash", "main")
	if req.Result != Approved || req.Reason != "read-only" {
		t.Errorf("got %s (%s)", req.Result, req.Reason)
	}
}

func TestApprovalDefaultPolicies(t *testing.T) {
	allow := NewApprovalManager(ApprovalPolicy{Default: PolicyAllow}, "")
	if req := allow.Check(context.Background(), "make deploy", "bash", "main"); req.Result != Approved {
		t.Errorf("ALLOW default = %s", req.Result)
	}
	deny := NewApprovalManager(ApprovalPolicy{Default: PolicyDeny}, "")
	if req := deny.Check(context.Background(), "make deploy", "bash", "main"); req.Result != Denied {
		t.Errorf("DENY default = %s", req.Result)
	}
}

func TestApprovalAskCallback(t *testing.T) {
	var seen ApprovalRequest
	m := NewApprovalManager(ApprovalPolicy{Default: PolicyAsk}, "",
		WithApprovalCallback(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
			seen = req
			return Approved, nil
		}))

	req := m.Check(context.Background(), "make deploy", "bash", "main")
	if req.Result != Approved || req.ApprovedBy != "user" {
		t.Errorf("got %s by %s", req.Result, req.ApprovedBy)
	}
	if seen.Command != "make deploy" || seen.Tool != "bash" || seen.Session != "main" {
		t.Errorf("callback saw %+v", seen)
	}

	timeout := NewApprovalManager(ApprovalPolicy{Default: PolicyAsk}, "",
		WithApprovalCallback(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
			return "", fmt.Errorf("prompt timed out")
		}))
	if req := timeout.Check(context.Background(), "make deploy", "bash", "main"); req.Result != Timeout {
		t.Errorf("callback error = %s, want timeout", req.Result)
	}
}

func TestApprovalAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "exec_approvals.jsonl")
	m := NewApprovalManager(ApprovalPolicy{
		Allowlist: []string{"ls"},
		Denylist:  []string{"shutdown"},
		Default:   PolicyDeny,
	}, path)

	m.Check(context.Background(), "ls", "bash", "main")
	m.Check(context.Background(), "shutdown", "bash", "main")
	m.Check(context.Background(), "make build", "bash", "sub-research")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("audit log missing: %v", err)
	}
	defer f.Close()

	var lines []ApprovalRequest
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var req ApprovalRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, req)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d audit lines, want 3", len(lines))
	}
	if lines[0].Result != Approved || lines[1].Result != Denied || lines[2].Result != Denied {
		t.Errorf("results = %s %s %s", lines[0].Result, lines[1].Result, lines[2].Result)
	}
	if lines[2].Session != "sub-research" {
		t.Errorf("session = %q", lines[2].Session)
	}
	if lines[0].ID == "" || lines[0].Timestamp == 0 {
		t.Error("audit line missing id or timestamp")
	}
}

func TestApprovalStats(t *testing.T) {
	m := NewApprovalManager(ApprovalPolicy{Allowlist: []string{"ls"}, Default: PolicyDeny}, "")
	m.Check(context.Background(), "ls", "bash", "main")
	m.Check(context.Background(), "ls -la", "bash", "main")
	m.Check(context.Background(), "make build", "other", "main")

	byResult, byTool := m.Stats()
	if byResult[Approved] != 2 || byResult[Denied] != 1 {
		t.Errorf("byResult = %v", byResult)
	}
	if byTool["bash"] != 2 || byTool["other"] != 1 {
		t.Errorf("byTool = %v", byTool)
	}
}

func TestMatchesList(t *testing.T) {
	list := []string{"ls", "git status"}
	cases := []struct {
		command string
		want    bool
	}{
		{"ls", true},
		{"ls -la", true},
		{"git status", true},
		{"git status --short", true},
		{"git push", false},
		{"lsof", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := matchesList(tc.command, list); got != tc.want {
			t.Errorf("matchesList(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}
