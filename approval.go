package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ApprovalDecision is the outcome of classifying one command.
type ApprovalDecision string

const (
	Approved ApprovalDecision = "approved"
	Denied   ApprovalDecision = "denied"
	Pending  ApprovalDecision = "pending"
	Timeout  ApprovalDecision = "timeout"
)

// DefaultPolicy governs commands not settled by the deny list, allow list,
// or read-only heuristic.
type DefaultPolicy string

const (
	PolicyAllow DefaultPolicy = "ALLOW"
	PolicyDeny  DefaultPolicy = "DENY"
	PolicyAsk   DefaultPolicy = "ASK"
)

// ApprovalRequest is a decided (or pending) command authorization.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	Timestamp  int64            `json:"timestamp"`
	Command    string           `json:"command"`
	Tool       string           `json:"tool"`
	Session    string           `json:"session"`
	Result     ApprovalDecision `json:"result"`
	Reason     string           `json:"reason"`
	ApprovedBy string           `json:"approved_by"` // auto, user, allowlist
}

// ApprovalCallback asks a human for a decision. It blocks until answered.
type ApprovalCallback func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// ApprovalPolicy configures the gate. The zero value allows nothing
// implicitly and asks for everything (DefaultPolicy "" behaves as ASK
// without a callback, which denies).
type ApprovalPolicy struct {
	// Allowlist entries match the command's base word ("ls") or its first
	// two tokens ("git status").
	Allowlist []string
	// Denylist entries match the same way and short-circuit to denied.
	Denylist []string
	// DangerousPatterns are regexes scanned against the whole command.
	// Empty uses the built-in set.
	DangerousPatterns []string
	// EnforceDangerous denies on a dangerous-pattern match. When false the
	// match is logged as a risk signal and classification continues.
	EnforceDangerous bool
	// AutoApproveReadOnly approves commands with no write indicators.
	AutoApproveReadOnly bool
	// Default applies when nothing above settled the command.
	Default DefaultPolicy
}

// defaultDangerousPatterns flag destructive shell commands. Matches are
// always audited; denial depends on EnforceDangerous.
var defaultDangerousPatterns = []string{
	`rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/(\s|$)`,
	`mkfs`,
	`dd\s+.*of=/dev/`,
	`:\(\)\s*\{.*\};\s*:`,
	`chmod\s+(-R\s+)?777\s+/(\s|$)`,
	`>\s*/dev/sd[a-z]`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
}

// writeIndicators mark a command as mutating for the read-only heuristic.
var writeIndicators = []string{
	">", ">>", "rm ", "mv ", "cp ", "chmod", "chown", "sudo ", "mkdir",
	"touch ", "dd ", "ln ", "truncate", "tee ", "kill", "pkill",
	"apt install", "apt-get install", "pip install", "npm install",
	"brew install", "systemctl", "curl -o", "wget -o", "git push",
	"git commit", "git reset", "git checkout", "git clean",
}

// ApprovalManager classifies commands and appends every decision to a
// JSONL audit log. Process-wide singleton guarded by its own mutex.
type ApprovalManager struct {
	mu        sync.Mutex
	policy    ApprovalPolicy
	callback  ApprovalCallback
	dangerous []*regexp.Regexp
	auditPath string
	logger    *slog.Logger

	byResult map[ApprovalDecision]int
	byTool   map[string]int
}

// ApprovalOption configures an ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithApprovalCallback registers the human-approval callback used when the
// default policy is ASK.
func WithApprovalCallback(cb ApprovalCallback) ApprovalOption {
	return func(m *ApprovalManager) { m.callback = cb }
}

// WithApprovalLogger sets the structured logger.
func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(m *ApprovalManager) { m.logger = l }
}

// NewApprovalManager creates the gate. auditPath is the JSONL audit log
// (e.g. data/exec_approvals.jsonl); its directory is created on first write.
func NewApprovalManager(policy ApprovalPolicy, auditPath string, opts ...ApprovalOption) *ApprovalManager {
	m := &ApprovalManager{
		policy:    policy,
		auditPath: auditPath,
		byResult:  make(map[ApprovalDecision]int),
		byTool:    make(map[string]int),
	}
	patterns := policy.DangerousPatterns
	if len(patterns) == 0 {
		patterns = defaultDangerousPatterns
	}
	for _, p := range patterns {
		if re, err := regexp.Compile(`(?i)` + p); err == nil {
			m.dangerous = append(m.dangerous, re)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Check classifies command and appends exactly one audit line. Order:
// denylist and dangerous patterns, allowlist, read-only heuristic, then
// the default policy (ASK blocks on the callback).
func (m *ApprovalManager) Check(ctx context.Context, command, tool, session string) ApprovalRequest {
	req := ApprovalRequest{
		ID:        NewID(),
		Timestamp: NowUnix(),
		Command:   command,
		Tool:      tool,
		Session:   session,
	}

	if matchesList(command, m.policy.Denylist) {
		req.Result, req.Reason, req.ApprovedBy = Denied, "denylist", "auto"
		m.audit(req)
		return req
	}
	if pattern := m.matchDangerous(command); pattern != "" {
		m.logger.Warn("dangerous pattern matched", "command", command, "pattern", pattern)
		if m.policy.EnforceDangerous {
			req.Result, req.Reason, req.ApprovedBy = Denied, "dangerous: "+pattern, "auto"
			m.audit(req)
			return req
		}
	}
	if matchesList(command, m.policy.Allowlist) {
		req.Result, req.Reason, req.ApprovedBy = Approved, "allowlist", "allowlist"
		m.audit(req)
		return req
	}
	if m.policy.AutoApproveReadOnly && !hasWriteIndicator(command) {
		req.Result, req.Reason, req.ApprovedBy = Approved, "read-only", "auto"
		m.audit(req)
		return req
	}

	switch m.policy.Default {
	case PolicyAllow:
		req.Result, req.Reason, req.ApprovedBy = Approved, "default policy", "auto"
	case PolicyDeny:
		req.Result, req.Reason, req.ApprovedBy = Denied, "default policy", "auto"
	default: // ASK
		if m.callback == nil {
			req.Result, req.Reason, req.ApprovedBy = Denied, "no approval callback registered", "auto"
			break
		}
		req.Result = Pending
		decision, err := m.callback(ctx, req)
		if err != nil {
			req.Result, req.Reason, req.ApprovedBy = Timeout, err.Error(), "user"
			break
		}
		req.Result, req.Reason, req.ApprovedBy = decision, "user decision", "user"
	}
	m.audit(req)
	return req
}

// Stats returns decision counts by result and by tool.
func (m *ApprovalManager) Stats() (byResult map[ApprovalDecision]int, byTool map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byResult = make(map[ApprovalDecision]int, len(m.byResult))
	for k, v := range m.byResult {
		byResult[k] = v
	}
	byTool = make(map[string]int, len(m.byTool))
	for k, v := range m.byTool {
		byTool[k] = v
	}
	return byResult, byTool
}

// audit appends one JSON line. Append-only line-buffered writes are
// crash-safe without explicit fsync.
func (m *ApprovalManager) audit(req ApprovalRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byResult[req.Result]++
	m.byTool[req.Tool]++

	if m.auditPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.auditPath), 0o755); err != nil {
		m.logger.Error("audit dir", "error", err)
		return
	}
	f, err := os.OpenFile(m.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Error("audit open", "error", err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(req)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "%s\n", line)
}

func (m *ApprovalManager) matchDangerous(command string) string {
	for _, re := range m.dangerous {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}

// matchesList matches the command's base word or its first two tokens
// against entries ("ls", "git status").
func matchesList(command string, list []string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	base := fields[0]
	var firstTwo string
	if len(fields) > 1 {
		firstTwo = fields[0] + " " + fields[1]
	}
	for _, entry := range list {
		if entry == base || (firstTwo != "" && entry == firstTwo) {
			return true
		}
	}
	return false
}

func hasWriteIndicator(command string) bool {
	lower := strings.ToLower(command)
	for _, ind := range writeIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}
