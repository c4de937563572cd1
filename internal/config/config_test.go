package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxRounds != 50 {
		t.Errorf("max rounds = %d, want 50", cfg.Agent.MaxRounds)
	}
	if cfg.Circuits.IntervalSeconds != 1800 {
		t.Errorf("circuits interval = %d, want 1800", cfg.Circuits.IntervalSeconds)
	}
	if cfg.Approval.DefaultPolicy != "ASK" {
		t.Errorf("default policy = %q, want ASK", cfg.Approval.DefaultPolicy)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "substrate.toml")
	content := `
[agent]
model = "gemini-2.5-pro"
max_rounds = 10
tools_auto_execute = true

[remote_api_keys]
google = "secret-key"

[circuits]
enabled = true
interval_seconds = 60

[[mcp_servers]]
name = "docs"
command = "docs-server"
args = ["--stdio"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Agent.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxRounds != 10 {
		t.Errorf("max rounds = %d, want 10", cfg.Agent.MaxRounds)
	}
	if cfg.Keys["google"] != "secret-key" {
		t.Errorf("google key = %q", cfg.Keys["google"])
	}
	if !cfg.Circuits.Enabled || cfg.Circuits.IntervalSeconds != 60 {
		t.Errorf("circuits = %+v", cfg.Circuits)
	}
	if len(cfg.MCP) != 1 || cfg.MCP[0].Name != "docs" {
		t.Errorf("mcp servers = %+v", cfg.MCP)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SUBSTRATE_MODEL", "grok-4")
	t.Setenv("SUBSTRATE_CIRCUITS_INTERVAL", "300")

	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Agent.Model != "grok-4" {
		t.Errorf("model = %q, want env override", cfg.Agent.Model)
	}
	if cfg.Circuits.IntervalSeconds != 300 {
		t.Errorf("interval = %d, want 300", cfg.Circuits.IntervalSeconds)
	}
}

func TestStringRedactsKeys(t *testing.T) {
	cfg := Default()
	cfg.Keys["anthropic"] = "sk-ant-super-secret"

	s := cfg.String()
	if strings.Contains(s, "super-secret") {
		t.Fatalf("config string leaks key: %s", s)
	}
	if !strings.Contains(s, "anthropic=[redacted]") {
		t.Errorf("config string missing redacted marker: %s", s)
	}
}
