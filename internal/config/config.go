// Package config loads runtime configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	Keys     KeysConfig     `toml:"remote_api_keys"`
	Circuits CircuitsConfig `toml:"circuits"`
	Approval ApprovalConfig `toml:"approval"`
	Database DatabaseConfig `toml:"database"`
	MCP      []MCPServer    `toml:"mcp_servers"`
	Observer ObserverConfig `toml:"observer"`
}

type AgentConfig struct {
	Model               string  `toml:"model"`
	VisionFallbackModel string  `toml:"vision_fallback_model"`
	Temperature         float64 `toml:"temperature"`
	MaxTokens           int     `toml:"max_tokens"`
	ContextWindowTokens int     `toml:"context_window_tokens"`
	MaxRounds           int     `toml:"max_rounds"`
	ToolsEnabled        bool    `toml:"tools_enabled"`
	ToolsAutoExecute    bool    `toml:"tools_auto_execute"`
	WorkspacePath       string  `toml:"workspace_path"`
	DataDir             string  `toml:"data_dir"`
	OllamaURL           string  `toml:"ollama_url"`
}

// KeysConfig maps provider name to API key. Values are redacted by
// Config.String.
type KeysConfig map[string]string

type CircuitsConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	ActiveStart     int  `toml:"active_start"`
	ActiveEnd       int  `toml:"active_end"`
}

type ApprovalConfig struct {
	Allowlist           []string `toml:"allowlist"`
	Denylist            []string `toml:"denylist"`
	AutoApproveReadOnly bool     `toml:"auto_approve_readonly"`
	EnforceDangerous    bool     `toml:"enforce_dangerous"`
	DefaultPolicy       string   `toml:"default_policy"` // ALLOW, DENY, ASK
}

type DatabaseConfig struct {
	// Path is the sqlite file for memory storage.
	Path string `toml:"path"`
	// PostgresURL switches memory storage to postgres when set.
	PostgresURL string `toml:"postgres_url"`
}

type MCPServer struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Model:               "claude-sonnet-4-5",
			VisionFallbackModel: "gemini-2.5-flash",
			ContextWindowTokens: 128_000,
			MaxRounds:           50,
			ToolsEnabled:        true,
			ToolsAutoExecute:    true,
			WorkspacePath:       ".",
			DataDir:             "data",
		},
		Keys: KeysConfig{},
		Circuits: CircuitsConfig{
			IntervalSeconds: 1800,
			ActiveStart:     -1,
			ActiveEnd:       -1,
		},
		Approval: ApprovalConfig{
			AutoApproveReadOnly: true,
			DefaultPolicy:       "ASK",
		},
		Database: DatabaseConfig{Path: "data/substrate.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "substrate.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("SUBSTRATE_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("SUBSTRATE_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}
	if v := os.Getenv("SUBSTRATE_OLLAMA_URL"); v != "" {
		cfg.Agent.OllamaURL = v
	}
	if v := os.Getenv("SUBSTRATE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("SUBSTRATE_CIRCUITS_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Circuits.IntervalSeconds = n
		}
	}
	if v := os.Getenv("SUBSTRATE_CIRCUITS_ENABLED"); v == "true" || v == "1" {
		cfg.Circuits.Enabled = true
	}
	if v := os.Getenv("SUBSTRATE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Provider keys come from the conventional env vars when the file
	// doesn't set them.
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"xai":       "XAI_API_KEY",
	}
	for provider, envVar := range envKeys {
		if cfg.Keys[provider] == "" {
			if v := os.Getenv(envVar); v != "" {
				cfg.Keys[provider] = v
			}
		}
	}

	return cfg
}

// String renders the config for logs with every API key redacted.
func (c Config) String() string {
	providers := make([]string, 0, len(c.Keys))
	for p := range c.Keys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for i, p := range providers {
		providers[i] = p + "=[redacted]"
	}
	return fmt.Sprintf(
		"model=%s vision_fallback=%s window=%d rounds=%d auto_execute=%t circuits=%t interval=%ds keys{%s}",
		c.Agent.Model, c.Agent.VisionFallbackModel, c.Agent.ContextWindowTokens,
		c.Agent.MaxRounds, c.Agent.ToolsAutoExecute,
		c.Circuits.Enabled, c.Circuits.IntervalSeconds,
		strings.Join(providers, " "),
	)
}
