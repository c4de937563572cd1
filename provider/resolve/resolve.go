// Package resolve maps model names to providers.
//
// Resolution order: exact match in the known-models table, then pattern
// match on the name, then fallback to a local Ollama server.
package resolve

import (
	"os"
	"strings"

	"github.com/substratehq/substrate"
	"github.com/substratehq/substrate/provider/anthropic"
	"github.com/substratehq/substrate/provider/gemini"
	"github.com/substratehq/substrate/provider/ollama"
	"github.com/substratehq/substrate/provider/openaicompat"
)

// ModelInfo is the resolved wire metadata for a model name.
type ModelInfo struct {
	Provider         string // "anthropic", "google", "xai", "openai", "ollama"
	Endpoint         string // API base URL; empty means the provider default
	RemoteModel      string // model name sent on the wire
	AuthEnv          string // environment variable holding the API key
	AnthropicVersion string // anthropic-version header, when it matters
}

const anthropicVersion = "2023-06-01"

// knownModels is the exact-match table. Pattern matching in Resolve covers
// the long tail; entries here exist for names the patterns would misroute
// or where the wire name differs from the user-facing one.
var knownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":  {Provider: "anthropic", RemoteModel: "claude-sonnet-4-5", AuthEnv: "ANTHROPIC_API_KEY", AnthropicVersion: anthropicVersion},
	"claude-opus-4-1":    {Provider: "anthropic", RemoteModel: "claude-opus-4-1", AuthEnv: "ANTHROPIC_API_KEY", AnthropicVersion: anthropicVersion},
	"claude-haiku-4-5":   {Provider: "anthropic", RemoteModel: "claude-haiku-4-5", AuthEnv: "ANTHROPIC_API_KEY", AnthropicVersion: anthropicVersion},
	"gemini-2.5-pro":     {Provider: "google", RemoteModel: "gemini-2.5-pro", AuthEnv: "GEMINI_API_KEY"},
	"gemini-2.5-flash":   {Provider: "google", RemoteModel: "gemini-2.5-flash", AuthEnv: "GEMINI_API_KEY"},
	"grok-4":             {Provider: "xai", Endpoint: "https://api.x.ai/v1", RemoteModel: "grok-4", AuthEnv: "XAI_API_KEY"},
	"grok-4-fast":        {Provider: "xai", Endpoint: "https://api.x.ai/v1", RemoteModel: "grok-4-fast", AuthEnv: "XAI_API_KEY"},
	"gpt-5":              {Provider: "openai", Endpoint: "https://api.openai.com/v1", RemoteModel: "gpt-5", AuthEnv: "OPENAI_API_KEY"},
	"gpt-5-mini":         {Provider: "openai", Endpoint: "https://api.openai.com/v1", RemoteModel: "gpt-5-mini", AuthEnv: "OPENAI_API_KEY"},
	"gpt-4o":             {Provider: "openai", Endpoint: "https://api.openai.com/v1", RemoteModel: "gpt-4o", AuthEnv: "OPENAI_API_KEY"},
	"o3":                 {Provider: "openai", Endpoint: "https://api.openai.com/v1", RemoteModel: "o3", AuthEnv: "OPENAI_API_KEY"},
	"gemma3-local":       {Provider: "ollama", RemoteModel: "gemma3"},
	"qwen3-local":        {Provider: "ollama", RemoteModel: "qwen3"},
}

// Resolve maps a model name to its wire metadata. It never fails: a name
// no table entry or pattern claims resolves to local Ollama.
func Resolve(model string) ModelInfo {
	if info, ok := knownModels[model]; ok {
		return info
	}

	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude") || strings.HasPrefix(m, "anthropic"):
		return ModelInfo{Provider: "anthropic", RemoteModel: model, AuthEnv: "ANTHROPIC_API_KEY", AnthropicVersion: anthropicVersion}
	case strings.HasPrefix(m, "gemini") || strings.HasPrefix(m, "gemma"):
		return ModelInfo{Provider: "google", RemoteModel: model, AuthEnv: "GEMINI_API_KEY"}
	case strings.HasPrefix(m, "grok") || strings.HasPrefix(m, "xai"):
		return ModelInfo{Provider: "xai", Endpoint: "https://api.x.ai/v1", RemoteModel: model, AuthEnv: "XAI_API_KEY"}
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1-"), strings.HasPrefix(m, "o3-"), strings.HasPrefix(m, "o4-"), m == "o1", m == "o3", m == "o4":
		return ModelInfo{Provider: "openai", Endpoint: "https://api.openai.com/v1", RemoteModel: model, AuthEnv: "OPENAI_API_KEY"}
	}

	return ModelInfo{Provider: "ollama", RemoteModel: model}
}

// Config supplies credentials and endpoint overrides for Provider.
type Config struct {
	// APIKeys maps provider name ("anthropic", "google", ...) to key.
	// A missing entry falls back to the model's AuthEnv variable.
	APIKeys map[string]string
	// OllamaURL overrides the local Ollama base URL.
	OllamaURL string
}

// Provider constructs a substrate.Provider for the model name. The returned
// provider speaks the wire protocol Resolve picked; credentials come from
// cfg.APIKeys or the environment.
func Provider(model string, cfg Config) (substrate.Provider, error) {
	info := Resolve(model)
	key := cfg.APIKeys[info.Provider]
	if key == "" && info.AuthEnv != "" {
		key = os.Getenv(info.AuthEnv)
	}

	switch info.Provider {
	case "anthropic":
		return anthropic.New(key, info.RemoteModel, anthropic.WithVersion(info.AnthropicVersion)), nil
	case "google":
		return gemini.New(key, info.RemoteModel), nil
	case "xai":
		return openaicompat.NewProvider(key, info.RemoteModel, info.Endpoint, openaicompat.WithName("xai")), nil
	case "openai":
		return openaicompat.NewProvider(key, info.RemoteModel, info.Endpoint, openaicompat.WithName("openai")), nil
	case "ollama":
		return ollama.New(info.RemoteModel, cfg.OllamaURL), nil
	}
	// Resolve only emits the five providers above.
	return nil, substrate.ErrNoProvider
}
