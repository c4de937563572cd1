package resolve

import "testing"

func TestResolveKnownModels(t *testing.T) {
	info := Resolve("gemini-2.5-flash")
	if info.Provider != "google" {
		t.Errorf("provider = %q, want google", info.Provider)
	}
	if info.AuthEnv != "GEMINI_API_KEY" {
		t.Errorf("auth env = %q", info.AuthEnv)
	}
}

func TestResolvePatterns(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-sonnet-4-5-20250929", "anthropic"},
		{"anthropic/claude-3-7-sonnet", "anthropic"},
		{"gemini-3.0-pro", "google"},
		{"gemma2-9b", "google"},
		{"grok-5", "xai"},
		{"gpt-6-turbo", "openai"},
		{"o1-preview", "openai"},
		{"o3", "openai"},
		{"llama3.3:70b", "ollama"},
		{"mistral-small", "ollama"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.model).Provider; got != tt.provider {
			t.Errorf("Resolve(%q).Provider = %q, want %q", tt.model, got, tt.provider)
		}
	}
}

func TestResolveAnthropicVersion(t *testing.T) {
	info := Resolve("claude-opus-4-1")
	if info.AnthropicVersion == "" {
		t.Error("anthropic models must carry a version header")
	}
	if Resolve("gpt-4o").AnthropicVersion != "" {
		t.Error("non-anthropic models must not carry a version header")
	}
}

func TestResolveOllamaFallback(t *testing.T) {
	info := Resolve("some-unknown-model")
	if info.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", info.Provider)
	}
	if info.RemoteModel != "some-unknown-model" {
		t.Errorf("remote model = %q", info.RemoteModel)
	}
	if info.AuthEnv != "" {
		t.Error("local models need no auth env")
	}
}
