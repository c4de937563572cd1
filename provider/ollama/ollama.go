// Package ollama provides a local Ollama chat provider via the
// OpenAI-compatible /v1 endpoint.
package ollama

import (
	"strings"

	"github.com/substratehq/substrate/provider/openaicompat"
)

const defaultBaseURL = "http://localhost:11434"

// New creates a provider backed by a local Ollama server. baseURL may be
// empty to use http://localhost:11434. Vision is enabled only for models
// known to accept images.
func New(model, baseURL string) *openaicompat.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	return openaicompat.NewProvider("", model, baseURL,
		openaicompat.WithName("ollama"),
		openaicompat.WithVision(visionModel(model)),
	)
}

// visionModel reports whether a local model family handles images.
func visionModel(model string) bool {
	m := strings.ToLower(model)
	for _, fam := range []string{"llava", "vision", "moondream", "bakllava", "minicpm-v", "gemma3", "qwen2.5vl", "qwen3-vl"} {
		if strings.Contains(m, fam) {
			return true
		}
	}
	return false
}
