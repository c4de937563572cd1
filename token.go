package substrate

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// imageTokens is the flat cost charged per image part.
const imageTokens = 85

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoder returns the cl100k_base BPE, or nil when the encoding data is
// unavailable (offline first run). Callers fall back to the heuristic.
func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// EstimateTokens counts tokens in text with the cl100k_base BPE when
// available, else ceil(len/4).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// EstimateMessageTokens counts a message's content, tool-call payloads,
// and image parts (fixed cost each).
func EstimateMessageTokens(m ChatMessage) int {
	n := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name)
		n += EstimateTokens(string(tc.Args))
	}
	n += len(m.Images) * imageTokens
	return n
}

// EstimateConversationTokens sums EstimateMessageTokens over messages.
func EstimateConversationTokens(messages []ChatMessage) int {
	var n int
	for _, m := range messages {
		n += EstimateMessageTokens(m)
	}
	return n
}
