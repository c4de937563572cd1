package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Summarizer condenses dropped conversation text. instructions and previous
// may be empty. Returning an error (or empty output) makes the compactor
// degrade to its basic text summary.
type Summarizer func(ctx context.Context, text, instructions, previous string) (string, error)

// CompactStats reports what one compaction pass did.
type CompactStats struct {
	InputTokens   int
	OutputTokens  int
	DroppedCount  int
	Summarized    bool
	SummaryTokens int
}

// Compactor reduces a conversation to a token budget. System messages are
// always preserved at the front and the last PreserveRecent messages are
// kept verbatim; only the older middle is dropped and summarized.
type Compactor struct {
	// PreserveRecent is the number of trailing messages kept verbatim (default 10).
	PreserveRecent int
	// ContextWindow is the provider's context size, used for adaptive
	// chunk sizing during staged summarization.
	ContextWindow int
	// Summarize, when set, produces an LLM summary of dropped messages.
	// When nil a basic text summary is prepended instead.
	Summarize Summarizer
	// Parts is the number of staged summarization splits (default 2).
	Parts int
	// MergeInstructions overrides the default merge prompt for staged
	// summaries.
	MergeInstructions string

	Logger *slog.Logger
}

const defaultMergeInstructions = "Merge these partial summaries into one. " +
	"Preserve decisions, TODOs, open questions, and constraints."

const summaryHeader = "[Summary of earlier conversation]\n"

func (c *Compactor) preserveRecent() int {
	if c.PreserveRecent > 0 {
		return c.PreserveRecent
	}
	return 10
}

func (c *Compactor) parts() int {
	if c.Parts > 0 {
		return c.Parts
	}
	return 2
}

func (c *Compactor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return nopLogger
}

// Compact returns messages reduced to at most maxTokens. Idempotent when
// already under budget. The result always starts with every input system
// message and ends with the input's last PreserveRecent messages unchanged.
func (c *Compactor) Compact(ctx context.Context, messages []ChatMessage, maxTokens int) ([]ChatMessage, CompactStats) {
	stats := CompactStats{InputTokens: EstimateConversationTokens(messages)}
	if stats.InputTokens <= maxTokens {
		stats.OutputTokens = stats.InputTokens
		return messages, stats
	}

	keep := c.preserveRecent()
	if keep > len(messages) {
		keep = len(messages)
	}
	recent := messages[len(messages)-keep:]
	head := messages[:len(messages)-keep]

	// All system messages survive, wherever they sat in the prefix.
	var systems, middle []ChatMessage
	for _, m := range head {
		if m.Role == "system" {
			systems = append(systems, m)
		} else {
			middle = append(middle, m)
		}
	}

	fixed := EstimateConversationTokens(systems) + EstimateConversationTokens(recent)
	budget := maxTokens - fixed
	// Reserve room for the synthetic summary message.
	budget -= budget / 10

	kept, dropped := pruneToBudget(middle, budget)
	stats.DroppedCount = len(dropped)

	out := make([]ChatMessage, 0, len(systems)+1+len(kept)+len(recent))
	out = append(out, systems...)
	if len(dropped) > 0 {
		summary := c.summarizeDropped(ctx, dropped)
		if summary != "" {
			out = append(out, SystemMessage(summaryHeader+summary))
			stats.Summarized = c.Summarize != nil
			stats.SummaryTokens = EstimateTokens(summary)
		}
	}
	out = append(out, kept...)
	out = append(out, recent...)
	stats.OutputTokens = EstimateConversationTokens(out)
	c.logger().Debug("compacted conversation",
		"input_tokens", stats.InputTokens,
		"output_tokens", stats.OutputTokens,
		"dropped", stats.DroppedCount)
	return out, stats
}

// EmergencyTruncate keeps only the system messages and the last two
// non-system messages. Used when compaction alone cannot fit the budget.
func EmergencyTruncate(messages []ChatMessage) []ChatMessage {
	var systems, rest []ChatMessage
	for _, m := range messages {
		if m.Role == "system" {
			systems = append(systems, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > 2 {
		rest = rest[len(rest)-2:]
	}
	return append(systems, rest...)
}

// pruneToBudget repeatedly splits msgs into roughly equal-token chunks and
// drops the oldest chunk until the remainder fits budget. Returns the kept
// suffix and the dropped prefix.
func pruneToBudget(msgs []ChatMessage, budget int) (kept, dropped []ChatMessage) {
	kept = msgs
	for len(kept) > 0 && EstimateConversationTokens(kept) > budget {
		boundary := chunkBoundary(kept, 4)
		if boundary == 0 {
			boundary = 1
		}
		dropped = append(dropped, kept[:boundary]...)
		kept = kept[boundary:]
	}
	return kept, dropped
}

// chunkBoundary returns the index after the first of k roughly equal-token
// chunks of msgs.
func chunkBoundary(msgs []ChatMessage, k int) int {
	total := EstimateConversationTokens(msgs)
	target := total / k
	var acc int
	for i, m := range msgs {
		acc += EstimateMessageTokens(m)
		if acc >= target {
			return i + 1
		}
	}
	return len(msgs)
}

// summarizeDropped produces the summary text for the dropped prefix, via
// staged LLM summarization when a Summarizer is configured, else via the
// basic text summary.
func (c *Compactor) summarizeDropped(ctx context.Context, dropped []ChatMessage) string {
	if c.Summarize == nil {
		return basicSummary(dropped)
	}
	summary, err := c.stagedSummary(ctx, dropped)
	if err != nil {
		c.logger().Warn("staged summarization failed, excluding oversized messages", "error", err)
		// Progressive fallback: drop individually oversized messages and
		// note their omission.
		trimmed, omitted := excludeOversized(dropped, c.ContextWindow/2)
		if omitted > 0 {
			summary, err = c.stagedSummary(ctx, trimmed)
			if err == nil {
				return fmt.Sprintf("%s\n(%d oversized messages omitted from this summary)", summary, omitted)
			}
		}
		c.logger().Warn("summarization failed, using basic summary", "error", err)
		return basicSummary(dropped)
	}
	return summary
}

// stagedSummary splits dropped into Parts by token share and summarizes
// each part with the running summary as prior context, merging at the end.
func (c *Compactor) stagedSummary(ctx context.Context, dropped []ChatMessage) (string, error) {
	text := renderForSummary(dropped, c.chunkLimit())
	parts := splitByTokens(text, c.parts())

	var partials []string
	var running string
	for _, part := range parts {
		s, err := c.Summarize(ctx, part, "", running)
		if err != nil {
			return "", err
		}
		if s == "" {
			continue
		}
		partials = append(partials, s)
		running = s
	}
	switch len(partials) {
	case 0:
		return "", fmt.Errorf("summarizer produced no output")
	case 1:
		return partials[0], nil
	}
	instructions := c.MergeInstructions
	if instructions == "" {
		instructions = defaultMergeInstructions
	}
	merged, err := c.Summarize(ctx, strings.Join(partials, "\n\n---\n\n"), instructions, "")
	if err != nil || merged == "" {
		// The partials individually succeeded; join them rather than fail.
		return strings.Join(partials, "\n"), nil
	}
	return merged, nil
}

// chunkLimit returns the per-message render cap for summarization input.
// Adaptive: between 15% and 40% of the context window.
func (c *Compactor) chunkLimit() int {
	if c.ContextWindow <= 0 {
		return 8000
	}
	floor := c.ContextWindow * 15 / 100
	ceil := c.ContextWindow * 40 / 100
	limit := c.ContextWindow / 4
	if limit < floor {
		limit = floor
	}
	if limit > ceil {
		limit = ceil
	}
	return limit
}

// excludeOversized removes messages whose token count exceeds limit.
func excludeOversized(msgs []ChatMessage, limit int) ([]ChatMessage, int) {
	if limit <= 0 {
		return msgs, 0
	}
	var out []ChatMessage
	var omitted int
	for _, m := range msgs {
		if EstimateMessageTokens(m) > limit {
			omitted++
			continue
		}
		out = append(out, m)
	}
	return out, omitted
}

// renderForSummary flattens messages to "role: content" lines, truncating
// each message to capTokens worth of text.
func renderForSummary(msgs []ChatMessage, capTokens int) string {
	capChars := capTokens * 4
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if capChars > 0 && len(content) > capChars {
			content = content[:capChars] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "  [called %s]\n", tc.Name)
		}
	}
	return b.String()
}

// splitByTokens divides text into k parts of roughly equal token share,
// splitting on line boundaries.
func splitByTokens(text string, k int) []string {
	if k <= 1 {
		return []string{text}
	}
	lines := strings.SplitAfter(text, "\n")
	total := EstimateTokens(text)
	target := total / k

	var parts []string
	var cur strings.Builder
	var acc int
	for _, line := range lines {
		cur.WriteString(line)
		acc += EstimateTokens(line)
		if acc >= target && len(parts) < k-1 {
			parts = append(parts, cur.String())
			cur.Reset()
			acc = 0
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// basicSummary is the no-LLM fallback: the last 8 dropped messages as
// "role: first 200 chars" lines.
func basicSummary(dropped []ChatMessage) string {
	start := 0
	if len(dropped) > 8 {
		start = len(dropped) - 8
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d earlier messages were dropped. Most recent:\n", len(dropped))
	for _, m := range dropped[start:] {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "…"
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.Role, content)
	}
	return b.String()
}
