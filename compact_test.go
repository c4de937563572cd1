package substrate

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func conversation(n int) []ChatMessage {
	msgs := []ChatMessage{SystemMessage("You are a test agent. Follow instructions precisely.")}
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			UserMessage(fmt.Sprintf("question %d: %s", i, strings.Repeat("detail ", 30))),
			AssistantMessage(fmt.Sprintf("answer %d: %s", i, strings.Repeat("reasoning ", 30))),
		)
	}
	return msgs
}

func TestCompactUnderBudgetIsIdentity(t *testing.T) {
	c := &Compactor{}
	msgs := conversation(2)
	out, stats := c.Compact(context.Background(), msgs, 1_000_000)
	if len(out) != len(msgs) {
		t.Fatalf("len = %d, want %d", len(out), len(msgs))
	}
	if stats.DroppedCount != 0 {
		t.Errorf("DroppedCount = %d", stats.DroppedCount)
	}
	if stats.InputTokens != stats.OutputTokens {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCompactPreservesSystemsAndRecent(t *testing.T) {
	c := &Compactor{PreserveRecent: 10}
	msgs := conversation(30)
	budget := EstimateConversationTokens(msgs) / 3

	out, stats := c.Compact(context.Background(), msgs, budget)
	if stats.DroppedCount == 0 {
		t.Fatal("nothing dropped")
	}
	if stats.OutputTokens >= stats.InputTokens {
		t.Errorf("OutputTokens = %d did not shrink from %d", stats.OutputTokens, stats.InputTokens)
	}

	// The system message survives at the front.
	if out[0].Role != "system" || !strings.Contains(out[0].Content, "test agent") {
		t.Errorf("first message = %+v", out[0])
	}
	// The last 10 input messages survive verbatim at the tail.
	tail := out[len(out)-10:]
	wantTail := msgs[len(msgs)-10:]
	for i := range tail {
		if tail[i].Content != wantTail[i].Content {
			t.Errorf("tail[%d] changed: %q", i, tail[i].Content)
		}
	}
	// A summary of the dropped prefix is injected.
	var hasSummary bool
	for _, m := range out {
		if m.Role == "system" && strings.Contains(m.Content, "[Summary of earlier conversation]") {
			hasSummary = true
		}
	}
	if !hasSummary {
		t.Error("no summary message injected")
	}
	if stats.Summarized {
		t.Error("Summarized = true without a Summarizer")
	}
}

func TestCompactWithSummarizer(t *testing.T) {
	var summarizeCalls int
	c := &Compactor{
		PreserveRecent: 4,
		ContextWindow:  100_000,
		Summarize: func(_ context.Context, text, instructions, previous string) (string, error) {
			summarizeCalls++
			return fmt.Sprintf("summary pass %d", summarizeCalls), nil
		},
	}
	msgs := conversation(30)
	budget := EstimateConversationTokens(msgs) / 4

	out, stats := c.Compact(context.Background(), msgs, budget)
	if !stats.Summarized {
		t.Error("Summarized = false")
	}
	if summarizeCalls == 0 {
		t.Error("summarizer never called")
	}
	if stats.SummaryTokens == 0 {
		t.Error("SummaryTokens = 0")
	}
	var found bool
	for _, m := range out {
		if strings.Contains(m.Content, "summary pass") {
			found = true
		}
	}
	if !found {
		t.Error("summarizer output not injected")
	}
}

func TestCompactSummarizerFailureFallsBack(t *testing.T) {
	c := &Compactor{
		PreserveRecent: 4,
		Summarize: func(context.Context, string, string, string) (string, error) {
			return "", fmt.Errorf("model unavailable")
		},
	}
	msgs := conversation(20)
	budget := EstimateConversationTokens(msgs) / 4

	out, stats := c.Compact(context.Background(), msgs, budget)
	if stats.DroppedCount == 0 {
		t.Fatal("nothing dropped")
	}
	// Degrades to the basic text summary.
	var found bool
	for _, m := range out {
		if strings.Contains(m.Content, "earlier messages were dropped") {
			found = true
		}
	}
	if !found {
		t.Error("basic summary missing after summarizer failure")
	}
}

func TestEmergencyTruncate(t *testing.T) {
	msgs := []ChatMessage{
		SystemMessage("sys one"),
		UserMessage("u1"),
		AssistantMessage("a1"),
		SystemMessage("sys two"),
		UserMessage("u2"),
		AssistantMessage("a2"),
	}
	out := EmergencyTruncate(msgs)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[0].Content != "sys one" || out[1].Content != "sys two" {
		t.Errorf("systems not preserved: %+v", out[:2])
	}
	if out[2].Content != "u2" || out[3].Content != "a2" {
		t.Errorf("last two non-system not kept: %+v", out[2:])
	}
}

func TestBasicSummary(t *testing.T) {
	var msgs []ChatMessage
	for i := 0; i < 12; i++ {
		msgs = append(msgs, UserMessage(fmt.Sprintf("message %d", i)))
	}
	s := basicSummary(msgs)
	if !strings.Contains(s, "12 earlier messages were dropped") {
		t.Errorf("got %q", s)
	}
	if strings.Contains(s, "message 3") {
		t.Error("more than the last 8 messages rendered")
	}
	if !strings.Contains(s, "message 11") {
		t.Error("most recent message missing")
	}
}

func TestSplitByTokens(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta\n", 40)
	parts := splitByTokens(text, 3)
	if len(parts) < 2 || len(parts) > 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	if strings.Join(parts, "") != text {
		t.Error("parts do not reassemble the input")
	}
	if got := splitByTokens("tiny", 1); len(got) != 1 || got[0] != "tiny" {
		t.Errorf("k=1 should be identity: %q", got)
	}
}
