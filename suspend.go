package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// --- Suspend / Resume ---

// defaultSuspendTTL bounds how long a suspended loop's snapshot stays in
// memory awaiting a decision. When it elapses without Resume(), the
// snapshot is released and Resume() returns an error.
const defaultSuspendTTL = 30 * time.Minute

// PendingApproval describes the tool call a suspended loop is waiting on.
type PendingApproval struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Command   string          `json:"command,omitempty"`
	Args      json.RawMessage `json:"args"`
	Session   string          `json:"session"`
}

// ErrSuspended is returned by Agent.Run when a mutating tool call needs
// human approval and no approval callback is wired. Inspect Pending, then
// call Resume with the decision.
//
// The value holds a closure capturing the full conversation snapshot and
// the round's remaining tool calls. The snapshot is freed on Resume, on
// Release, or when the TTL expires.
type ErrSuspended struct {
	Pending PendingApproval

	mu       sync.Mutex
	resume   func(ctx context.Context, approved bool) (AgentResult, error)
	ttlTimer *time.Timer
}

func (e *ErrSuspended) Error() string {
	return fmt.Sprintf("suspended awaiting approval for tool %q", e.Pending.Tool)
}

// Resume continues the loop with the decision. Approved executes the
// pending call; denied injects a denial observation so the model can
// adjust. Single-use: a second call returns an error.
func (e *ErrSuspended) Resume(ctx context.Context, approved bool) (AgentResult, error) {
	e.mu.Lock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	fn := e.resume
	e.resume = nil
	e.mu.Unlock()

	if fn == nil {
		return AgentResult{}, fmt.Errorf("suspended state already resumed, released, or expired")
	}
	return fn(ctx, approved)
}

// Release frees the captured snapshot without resuming. Call when the
// approval window has passed. Safe to call multiple times.
func (e *ErrSuspended) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.resume = nil
}

// WithSuspendTTL overrides the automatic expiry (default 30 minutes).
func (e *ErrSuspended) WithSuspendTTL(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.ttlTimer = time.AfterFunc(d, func() {
		e.mu.Lock()
		e.resume = nil
		e.mu.Unlock()
	})
}

// newSuspended wires an ErrSuspended with its resume closure and the
// default TTL.
func newSuspended(pending PendingApproval, resume func(ctx context.Context, approved bool) (AgentResult, error)) *ErrSuspended {
	s := &ErrSuspended{Pending: pending, resume: resume}
	s.WithSuspendTTL(defaultSuspendTTL)
	return s
}

// copyMessages deep-copies a message slice so a suspended snapshot does
// not share backing arrays with the live session. ToolCall argument and
// metadata bytes are copied too.
func copyMessages(messages []ChatMessage) []ChatMessage {
	snapshot := make([]ChatMessage, len(messages))
	for i, m := range messages {
		snapshot[i] = m
		if len(m.ToolCalls) > 0 {
			snapshot[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				snapshot[i].ToolCalls[j] = tc
				if len(tc.Args) > 0 {
					snapshot[i].ToolCalls[j].Args = append(json.RawMessage(nil), tc.Args...)
				}
				if len(tc.Metadata) > 0 {
					snapshot[i].ToolCalls[j].Metadata = append(json.RawMessage(nil), tc.Metadata...)
				}
			}
		}
		if len(m.Images) > 0 {
			snapshot[i].Images = append([]ImageData(nil), m.Images...)
		}
		if len(m.Metadata) > 0 {
			snapshot[i].Metadata = append(json.RawMessage(nil), m.Metadata...)
		}
	}
	return snapshot
}
