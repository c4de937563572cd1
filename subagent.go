package substrate

import (
	"context"
	"fmt"
	"log/slog"
)

// defaultSubagentLimit caps concurrently running subagents.
const defaultSubagentLimit = 3

// SubagentResult is the outcome of one spawned subagent run.
type SubagentResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	SessionKey string `json:"session_key"`
}

// SubagentTask is a handle to an in-flight subagent run.
type SubagentTask struct {
	SessionKey string

	done   chan struct{}
	result SubagentResult
}

// Wait blocks until the subagent finishes or ctx is cancelled.
func (t *SubagentTask) Wait(ctx context.Context) SubagentResult {
	select {
	case <-t.done:
		return t.result
	case <-ctx.Done():
		return SubagentResult{
			Error:      ctx.Err().Error(),
			SessionKey: t.SessionKey,
		}
	}
}

// SubagentPool spawns focused subagents against isolated sessions. Each
// subagent shares the parent's tool registry and router but starts from
// a fresh message list; the parent session is never touched.
type SubagentPool struct {
	agent  *Agent
	sem    chan struct{}
	logger *slog.Logger
}

// SubagentOption configures a SubagentPool.
type SubagentOption func(*SubagentPool)

// WithSubagentLimit overrides the concurrency cap. Default: 3.
func WithSubagentLimit(n int) SubagentOption {
	return func(p *SubagentPool) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithSubagentLogger sets the logger. Default: discard.
func WithSubagentLogger(l *slog.Logger) SubagentOption {
	return func(p *SubagentPool) { p.logger = l }
}

// NewSubagentPool creates a pool driving the given agent.
func NewSubagentPool(agent *Agent, opts ...SubagentOption) *SubagentPool {
	p := &SubagentPool{
		agent:  agent,
		sem:    make(chan struct{}, defaultSubagentLimit),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spawn starts a subagent named name with the given task message. model
// may be empty to use the parent agent's model. The run begins once a
// pool slot frees up; use the returned task's Wait to collect the result.
func (p *SubagentPool) Spawn(ctx context.Context, name, message, model string) *SubagentTask {
	session := p.agent.sessions.NewIsolated("sub-" + name)
	session.Append(SystemMessage(subagentPrompt(name)))

	task := &SubagentTask{
		SessionKey: session.Key,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(task.done)

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			task.result = SubagentResult{Error: ctx.Err().Error(), SessionKey: session.Key}
			return
		}

		p.logger.Info("subagent started", "name", name, "session", session.Key)
		result, err := p.agent.RunModel(ctx, session.Key, message, model)
		if err != nil {
			p.logger.Warn("subagent failed", "name", name, "error", err)
			task.result = SubagentResult{Error: err.Error(), SessionKey: session.Key}
			return
		}
		task.result = SubagentResult{
			Success:    true,
			Output:     result.Output,
			SessionKey: session.Key,
		}
		p.logger.Info("subagent finished", "name", name, "rounds", result.Rounds)
	}()

	return task
}

func subagentPrompt(name string) string {
	return fmt.Sprintf("You are %q, a focused sub-agent. Complete the task you are given directly, using tools as needed, and report the outcome concisely. Do not ask questions or wait for input.", name)
}
