package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- agent loop ---

const (
	// DefaultMaxRounds bounds the tool-calling loop.
	DefaultMaxRounds = 50

	// maxParallelTools caps the worker pool for read-only tool calls.
	maxParallelTools = 4

	// maxOverflowRetries bounds context-overflow recovery per round.
	maxOverflowRetries = 2

	// maxFormatRetries bounds drop-and-reassess recovery before the
	// context is rebuilt from scratch.
	maxFormatRetries = 2

	// lessonMinToolCalls is the tool-call threshold for background
	// lesson extraction.
	lessonMinToolCalls = 3
)

// AgentResult is the outcome of one Agent.Run.
type AgentResult struct {
	Output   string
	Thinking string
	Usage    Usage
	Rounds   int
	// Interrupted reports that the loop exited on the interrupt flag
	// with state persisted for continue.
	Interrupted bool
}

// Agent drives the tool-calling loop: provider calls, tool execution,
// compaction, error recovery, approval gating, and task persistence.
type Agent struct {
	router    *Router
	registry  *ToolRegistry
	sessions  *SessionManager
	approvals *ApprovalManager
	compactor *Compactor
	lessons   *LessonStore

	model         string
	maxRounds     int
	autoExecute   bool
	contextWindow int
	systemPrompt  string
	taskPath      string

	logger *slog.Logger
	tracer Tracer
	busy   atomic.Int32
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithModel sets the model name passed to the router.
func WithModel(model string) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithMaxRounds overrides the round bound. Default: 50.
func WithMaxRounds(n int) AgentOption {
	return func(a *Agent) { a.maxRounds = n }
}

// WithAutoExecute enables auto-execution: read-only calls run in
// parallel and mutating calls go through the approval gate instead of
// suspending the loop.
func WithAutoExecute(on bool) AgentOption {
	return func(a *Agent) { a.autoExecute = on }
}

// WithContextWindow sets the token window compaction works against.
func WithContextWindow(tokens int) AgentOption {
	return func(a *Agent) { a.contextWindow = tokens }
}

// WithSystemPrompt sets the prompt injected at the head of fresh sessions.
func WithSystemPrompt(p string) AgentOption {
	return func(a *Agent) { a.systemPrompt = p }
}

// WithApprovals wires the approval gate for mutating commands.
func WithApprovals(m *ApprovalManager) AgentOption {
	return func(a *Agent) { a.approvals = m }
}

// WithCompactor wires the context compactor.
func WithCompactor(c *Compactor) AgentOption {
	return func(a *Agent) { a.compactor = c }
}

// WithLessons wires the lesson store for background extraction.
func WithLessons(s *LessonStore) AgentOption {
	return func(a *Agent) { a.lessons = s }
}

// WithTaskStatePath sets where resumable state is persisted.
// Default: data/task_state.json.
func WithTaskStatePath(path string) AgentOption {
	return func(a *Agent) { a.taskPath = path }
}

// WithAgentLogger sets the logger. Default: discard.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithAgentTracer enables span emission around rounds and tool calls.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// NewAgent creates an Agent over a router, tool registry, and session
// manager.
func NewAgent(router *Router, registry *ToolRegistry, sessions *SessionManager, opts ...AgentOption) *Agent {
	a := &Agent{
		router:    router,
		registry:  registry,
		sessions:  sessions,
		maxRounds: DefaultMaxRounds,
		taskPath:  DefaultTaskStatePath,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsBusy reports whether a run is in flight. The circuits runner uses
// this to skip polls.
func (a *Agent) IsBusy() bool { return a.busy.Load() > 0 }

// Interrupt sets the interrupt flag on a session's running loop.
func (a *Agent) Interrupt(sessionKey string) {
	a.sessions.Get(sessionKey).Interrupt()
}

// Run processes one user message against a session and drives the loop
// to a final answer. Returns *ErrSuspended (as error) when a mutating
// call awaits approval in non-auto-execute mode.
func (a *Agent) Run(ctx context.Context, sessionKey, userText string) (AgentResult, error) {
	return a.RunModel(ctx, sessionKey, userText, a.model)
}

// RunModel is Run with a per-run model override (used by subagents).
func (a *Agent) RunModel(ctx context.Context, sessionKey, userText, model string) (AgentResult, error) {
	if strings.TrimSpace(userText) == "" {
		return AgentResult{}, ErrEmptyMessage
	}
	a.busy.Add(1)
	defer a.busy.Add(-1)

	session := a.sessions.Get(sessionKey)
	session.ClearInterrupt()

	if len(session.Messages()) == 0 && a.systemPrompt != "" {
		session.Append(SystemMessage(a.systemPrompt))
	}
	session.Append(UserMessage(userText))
	if session.Task() == "" {
		session.SetTask(userText)
	}

	if model == "" {
		model = a.model
	}
	return a.loop(ctx, session, loopState{round: session.Rounds(), model: model})
}

// loopState is the per-run state threaded through the loop and captured
// by suspend snapshots.
type loopState struct {
	round           int
	model           string
	usage           Usage
	thinking        string
	overflowRetries int
	formatRetries   int
	clarified       bool
}

func (a *Agent) loop(ctx context.Context, session *Session, st loopState) (AgentResult, error) {
	for st.round < a.maxRounds {
		if session.Interrupted() {
			return a.interruptExit(session, st)
		}

		a.maybeCompact(ctx, session)

		roundCtx := ctx
		var span Span
		if a.tracer != nil {
			roundCtx, span = a.tracer.Start(ctx, "agent.round",
				IntAttr("round", st.round),
				StringAttr("session", session.Key))
		}

		resp, err := a.router.Call(roundCtx, st.model,
			ChatRequest{Messages: session.Messages()},
			a.registry.AllDefinitions())
		if span != nil {
			span.End()
		}
		if err != nil {
			retry, rerr := a.recoverCallError(ctx, session, &st, err)
			if rerr != nil {
				return AgentResult{Usage: st.usage, Rounds: st.round}, rerr
			}
			if retry {
				continue
			}
		}

		st.usage.InputTokens += resp.Usage.InputTokens
		st.usage.OutputTokens += resp.Usage.OutputTokens
		st.overflowRetries = 0
		st.formatRetries = 0
		if resp.Thinking != "" {
			st.thinking = resp.Thinking
		}

		// No tool calls: final answer, unless round one is a refusal.
		if len(resp.ToolCalls) == 0 {
			if st.round == 0 && !st.clarified && len(session.ToolHistory()) == 0 && isRefusal(resp.Content) {
				a.logger.Info("round-one refusal, injecting clarification", "session", session.Key)
				session.Append(
					ChatMessage{Role: "assistant", Content: resp.Content, Metadata: resp.Metadata},
					UserMessage(a.clarification()),
				)
				st.clarified = true
				continue // does not count as a round
			}
			session.Append(ChatMessage{Role: "assistant", Content: resp.Content, Metadata: resp.Metadata})
			a.finish(session, st)
			return AgentResult{
				Output:   resp.Content,
				Thinking: st.thinking,
				Usage:    st.usage,
				Rounds:   st.round + 1,
			}, nil
		}

		// One assistant message carries the whole round's calls.
		session.Append(ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Metadata:  resp.Metadata,
		})

		if a.autoExecute && len(resp.ToolCalls) > 1 && a.allReadOnly(resp.ToolCalls) {
			failures := a.runParallel(ctx, session, resp.ToolCalls)
			a.noteFailures(session, failures)
			st.round++
			session.SetRounds(st.round)
			continue
		}

		return a.finishRound(ctx, session, st, resp.ToolCalls, nil)
	}

	return a.maxRoundExit(ctx, session, st)
}

// finishRound executes pending calls sequentially, appends the failure
// note, and re-enters the loop. Suspension resumes here with the calls
// that were still pending.
func (a *Agent) finishRound(ctx context.Context, session *Session, st loopState, calls []ToolCall, failures []string) (AgentResult, error) {
	for i, tc := range calls {
		if session.Interrupted() {
			return a.interruptExit(session, st)
		}

		if !a.registry.ReadOnlyCall(tc.Name, tc.Args) {
			if !a.autoExecute {
				return AgentResult{}, a.suspendAt(session, st, tc, calls[i+1:], failures)
			}
			if res, denied := a.gate(ctx, session, tc); denied {
				failures = a.appendResult(session, tc, res, failures)
				continue
			}
		}

		res := a.execute(ctx, session, tc)
		failures = a.appendResult(session, tc, res, failures)
	}

	a.noteFailures(session, failures)
	st.round++
	session.SetRounds(st.round)
	return a.loop(ctx, session, st)
}

// suspendAt persists full state and builds the resumable suspension for
// a mutating call in non-auto-execute mode.
func (a *Agent) suspendAt(session *Session, st loopState, tc ToolCall, remaining []ToolCall, failures []string) *ErrSuspended {
	snapshot := copyMessages(session.Messages())
	rest := append([]ToolCall(nil), remaining...)
	failSnap := append([]string(nil), failures...)
	stSnap := st

	a.persistTask(session, st)

	pending := PendingApproval{
		RequestID: NewID(),
		Tool:      tc.Name,
		Command:   commandFrom(tc.Args),
		Args:      tc.Args,
		Session:   session.Key,
	}
	a.logger.Info("loop suspended pending approval",
		"session", session.Key, "tool", tc.Name)

	return newSuspended(pending, func(rctx context.Context, approved bool) (AgentResult, error) {
		session.Replace(snapshot)
		var res ToolResult
		if approved {
			res = a.execute(rctx, session, tc)
		} else {
			res = ToolResult{Status: StatusDenied, Error: "denied by user"}
			session.RecordTool(ToolHistoryEntry{
				Tool:      tc.Name,
				Args:      tc.Args,
				Result:    res,
				Success:   false,
				Timestamp: NowUnix(),
			})
		}
		fails := a.appendResult(session, tc, res, failSnap)
		return a.finishRound(rctx, session, stSnap, rest, fails)
	})
}

// execute runs one call through the registry and records it on the
// session's tool history.
func (a *Agent) execute(ctx context.Context, session *Session, tc ToolCall) ToolResult {
	start := time.Now()
	res, err := a.registry.Execute(ctx, tc.Name, tc.Args, a.autoExecute)
	if err != nil {
		res = Fail(err.Error())
	}
	session.RecordTool(ToolHistoryEntry{
		Tool:         tc.Name,
		Args:         tc.Args,
		Result:       res,
		DurationMS:   time.Since(start).Milliseconds(),
		Success:      res.Status == StatusSuccess,
		AutoExecuted: a.autoExecute,
		Timestamp:    NowUnix(),
	})
	return res
}

// gate routes approval-requiring calls through the approval manager.
// Returns (denied result, true) when the call must not run.
func (a *Agent) gate(ctx context.Context, session *Session, tc ToolCall) (ToolResult, bool) {
	if a.approvals == nil {
		return ToolResult{}, false
	}
	def, ok := a.registry.Lookup(tc.Name)
	if !ok || (!def.RequiresApproval && !isCommandTool(tc.Name)) {
		return ToolResult{}, false
	}
	req := a.approvals.Check(ctx, commandFrom(tc.Args), tc.Name, session.Key)
	if req.Result == Approved {
		return ToolResult{}, false
	}
	return ToolResult{Status: StatusDenied, Error: req.Reason}, true
}

// appendResult shapes the observation, appends the tool-role message,
// and accumulates the failure note.
func (a *Agent) appendResult(session *Session, tc ToolCall, res ToolResult, failures []string) []string {
	session.Append(ToolResultMessage(tc.ID, tc.Name, Observation(tc.Name, tc.Args, res)))
	if res.Status == StatusError {
		failures = append(failures, tc.Name+": "+res.Error)
	}
	return failures
}

// noteFailures appends one compact system note so the model can self-heal.
func (a *Agent) noteFailures(session *Session, failures []string) {
	if len(failures) == 0 {
		return
	}
	session.Append(SystemMessage("Tool failures this round: " + strings.Join(failures, "; ")))
}

func (a *Agent) allReadOnly(calls []ToolCall) bool {
	for _, tc := range calls {
		if !a.registry.ReadOnlyCall(tc.Name, tc.Args) {
			return false
		}
	}
	return true
}

// runParallel executes read-only calls concurrently and appends results
// in the original call order.
func (a *Agent) runParallel(ctx context.Context, session *Session, calls []ToolCall) []string {
	type indexed struct {
		idx int
		res ToolResult
	}

	resultCh := make(chan indexed, len(calls))
	workCh := make(chan int, len(calls))
	for i := range calls {
		workCh <- i
	}
	close(workCh)

	workers := min(len(calls), maxParallelTools)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexed{i, Fail(ctx.Err().Error())}
					continue
				}
				resultCh <- indexed{i, a.safeExecute(ctx, session, calls[i])}
			}
		}()
	}
	wg.Wait()
	close(resultCh)

	results := make([]ToolResult, len(calls))
	for r := range resultCh {
		results[r.idx] = r.res
	}

	var failures []string
	for i, tc := range calls {
		failures = a.appendResult(session, tc, results[i], failures)
	}
	return failures
}

// safeExecute converts a tool panic into an error result instead of
// crashing the loop.
func (a *Agent) safeExecute(ctx context.Context, session *Session, tc ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Sprintf("tool %q panic: %v", tc.Name, p))
		}
	}()
	return a.execute(ctx, session, tc)
}

// --- error recovery ---

// recoverCallError handles the two loop-owned error classes. Returns
// (true, nil) to retry the round, (false, err) to abort.
func (a *Agent) recoverCallError(ctx context.Context, session *Session, st *loopState, err error) (bool, error) {
	switch Classify(err) {
	case ClassContextOverflow:
		st.overflowRetries++
		if st.overflowRetries > maxOverflowRetries {
			return false, fmt.Errorf("context overflow not recoverable: %w", err)
		}
		a.forceCompact(ctx, session, st.overflowRetries)
		return true, nil

	case ClassFormatError:
		st.formatRetries++
		if st.formatRetries > maxFormatRetries {
			a.rebuildContext(session)
			st.formatRetries = 0
			return true, nil
		}
		a.dropTrailingAssistant(session)
		session.Append(SystemMessage("The previous response could not be parsed. Reassess the situation and try a simpler approach."))
		return true, nil
	}
	return false, err
}

// forceCompact shrinks the conversation after a provider-side overflow.
// The first attempt compacts to half the window; the second emergency-
// truncates to system messages plus the last two non-system messages.
func (a *Agent) forceCompact(ctx context.Context, session *Session, attempt int) {
	messages := session.Messages()
	if a.compactor != nil && attempt == 1 {
		budget := a.window() / 2
		compacted, stats := a.compactor.Compact(ctx, messages, budget)
		if stats.DroppedCount > 0 {
			a.logger.Warn("context overflow, force-compacted",
				"session", session.Key, "dropped", stats.DroppedCount)
			session.Replace(compacted)
			return
		}
	}
	a.logger.Warn("context overflow, emergency truncation", "session", session.Key)
	session.Replace(EmergencyTruncate(messages))
}

// dropTrailingAssistant removes assistant messages (and their dangling
// tool results) from the tail after a format error.
func (a *Agent) dropTrailingAssistant(session *Session) {
	messages := session.Messages()
	n := len(messages)
	for n > 0 {
		role := messages[n-1].Role
		if role != "assistant" && role != "tool" {
			break
		}
		n--
	}
	if n < len(messages) {
		session.Replace(messages[:n])
	}
}

// rebuildContext starts over from a minimal recovery context: the
// original task, a compact log of what was already tried, and an
// instruction to find a simpler path.
func (a *Agent) rebuildContext(session *Session) {
	a.logger.Warn("repeated format errors, rebuilding context", "session", session.Key)

	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(session.Task())
	b.WriteString("\n\nPrevious attempts hit repeated formatting errors. Tool calls so far:\n")
	history := session.ToolHistory()
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range history {
		status := "ok"
		outcome := e.Result.Content
		if !e.Success {
			status = "failed"
			outcome = e.Result.Error
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Tool, status, truncate(outcome, 120))
	}
	b.WriteString("\nFind a simpler path to complete the task.")

	fresh := []ChatMessage{UserMessage(b.String())}
	if a.systemPrompt != "" {
		fresh = append([]ChatMessage{SystemMessage(a.systemPrompt)}, fresh...)
	}
	session.Replace(fresh)
}

// --- compaction ---

func (a *Agent) window() int {
	if a.contextWindow > 0 {
		return a.contextWindow
	}
	return 128_000
}

// maybeCompact runs the compactor when the conversation approaches the
// window (80% threshold).
func (a *Agent) maybeCompact(ctx context.Context, session *Session) {
	if a.compactor == nil {
		return
	}
	threshold := a.window() * 80 / 100
	messages := session.Messages()
	if EstimateConversationTokens(messages) <= threshold {
		return
	}
	compacted, stats := a.compactor.Compact(ctx, messages, threshold)
	if stats.DroppedCount > 0 {
		a.logger.Info("context compacted",
			"session", session.Key,
			"before_tokens", stats.InputTokens,
			"after_tokens", stats.OutputTokens,
			"dropped", stats.DroppedCount)
		session.Replace(compacted)
	}
}

// --- exits ---

// interruptExit saves resumable state and acknowledges the interrupt,
// naming the last attempted tool when there is one.
func (a *Agent) interruptExit(session *Session, st loopState) (AgentResult, error) {
	a.persistTask(session, st)
	a.logger.Info("loop interrupted", "session", session.Key, "round", st.round)
	out := "Interrupted. Progress saved; say \"continue\" to resume."
	if h := session.ToolHistory(); len(h) > 0 {
		out = fmt.Sprintf("Interrupted while running %s. Progress saved; say %q to resume.",
			h[len(h)-1].Tool, "continue")
	}
	return AgentResult{
		Output:      out,
		Usage:       st.usage,
		Rounds:      st.round,
		Interrupted: true,
	}, nil
}

// maxRoundExit forces a final synthesis and persists state for continue.
func (a *Agent) maxRoundExit(ctx context.Context, session *Session, st loopState) (AgentResult, error) {
	a.logger.Warn("max rounds reached, forcing synthesis",
		"session", session.Key, "rounds", st.round)
	a.persistTask(session, st)

	session.Append(UserMessage("You have used all available rounds. Summarize what you found and what remains to be done."))
	resp, err := a.router.Call(ctx, st.model, ChatRequest{Messages: session.Messages()}, nil)
	if err != nil {
		return AgentResult{Usage: st.usage, Rounds: st.round}, fmt.Errorf("%w: synthesis failed: %v", ErrMaxRounds, err)
	}
	st.usage.InputTokens += resp.Usage.InputTokens
	st.usage.OutputTokens += resp.Usage.OutputTokens
	session.Append(ChatMessage{Role: "assistant", Content: resp.Content, Metadata: resp.Metadata})

	return AgentResult{
		Output:   resp.Content,
		Thinking: st.thinking,
		Usage:    st.usage,
		Rounds:   st.round,
	}, nil
}

// finish clears persisted task state and kicks off background lesson
// extraction when enough was attempted.
func (a *Agent) finish(session *Session, st loopState) {
	session.SetRounds(0)
	if a.taskPath != "" {
		if err := ClearTaskState(a.taskPath); err != nil {
			a.logger.Warn("task state cleanup failed", "error", err)
		}
	}

	history := session.ToolHistory()
	if a.lessons != nil && len(history) >= lessonMinToolCalls {
		task := session.Task()
		go a.lessons.ExtractAsync(context.Background(), task, history)
	}
	session.SetTask("")
}

func (a *Agent) persistTask(session *Session, st loopState) {
	if a.taskPath == "" {
		return
	}
	state := TaskState{
		Task:        session.Task(),
		ToolHistory: session.ToolHistory(),
		RoundCount:  st.round,
		Model:       st.model,
	}
	if err := SaveTaskState(a.taskPath, state); err != nil {
		a.logger.Warn("task state persistence failed", "error", err)
	}
}

// --- helpers ---

// refusalMarkers flag a round-one answer that declines without trying.
var refusalMarkers = []string{
	"i can't",
	"i cannot",
	"i won't",
	"i don't have access",
	"i do not have access",
	"i'm unable",
	"i am unable",
	"as an ai",
}

func isRefusal(text string) bool {
	t := strings.ToLower(text)
	for _, marker := range refusalMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// clarification enumerates the registered tools so the model knows what
// it can actually do.
func (a *Agent) clarification() string {
	defs := a.registry.AllDefinitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return "You do have the means to act: you can call these tools directly: " +
		strings.Join(names, ", ") + ". Use them to make progress on the request."
}

// isCommandTool reports whether a tool executes shell commands and must
// pass the approval gate even in auto-execute mode.
func isCommandTool(name string) bool {
	return name == "bash" || name == "shell" ||
		strings.HasSuffix(name, "_bash") || strings.HasSuffix(name, "_shell")
}

// commandFrom extracts the command string from tool call args.
func commandFrom(args json.RawMessage) string {
	var params struct {
		Command string `json:"command"`
	}
	if json.Unmarshal(args, &params) == nil && params.Command != "" {
		return params.Command
	}
	return string(args)
}
