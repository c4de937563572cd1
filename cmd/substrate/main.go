// Command substrate runs the agent as an interactive terminal session:
// a provider router with fallback chains, the tool registry, the
// approval gate, the circuits background poller, and the event watcher,
// all wired from substrate.toml and environment variables.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/substratehq/substrate"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/mcp"
	"github.com/substratehq/substrate/observer"
	"github.com/substratehq/substrate/provider/resolve"
	"github.com/substratehq/substrate/store/postgres"
	"github.com/substratehq/substrate/store/sqlite"
	agenttool "github.com/substratehq/substrate/tools/agent"
	filetool "github.com/substratehq/substrate/tools/file"
	memorytool "github.com/substratehq/substrate/tools/memory"
	pdftool "github.com/substratehq/substrate/tools/pdf"
	shelltool "github.com/substratehq/substrate/tools/shell"
	webtool "github.com/substratehq/substrate/tools/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "substrate:", err)
		os.Exit(1)
	}
}

func run() error {
	serveMCP := flag.Bool("mcp-serve", false, "expose the tool registry over MCP stdio instead of running the REPL")
	flag.Parse()

	cfg := config.Load(os.Getenv("SUBSTRATE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability. Without OTEL env vars the exporters fail fast and we
	// run untraced.
	var inst *observer.Instruments
	var tracer substrate.Tracer
	if cfg.Observer.Enabled {
		i, shutdown, err := observer.Init(ctx, nil)
		if err != nil {
			logger.Warn("observer init failed, running untraced", "error", err)
		} else {
			inst = i
			tracer = observer.NewTracer()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	// Provider router.
	resolveCfg := resolve.Config{APIKeys: cfg.Keys, OllamaURL: cfg.Agent.OllamaURL}
	resolver := func(model string) (substrate.Provider, error) {
		p, err := resolve.Provider(model, resolveCfg)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			return observer.WrapProvider(p, model, inst), nil
		}
		return p, nil
	}
	router := substrate.NewRouter(resolver,
		substrate.WithVisionFallback(cfg.Agent.VisionFallbackModel),
		substrate.WithRouterLogger(logger),
		substrate.WithRouterTracer(tracer),
	)

	// Memory store.
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Tools.
	registry := substrate.NewToolRegistry()
	addTool := func(t substrate.Tool) {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		registry.Add(t)
	}
	if cfg.Agent.ToolsEnabled {
		addTool(shelltool.New(cfg.Agent.WorkspacePath, 30))
		addTool(filetool.New(cfg.Agent.WorkspacePath))
		addTool(pdftool.New(cfg.Agent.WorkspacePath))
		addTool(webtool.New(os.Getenv("BRAVE_API_KEY")))
		addTool(memorytool.New(store))
	}
	for _, srv := range cfg.MCP {
		client, err := mcp.Connect(ctx, srv.Name, srv.Command, srv.Args...)
		if err != nil {
			logger.Warn("mcp server unavailable", "name", srv.Name, "error", err)
			continue
		}
		defer client.Close()
		bridge, err := mcp.NewBridge(ctx, client)
		if err != nil {
			logger.Warn("mcp bridge failed", "name", srv.Name, "error", err)
			continue
		}
		addTool(bridge)
	}

	// Approval gate with a terminal prompt for ASK.
	approvals := substrate.NewApprovalManager(substrate.ApprovalPolicy{
		Allowlist:           cfg.Approval.Allowlist,
		Denylist:            cfg.Approval.Denylist,
		EnforceDangerous:    cfg.Approval.EnforceDangerous,
		AutoApproveReadOnly: cfg.Approval.AutoApproveReadOnly,
		Default:             substrate.DefaultPolicy(cfg.Approval.DefaultPolicy),
	},
		filepath.Join(cfg.Agent.DataDir, "exec_approvals.jsonl"),
		substrate.WithApprovalCallback(terminalApproval),
		substrate.WithApprovalLogger(logger),
	)

	// Context management and lessons.
	compactor := &substrate.Compactor{
		ContextWindow: cfg.Agent.ContextWindowTokens,
		Summarize:     routerSummarizer(router, cfg.Agent.Model),
		Logger:        logger,
	}
	lessons := substrate.NewLessonStore(
		filepath.Join(cfg.Agent.DataDir, "lessons.json"),
		substrate.WithLessonLogger(logger),
	)

	prompts := substrate.NewPromptLoader(cfg.Agent.WorkspacePath, logger)

	sessions := substrate.NewSessionManager()
	agent := substrate.NewAgent(router, registry, sessions,
		substrate.WithModel(cfg.Agent.Model),
		substrate.WithMaxRounds(cfg.Agent.MaxRounds),
		substrate.WithAutoExecute(cfg.Agent.ToolsAutoExecute),
		substrate.WithContextWindow(cfg.Agent.ContextWindowTokens),
		substrate.WithSystemPrompt(prompts.SystemPrompt()),
		substrate.WithApprovals(approvals),
		substrate.WithCompactor(compactor),
		substrate.WithLessons(lessons),
		substrate.WithTaskStatePath(filepath.Join(cfg.Agent.DataDir, "task_state.json")),
		substrate.WithAgentLogger(logger),
		substrate.WithAgentTracer(tracer),
	)

	// Subagents are a tool like any other.
	pool := substrate.NewSubagentPool(agent, substrate.WithSubagentLogger(logger))
	addTool(agenttool.New(pool))

	// MCP server mode: hand the registry to external clients over stdio
	// and skip the interactive surfaces entirely.
	if *serveMCP {
		srv := mcp.NewRegistryServer("substrate", "1.0.0", registry,
			mcp.WithServerLogger(logger))
		srv.AddResource(mcp.Resource{
			URI:         "substrate://prompts/system",
			Name:        "system-prompt",
			Description: "Composed agent system prompt",
			MimeType:    "text/markdown",
			Read:        prompts.SystemPrompt,
		})
		return srv.Serve(ctx)
	}

	// Circuits: autonomous polling plus the file event watcher.
	queue := substrate.NewEventQueue()
	if cfg.Circuits.Enabled {
		circuitsPrompt := prompts.CircuitsPrompt()
		circuitsRun := func(ctx context.Context, session, prompt string) (string, error) {
			res, err := agent.Run(ctx, session, prompt)
			if err != nil {
				return "", err
			}
			return res.Output, nil
		}
		sink := substrate.QuietSink(substrate.SinkFunc(func(_ context.Context, session, text string) error {
			fmt.Printf("\n[%s] %s\n> ", session, text)
			return nil
		}))
		opts := []substrate.CircuitsOption{
			substrate.WithCircuitsInterval(time.Duration(cfg.Circuits.IntervalSeconds) * time.Second),
			substrate.WithIsBusy(agent.IsBusy),
			substrate.WithCircuitsLogger(logger),
		}
		if cfg.Circuits.ActiveStart >= 0 && cfg.Circuits.ActiveEnd >= 0 {
			opts = append(opts, substrate.WithActiveHours(cfg.Circuits.ActiveStart, cfg.Circuits.ActiveEnd))
		}
		if circuitsPrompt != "" {
			opts = append(opts, substrate.WithCircuitsPrompt(circuitsPrompt))
		}
		circuits := substrate.NewCircuits(circuitsRun, queue, sink, opts...)

		watcher := substrate.NewEventWatcher(
			filepath.Join(cfg.Agent.DataDir, "events"),
			queue,
			substrate.WithWatcherLogger(logger),
			substrate.WithRequestNow(circuits.RequestNow),
		)
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("event watcher stopped", "error", err)
			}
		}()
		go func() {
			if err := circuits.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("circuits stopped", "error", err)
			}
		}()
	}

	// Note a resumable task from a previous process, if any.
	taskPath := filepath.Join(cfg.Agent.DataDir, "task_state.json")
	if state, ok := substrate.LoadTaskState(taskPath); ok {
		fmt.Printf("Unfinished task from last run (round %d): %s\nSay \"continue\" to resume.\n",
			state.RoundCount, state.Task)
	}

	return repl(ctx, agent, logger, inst)
}

// repl reads user lines from stdin and runs each through the agent.
func repl(ctx context.Context, agent *substrate.Agent, logger *slog.Logger, inst *observer.Instruments) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Print("> ")
			continue
		case "exit", "quit":
			return nil
		}

		start := time.Now()
		result, err := agent.Run(ctx, substrate.MainSessionKey, line)
		if inst != nil {
			inst.RecordAgentRun(ctx, substrate.MainSessionKey, result, start, err)
		}

		var suspended *substrate.ErrSuspended
		switch {
		case errors.As(err, &suspended):
			result, err = resumeSuspended(ctx, scanner, suspended)
			if err != nil {
				logger.Error("resume failed", "error", err)
				fmt.Println("Error:", err)
			} else {
				fmt.Println(result.Output)
			}
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("run failed", "error", err)
			fmt.Println("Error:", err)
		default:
			fmt.Println(result.Output)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// resumeSuspended prompts for a decision on the pending call and resumes
// the loop from the suspension snapshot.
func resumeSuspended(ctx context.Context, scanner *bufio.Scanner, s *substrate.ErrSuspended) (substrate.AgentResult, error) {
	fmt.Printf("Approval needed for %s: %s\nApprove? [y/N] ", s.Pending.Tool, s.Pending.Command)
	approved := false
	if scanner.Scan() {
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		approved = answer == "y" || answer == "yes"
	}
	return s.Resume(ctx, approved)
}

// terminalApproval is the ASK callback in auto-execute mode.
func terminalApproval(_ context.Context, req substrate.ApprovalRequest) (substrate.ApprovalDecision, error) {
	fmt.Printf("Approve %s command %q? [y/N] ", req.Tool, req.Command)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return substrate.Denied, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		return substrate.Approved, nil
	}
	return substrate.Denied, nil
}

// openStore picks postgres when configured, sqlite otherwise, and runs
// the one-shot legacy JSON import for sqlite.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (substrate.MemoryStore, error) {
	if cfg.Database.PostgresURL != "" {
		s, err := postgres.New(ctx, cfg.Database.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	legacy := filepath.Join(cfg.Agent.DataDir, "conversation_history.json")
	if err := sqlite.MigrateLegacy(ctx, s, legacy); err != nil {
		logger.Warn("legacy memory migration failed", "error", err)
	}
	return s, nil
}

// routerSummarizer adapts the router into the compactor's Summarize hook.
func routerSummarizer(router *substrate.Router, model string) substrate.Summarizer {
	return func(ctx context.Context, text, instructions, previous string) (string, error) {
		prompt := instructions + "\n\n"
		if previous != "" {
			prompt += "Previous summary:\n" + previous + "\n\n"
		}
		prompt += text
		resp, err := router.Call(ctx, model, substrate.ChatRequest{
			Messages: []substrate.ChatMessage{substrate.UserMessage(prompt)},
		}, nil)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}
