// Package substrate is an autonomous agent runtime for Go.
//
// It provides the pieces an always-on tool-using agent needs: a
// multi-provider LLM router with retry, cooldowns, and fallback chains;
// a tool-calling loop with interrupt and resume, context compaction,
// and error recovery; an approval gate for mutating commands; durable
// memory; and a background "circuits" poller that lets the agent act on
// scheduled and file-dropped events without user input.
//
// # Quick Start
//
//	router := substrate.NewRouter(resolver)
//	registry := substrate.NewToolRegistry()
//	registry.Add(shell.New(workspace, 30))
//	sessions := substrate.NewSessionManager()
//
//	agent := substrate.NewAgent(router, registry, sessions,
//		substrate.WithModel("claude-sonnet-4-5"),
//		substrate.WithAutoExecute(true),
//	)
//
//	result, err := agent.Run(ctx, substrate.MainSessionKey, "summarize data/report.pdf")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, tool calling, streaming)
//   - [Tool]: pluggable capability for LLM function calling
//   - [MemoryStore]: durable note persistence
//   - [Sink]: delivery of unprompted agent output
//   - [Tracer]: span emission around rounds, calls, and tools
//
// # Included Implementations
//
// Providers: provider/anthropic, provider/gemini, provider/openaicompat
// (OpenAI, xAI), provider/ollama, with name-based resolution in
// provider/resolve. Storage: store/sqlite (local), store/postgres
// (shared). Tools: tools/shell, tools/file, tools/web, tools/pdf,
// tools/memory, tools/agent, plus MCP servers bridged via the mcp
// package. Observability: observer (OpenTelemetry).
//
// See cmd/substrate for the complete wired application.
package substrate
