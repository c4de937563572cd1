package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/substratehq/substrate"
)

// ToolHandler is a tool the MCP server exposes to clients.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called when the client invokes tools/call for this tool.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable data source exposed via resources/list and
// resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Read returns the resource content. Called on each resources/read.
	Read func() string
}

// Server speaks MCP to clients over newline-delimited JSON-RPC 2.0.
// Register tools and resources before calling Serve.
type Server struct {
	name    string
	version string

	tools     map[string]ToolHandler
	toolOrder []string
	resources map[string]Resource
	resOrder  []string

	logger *slog.Logger
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // serializes writes
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: discard.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerIO overrides the stdio transport.
func WithServerIO(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) {
		s.reader = r
		s.writer = w
	}
}

// NewServer creates an MCP server with the given name and version,
// bound to stdin/stdout unless WithServerIO overrides it.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:      name,
		version:   version,
		tools:     make(map[string]ToolHandler),
		resources: make(map[string]Resource),
		logger:    slog.New(slog.DiscardHandler),
		reader:    os.Stdin,
		writer:    os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRegistryServer exposes every tool in a registry over MCP. Calls run
// with auto-execute semantics; denied and failed calls come back as MCP
// error results.
func NewRegistryServer(name, version string, reg *substrate.ToolRegistry, opts ...ServerOption) *Server {
	s := NewServer(name, version, opts...)
	for _, def := range reg.AllDefinitions() {
		var schema any
		if len(def.Parameters) == 0 || json.Unmarshal(def.Parameters, &schema) != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		toolName := def.Name
		s.AddTool(ToolHandler{
			Definition: ToolDefinition{
				Name:        toolName,
				Description: def.Description,
				InputSchema: schema,
			},
			Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
				res, err := reg.Execute(ctx, toolName, args, true)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if res.Status != substrate.StatusSuccess {
					return ErrorResult(res.Error)
				}
				return TextResult(res.Content)
			},
		})
	}
	return s
}

// AddTool registers a tool handler. Re-adding a name replaces the handler
// but keeps its tools/list position. Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	name := h.Definition.Name
	if _, exists := s.tools[name]; !exists {
		s.toolOrder = append(s.toolOrder, name)
	}
	s.tools[name] = h
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(r Resource) {
	if _, exists := s.resources[r.URI]; !exists {
		s.resOrder = append(s.resOrder, r.URI)
	}
	s.resources[r.URI] = r
}

// Serve reads JSON-RPC messages from the transport and writes responses
// back. Blocks until the reader is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read transport: %w", err)
	}
	return nil
}

// handleMessage dispatches a single message or a batch (JSON array).
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(parseErrorResponse())
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(parseErrorResponse())
		return
	}
	if resp := s.dispatch(ctx, &req); resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes a request to its handler. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &capability{}
	}
	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		defs = append(defs, s.tools[name].Definition)
	}
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	h, ok := s.tools[params.Name]
	if !ok {
		return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
	}
	s.logger.Debug("mcp tool call", "tool", params.Name)
	return s.respond(req.ID, h.Execute(ctx, params.Arguments))
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, 0, len(s.resOrder))
	for _, uri := range s.resOrder {
		r := s.resources[uri]
		defs = append(defs, resourceDef{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	r, ok := s.resources[params.URI]
	if !ok {
		return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
	}
	return s.respond(req.ID, resourceReadResult{
		Contents: []resourceContent{{
			URI:      r.URI,
			MimeType: r.MimeType,
			Text:     r.Read(),
		}},
	})
}

// --- response helpers ---

func parseErrorResponse() response {
	return response{
		JSONRPC: "2.0",
		ID:      json.RawMessage("null"),
		Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
	}
}

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("mcp response marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Warn("mcp response write failed", "error", err)
	}
}
