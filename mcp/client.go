package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// Client speaks MCP to a single server over newline-delimited JSON-RPC.
// Connect spawns the server as a subprocess on stdio; NewClientIO wires
// arbitrary streams (tests connect it to an in-process Server via pipes).
type Client struct {
	name   string
	writer io.Writer
	closer io.Closer
	cmd    *exec.Cmd

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan response
	closed  bool
}

// NewClientIO creates a client over explicit streams. closer may be nil.
func NewClientIO(name string, r io.Reader, w io.Writer, closer io.Closer) *Client {
	c := &Client{
		name:    name,
		writer:  w,
		closer:  closer,
		pending: make(map[string]chan response),
	}
	go c.readLoop(r)
	return c
}

// Connect spawns command as an MCP server subprocess and performs the
// initialize handshake.
func Connect(ctx context.Context, name, command string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}

	c := NewClientIO(name, stdout, stdin, stdin)
	c.cmd = cmd

	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the server name used for tool namespacing.
func (c *Client) Name() string { return c.name }

// Initialize performs the MCP handshake: initialize request followed by
// the initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: "substrate", Version: "1"},
	}
	var result initializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("mcp: initialize %s: %w", c.name, err)
	}
	return c.notify("notifications/initialized", nil)
}

// ListTools queries the server's tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("mcp: tools/list %s: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server by its original (server-side) name.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var result ToolCallResult
	err := c.call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args}, &result)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("mcp: tools/call %s/%s: %w", c.name, tool, err)
	}
	return result, nil
}

// Close shuts the transport down and reaps the subprocess if any.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	if c.cmd != nil {
		_ = c.cmd.Wait()
	}
	return err
}

// --- transport ---

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: marshalParams(params)}); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed awaiting %s", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if result != nil && resp.Result != nil {
			raw, err := json.Marshal(resp.Result)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	return c.write(request{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(data)
	return err
}

// readLoop routes responses to waiting calls by request id.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Result  any             `json:"result,omitempty"`
			Error   *rpcError       `json:"error,omitempty"`
		}
		if err := json.Unmarshal(line, &resp); err != nil || len(resp.ID) == 0 {
			continue // server-initiated notification or noise
		}
		id := string(resp.ID)
		// Some servers quote numeric ids they received as strings.
		if unquoted, err := strconv.Unquote(id); err == nil {
			id = unquoted
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if ok {
			ch <- response{JSONRPC: resp.JSONRPC, ID: resp.ID, Result: resp.Result, Error: resp.Error}
		}
	}

	// Reader gone: fail all in-flight calls.
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.closed = true
	c.mu.Unlock()
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}
