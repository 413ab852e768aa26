package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// State is the lifecycle phase of a server connection.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDefinition is an MCP resource as returned by resources/list.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// resourcesListResult is the result payload of a resources/list response.
type resourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Connection binds one MCP server to one session. It owns the
// transport, runs the handshake, caches the negotiated tool and
// resource lists, and tracks lifecycle state. Connections are never
// shared across sessions.
type Connection struct {
	id        string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	state      State
	serverName string
	serverVer  string
	tools      []ToolDefinition
	resources  []ResourceDefinition
}

// NewConnection creates an unconnected Connection for the given server
// id. The transport determines delivery (stdio or HTTP).
func NewConnection(id string, transport Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:        id,
		transport: transport,
		logger:    logger.With("mcp_server", id),
		state:     StateUninitialized,
	}
}

// ID returns the server id this connection serves.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether the connection can serve tool calls.
func (c *Connection) Ready() bool { return c.State() == StateReady }

// Tools returns the tool definitions discovered during the handshake.
func (c *Connection) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Resources returns the resources discovered during the handshake.
func (c *Connection) Resources() []ResourceDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// ServerInfo returns the server-reported name and version.
func (c *Connection) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Connect runs the MCP handshake: initialize, the initialized
// notification, then tools/list and resources/list. On success the
// connection is Ready. Any failure closes the transport and leaves
// the connection Closed with a descriptive error.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect %s: connection is %s, not uninitialized", c.id, state)
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		c.setState(StateClosed)
		_ = c.transport.Close()
		return fmt.Errorf("connect %s: %w", c.id, err)
	}

	c.setState(StateReady)
	return nil
}

func (c *Connection) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcpgate",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		return err
	}

	// Resources are optional; servers without the capability are fine.
	var resources []ResourceDefinition
	if result.Capabilities.Resources != nil {
		resources, err = c.listResources(ctx)
		if err != nil {
			c.logger.Warn("resources/list failed, continuing without resources", "error", err)
			resources = nil
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.mu.Unlock()

	return nil
}

func (c *Connection) listTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

func (c *Connection) listResources(ctx context.Context) ([]ResourceDefinition, error) {
	resp, err := c.send(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	var result resourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}

	return result.Resources, nil
}

// CallTool invokes a tool by its server-native name. The result is the
// text content joined from the response blocks. Failures come back as
// *ToolError so the loop can report them to the model; a lost
// connection additionally moves the state to Degraded.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if state := c.State(); state != StateReady {
		return "", &ToolError{
			Kind:   ToolErrConnectionDegraded,
			Server: c.id,
			Tool:   name,
			Err:    fmt.Errorf("connection is %s", state),
		}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return "", c.callError(name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &ToolError{Kind: ToolErrInternal, Server: c.id, Tool: name,
			Err: fmt.Errorf("unmarshal tools/call result: %w", err)}
	}

	text := extractText(result.Content)

	// Tool-level errors arrive as content with isError set. Still a
	// clean protocol exchange; surface the text to the model.
	if result.IsError {
		return "", &ToolError{Kind: ToolErrInternal, Server: c.id, Tool: name,
			Err: errors.New(text)}
	}

	return text, nil
}

// callError maps a failed tools/call exchange to a ToolError kind.
func (c *Connection) callError(tool string, err error) *ToolError {
	kind := ToolErrInternal

	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound:
		kind = ToolErrNotFound
	case errors.As(err, &rpcErr) && rpcErr.Code == CodeInvalidParams:
		kind = ToolErrInvalidArgs
	case errors.Is(err, context.DeadlineExceeded):
		kind = ToolErrTimeout
	case errors.Is(err, ErrConnectionLost):
		// The call itself failed mid-flight, so it reports as internal.
		// ConnectionDegraded is for calls rejected before sending
		// because the connection had already gone down.
		c.setState(StateDegraded)
		c.logger.Warn("connection degraded", "tool", tool)
	}

	return &ToolError{Kind: kind, Server: c.id, Tool: tool, Err: err}
}

// Ping checks whether the MCP server is responsive.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the connection and its transport. Safe to call from
// any state, including Degraded, and safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.logger.Info("closing MCP connection")
	err := c.transport.Close()
	c.setState(StateClosed)
	return err
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Connection) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
