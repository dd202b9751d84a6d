// ABOUTME: MCP client for one tool server: handshake, tool discovery, invocation, ping
// ABOUTME: Protocol errors come back as *RPCError; transport failures wrap ErrTransport

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// clientInfo identifies us during initialize.
var clientInfo = Implementation{Name: "agent-bridge", Version: "1.0.0"}

// Client speaks MCP to a single server over a Transport.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	serverInfo Implementation
}

// NewClient creates a client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Initialize performs the handshake: initialize, then notifications/initialized.
// Any previous session is discarded first.
func (c *Client) Initialize(ctx context.Context) error {
	c.transport.Reset()

	params := InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo,
	}
	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	notif, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := c.transport.Notify(ctx, notif); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	c.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool. A tool-level failure is reported through
// CallToolResult.IsError, not the error return.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var result CallToolResult
	if err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close ends the session.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: unmarshal %s result: %w", ErrTransport, method, err)
	}
	return nil
}
