// ABOUTME: MCP payload types for initialize, tools/list, and tools/call
// ABOUTME: Content blocks are flattened to text by the client

package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-11-25": true,
}

// LatestProtocolVersion is advertised by both client and server.
const LatestProtocolVersion = "2025-11-25"

// SessionHeader carries the server-assigned session ID.
const SessionHeader = "Mcp-Session-Id"

// ProtocolHeader carries the negotiated protocol version after initialize.
const ProtocolHeader = "Mcp-Protocol-Version"

// Tool is a tool definition as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call. IsError means the tool ran and failed.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins all content blocks into a single string.
// Non-text blocks are represented as inline markers.
func (r *CallToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]", c.Type))
	}
	return strings.Join(parts, "\n")
}

// Content is one content item in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps text in a single-block result.
func TextResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: isError}
}

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are sent by the client in initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the server's initialize response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}
