// Package mcp implements the subset of the Model Context Protocol that
// agent-bridge needs to reach tool servers.
//
// The wire format is JSON-RPC 2.0 over Streamable HTTP: every message is an
// HTTP POST, and the server may answer with a plain JSON body or with a
// text/event-stream carrying the response as an SSE "message" event. The
// server assigns a session on initialize via the Mcp-Session-Id header; a 404
// on a later request means the session is gone and the client must
// initialize again (ErrSessionExpired).
//
// # Client
//
//	transport := mcp.NewHTTPTransport(mcp.HTTPConfig{URL: url})
//	client := mcp.NewClient("search", transport, logger)
//	err := client.Initialize(ctx)
//	tools, err := client.ListTools(ctx)
//	result, err := client.CallTool(ctx, "web_search", args)
//
// Errors are layered: *RPCError for protocol-level rejections, ErrTransport
// for anything that prevented a usable reply, and the context's own error
// when the deadline or cancellation struck first.
//
// # Server
//
// Server exposes Go functions as MCP tools. It backs the fake tool server
// used for local development and the integration tests of the tools package.
package mcp
