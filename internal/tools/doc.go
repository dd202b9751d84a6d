// Package tools connects agent runs to MCP tool servers.
//
// A Client owns one server and moves through Disconnected, Connecting, Ready
// and Degraded. Invoke outcomes are qualified: a *Result means the tool ran
// (IsError marks a tool-level failure), while ErrToolUnreachable,
// ErrToolTimeout and ErrUnknownTool mean it did not. Timeouts and transport
// failures degrade the server; the next successful probe restores it.
//
// The Gateway merges the capabilities of all configured servers, routes each
// invoke to the server that offers the tool, and keeps a health watcher per
// server running in the background.
package tools
