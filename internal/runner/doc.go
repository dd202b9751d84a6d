// Package runner is the boundary to the agent runtime that produces assistant
// output.
//
// A Runner starts one Run per user turn. The run streams Events: text deltas,
// tool-call requests, handoffs between agents, and exactly one terminal event
// (completed or error). Tool calls are answered through SubmitToolResult;
// the runner blocks on them, so every tool_call event must be answered.
//
// HTTPRunner talks to a runner service over HTTP with newline-delimited JSON.
// Script implements the service side with canned behavior for local
// development and tests.
package runner
