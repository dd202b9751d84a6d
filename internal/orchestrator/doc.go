// Package orchestrator turns one user message into one agent run.
//
// RunTurn records the user turn, starts a run with the thread's prior turns
// and the currently advertised tools, relays runner events as RunEvents,
// executes tool calls through the tool gateway and persists the assistant
// turn when the run ends.
//
// # Stream contract
//
// Every stream ends with exactly one stream_end event carrying the run
// status and, when something went wrong, the first error class seen.
// The event channel closes only after the assistant turn has been written
// or dead-lettered, so a client that saw stream_end can immediately read
// the thread back.
//
// A tool that cannot be reached does not fail the run: the agent receives
// a failed tool result, the client receives an error event classed
// tool_unavailable, and the run continues.
//
// When the caller's context is cancelled the run is stopped and whatever
// text was produced is stored as a partial turn. Persistence uses a
// detached context with its own timeout so a departing client cannot
// interrupt the write.
package orchestrator
