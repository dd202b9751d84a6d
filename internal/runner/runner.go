// ABOUTME: Agent runner boundary: one run per user turn, streamed back as typed events
// ABOUTME: Tool calls surface as events and are answered with SubmitToolResult

package runner

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrRunnerUnavailable means the run could not be started.
	ErrRunnerUnavailable = errors.New("agent runner unavailable")
	// ErrMalformedStream means the runner sent something that is not a valid event.
	ErrMalformedStream = errors.New("malformed runner stream")
	// ErrUnknownRun means a tool result was submitted for a run the runner does not know.
	ErrUnknownRun = errors.New("unknown run")
)

// EventType names a runner stream event.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventHandoff   EventType = "handoff"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is one line of the runner stream.
type Event struct {
	Type EventType `json:"type"`
	// Text is the delta for text_delta.
	Text string `json:"text,omitempty"`
	// Agent is the agent producing output, or the handoff target.
	Agent string `json:"agent,omitempty"`
	// FromAgent is the agent handing off.
	FromAgent string    `json:"from_agent,omitempty"`
	ToolCall  *ToolCall `json:"tool_call,omitempty"`
	// Output is the final output on completed.
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

// ToolCall is a request from the agent to run a tool.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// PriorTurn is conversation history handed to the runner.
type PriorTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

// ToolSpec advertises a tool the agent may call.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// RunRequest starts a run.
type RunRequest struct {
	RunID      string      `json:"run_id"`
	ThreadID   string      `json:"thread_id"`
	UserName   string      `json:"user_name,omitempty"`
	PriorTurns []PriorTurn `json:"prior_turns"`
	Input      string      `json:"input"`
	Tools      []ToolSpec  `json:"tools"`
}

// Runner starts agent runs.
type Runner interface {
	StartRun(ctx context.Context, req *RunRequest) (Run, error)
}

// Run is one in-flight agent run. Events closes after a terminal event or when
// the run's context ends; cancelling the StartRun context aborts the run.
type Run interface {
	ID() string
	Events() <-chan Event
	SubmitToolResult(ctx context.Context, result ToolResult) error
}
