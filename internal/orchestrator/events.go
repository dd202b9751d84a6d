// ABOUTME: RunEvent vocabulary emitted to clients and the error classes they carry
// ABOUTME: Every run ends with exactly one stream_end event

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/tools"
)

// EventType names a RunEvent.
type EventType string

const (
	EventTextDelta         EventType = "text_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventHandoff           EventType = "handoff"
	EventError             EventType = "error"
	EventStreamEnd         EventType = "stream_end"
)

// ErrorClass is the client-visible classification of a failure.
type ErrorClass string

const (
	ClassToolUnavailable    ErrorClass = "tool_unavailable"
	ClassToolTimeout        ErrorClass = "tool_timeout"
	ClassAgentError         ErrorClass = "agent_error"
	ClassStorageUnavailable ErrorClass = "storage_unavailable"
	ClassStorageCorrupt     ErrorClass = "storage_corrupt"
	ClassInvalidThread      ErrorClass = "invalid_thread"
	ClassPersistenceFailed  ErrorClass = "persistence_failed"
	ClassCancelled          ErrorClass = "cancelled"
	ClassInternal           ErrorClass = "internal"
)

// Status is the outcome carried by stream_end.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ToolCallInfo describes a tool call in tool_call_* events.
type ToolCallInfo struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// RunEvent is one normalized streaming unit.
type RunEvent struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	Text      string        `json:"text,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	FromAgent string        `json:"from_agent,omitempty"`
	ToolCall  *ToolCallInfo `json:"tool_call,omitempty"`
	// ErrorClass is set on error events, and on stream_end when anything went wrong.
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	Message    string     `json:"message,omitempty"`
	// Status, TurnSeq and UserSeq are set on stream_end. TurnSeq is the
	// persisted assistant turn, zero when none was stored.
	Status  Status `json:"status,omitempty"`
	TurnSeq int64  `json:"turn_seq,omitempty"`
	UserSeq int64  `json:"user_seq,omitempty"`
}

// StreamEnd builds a terminal event. The gateway uses it when a relay dies
// before the orchestrator's own stream_end arrives.
func StreamEnd(runID string, status Status, class ErrorClass) RunEvent {
	return RunEvent{Type: EventStreamEnd, RunID: runID, Status: status, ErrorClass: class}
}

// ClassifyStorage maps a repository error to its wire class.
func ClassifyStorage(err error) ErrorClass {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, store.ErrInvalidThread), errors.Is(err, store.ErrNotFound):
		return ClassInvalidThread
	case errors.Is(err, store.ErrStorageCorrupt):
		return ClassStorageCorrupt
	case errors.Is(err, store.ErrStorageUnavailable), errors.Is(err, store.ErrModeUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassStorageUnavailable
	default:
		return ClassInternal
	}
}

// classifyTool maps a tool gateway error to its wire class.
func classifyTool(err error) ErrorClass {
	if errors.Is(err, tools.ErrToolTimeout) {
		return ClassToolTimeout
	}
	return ClassToolUnavailable
}

// classifyRunner maps a runner start failure to its wire class.
func classifyRunner(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassAgentError
}
