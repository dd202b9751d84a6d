// ABOUTME: Error taxonomy and result type for tool invocations
// ABOUTME: Distinguishes "tool ran and failed" from "tool could not be reached or timed out"

package tools

import "errors"

var (
	// ErrToolUnreachable means the server could not be reached or rejected the session.
	ErrToolUnreachable = errors.New("tool server unreachable")
	// ErrToolTimeout means the per-invoke timeout expired before the tool answered.
	ErrToolTimeout = errors.New("tool invocation timed out")
	// ErrUnknownTool means no connected server offers the capability.
	ErrUnknownTool = errors.New("unknown tool")
)

// Result is the outcome of a tool that actually executed.
// IsError reports that the tool ran and failed; Output then describes the failure.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}
