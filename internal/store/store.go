// ABOUTME: Store interface and data types for agent-bridge thread persistence
// ABOUTME: Defines Thread, Turn, ToolCall, the storage mode tag, and the error taxonomy

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// Storage errors. ErrStorageUnavailable is the only retryable condition.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageCorrupt     = errors.New("storage corrupt")
	ErrInvalidThread      = errors.New("invalid thread")
	ErrModeUnavailable    = errors.New("storage mode not configured")
)

// Mode tags which backend owns a thread. It is written once at creation.
type Mode string

const (
	ModeFile     Mode = "file"
	ModeDatabase Mode = "database"
)

// ParseMode validates a mode string. Empty input yields an empty Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return "", nil
	case ModeFile, ModeDatabase:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown storage mode %q", s)
	}
}

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Thread is one conversation. Mode never changes after creation.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeq   int64     `json:"last_seq"`
}

// ToolCall records one tool invocation made while producing a turn
type ToolCall struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	Success bool   `json:"success"`
}

// Turn is a single entry in a thread's history. Seq is assigned by the store.
type Turn struct {
	Seq       int64      `json:"seq"`
	Key       string     `json:"key,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Agent     string     `json:"agent,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TurnStore persists threads and their turns for one storage mode
type TurnStore interface {
	// Mode returns the tag this store writes onto its threads
	Mode() Mode

	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, ownerID string, limit int) ([]*Thread, error)

	// AppendTurn assigns the next sequence number and stores the turn.
	// If turn.Key is already stored for the thread, the stored turn is
	// returned and nothing is written.
	AppendTurn(ctx context.Context, threadID string, turn *Turn) (*Turn, error)

	// ListTurns returns up to limit turns with Seq > sinceSeq, oldest first
	ListTurns(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*Turn, error)

	Ping(ctx context.Context) error
	Close() error
}

// Default and maximum page sizes for list operations
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateThreadID rejects IDs that are empty, too long, or unsafe as file names
func ValidateThreadID(id string) error {
	if !threadIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: bad id %q", ErrInvalidThread, id)
	}
	return nil
}

func validateTurn(turn *Turn) error {
	if turn == nil {
		return errors.New("turn is required")
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("invalid role %q", turn.Role)
	}
	return nil
}

// unavailable wraps a backend error as retryable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// corrupt wraps a backend error as fatal corruption
func corrupt(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageCorrupt, err)
}
