// ABOUTME: Dead-letter journal for turns that were streamed to a client but could not be persisted
// ABOUTME: Entries keep their idempotency keys so a later replay cannot double-append

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetterEntry is one turn awaiting manual or automated replay
type DeadLetterEntry struct {
	ThreadID   string    `json:"thread_id"`
	Turn       Turn      `json:"turn"`
	Error      string    `json:"error"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeadLetter appends entries to a JSON-lines file
type DeadLetter struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewDeadLetter opens (or lazily creates) the journal at path
func NewDeadLetter(path string, logger *slog.Logger) (*DeadLetter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("dead letter path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating dead letter directory: %w", err)
	}
	return &DeadLetter{
		path:   path,
		logger: logger.With("component", "deadletter"),
	}, nil
}

// Path returns the journal location
func (d *DeadLetter) Path() string { return d.path }

// Record appends and fsyncs one failed turn
func (d *DeadLetter) Record(ctx context.Context, threadID string, turn *Turn, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := DeadLetterEntry{
		ThreadID:   threadID,
		Turn:       *turn,
		RecordedAt: time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening dead letter journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing dead letter: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing dead letter: %w", err)
	}

	d.logger.Warn("turn dead-lettered", "thread_id", threadID, "key", turn.Key, "error", entry.Error)
	return nil
}

// Entries reads every complete entry. A torn final line is skipped.
func (d *DeadLetter) Entries() ([]DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked()
}

func (d *DeadLetter) readLocked() ([]DeadLetterEntry, error) {
	f, err := os.Open(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening dead letter journal: %w", err)
	}
	defer f.Close()

	var entries []DeadLetterEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e DeadLetterEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			d.logger.Warn("skipping unreadable dead letter", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dead letter journal: %w", err)
	}
	return entries, nil
}

// Replace atomically rewrites the journal with the given entries
func (d *DeadLetter) Replace(entries []DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".deadletter.*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp journal: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding dead letter: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp journal: %w", err)
	}
	return os.Rename(tmp.Name(), d.path)
}
