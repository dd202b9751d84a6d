// ABOUTME: File-mode TurnStore keeping one append-only JSON-lines log per thread
// ABOUTME: Appends are single fsync'd writes; an unterminated trailing record is never read and is truncated on reopen

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	recordThread = "thread"
	recordTurn   = "turn"
	logExt       = ".jsonl"
)

// fileRecord is one line of a thread log
type fileRecord struct {
	Kind   string  `json:"kind"`
	Thread *Thread `json:"thread,omitempty"`
	Turn   *Turn   `json:"turn,omitempty"`
}

// fileThread caches the committed state of one log. Guarded by mu.
type fileThread struct {
	mu        sync.Mutex
	loaded    bool
	header    Thread
	lastSeq   int64
	updatedAt time.Time
	size      int64
	keys      map[string]int64
}

// FileStore implements TurnStore on the local filesystem
type FileStore struct {
	root   string
	logger *slog.Logger

	createMu sync.Mutex
	mu       sync.Mutex
	threads  map[string]*fileThread
}

// NewFileStore creates a file store rooted at dir, creating it if needed
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating thread directory: %w", err)
	}

	s := &FileStore{
		root:    dir,
		logger:  logger.With("component", "store", "mode", string(ModeFile)),
		threads: make(map[string]*fileThread),
	}
	s.logger.Info("file store initialized", "root", dir)
	return s, nil
}

// Mode implements TurnStore
func (s *FileStore) Mode() Mode { return ModeFile }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.root, id+logExt)
}

func (s *FileStore) entry(id string) *fileThread {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft, ok := s.threads[id]
	if !ok {
		ft = &fileThread{}
		s.threads[id] = ft
	}
	return ft
}

// CreateThread writes the thread header through a temp file and an atomic rename
func (s *FileStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateThreadID(thread.ID); err != nil {
		return err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	path := s.path(thread.ID)
	if _, err := os.Stat(path); err == nil {
		return ErrDuplicateThread
	} else if !errors.Is(err, fs.ErrNotExist) {
		return unavailable("stat thread log", err)
	}

	header := *thread
	header.Mode = ModeFile
	header.LastSeq = 0
	line, err := encodeRecord(fileRecord{Kind: recordThread, Thread: &header})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, "."+thread.ID+".*.tmp")
	if err != nil {
		return unavailable("creating temp log", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(line); err != nil {
		tmp.Close()
		return unavailable("writing thread header", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return unavailable("syncing thread header", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("closing temp log", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return unavailable("publishing thread log", err)
	}
	if err := syncDir(s.root); err != nil {
		s.logger.Warn("directory sync failed", "error", err)
	}

	ft := s.entry(thread.ID)
	ft.mu.Lock()
	ft.loaded = true
	ft.header = header
	ft.lastSeq = 0
	ft.updatedAt = header.UpdatedAt
	ft.size = int64(len(line))
	ft.keys = make(map[string]int64)
	ft.mu.Unlock()

	thread.Mode = ModeFile
	s.logger.Debug("created thread", "thread_id", thread.ID)
	return nil
}

// GetThread returns the header with LastSeq and UpdatedAt derived from the log
func (s *FileStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(id); err != nil {
		return nil, err
	}

	ft := s.entry(id)
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if err := s.loadLocked(id, ft); err != nil {
		return nil, err
	}
	return ft.snapshot(), nil
}

// ListThreads scans the root directory for logs owned by ownerID.
// An empty ownerID lists every thread.
func (s *FileStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]*Thread, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, unavailable("reading thread directory", err)
	}

	var threads []*Thread
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, logExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, logExt)
		th, err := s.GetThread(ctx, id)
		if err != nil {
			if errors.Is(err, ErrStorageCorrupt) || errors.Is(err, ErrInvalidThread) {
				s.logger.Warn("skipping unreadable thread log", "thread_id", id, "error", err)
				continue
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if ownerID != "" && th.OwnerID != ownerID {
			continue
		}
		threads = append(threads, th)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit = clampLimit(limit); len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// AppendTurn writes one record with a single write followed by fsync
func (s *FileStore) AppendTurn(ctx context.Context, threadID string, turn *Turn) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	ft := s.entry(threadID)
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if err := s.loadLocked(threadID, ft); err != nil {
		return nil, err
	}

	if turn.Key != "" {
		if seq, ok := ft.keys[turn.Key]; ok {
			existing, err := s.turnAt(threadID, seq)
			if err != nil {
				return nil, err
			}
			s.logger.Debug("duplicate append ignored", "thread_id", threadID, "key", turn.Key, "seq", seq)
			return existing, nil
		}
	}

	t := *turn
	t.Seq = ft.lastSeq + 1
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	line, err := encodeRecord(fileRecord{Kind: recordTurn, Turn: &t})
	if err != nil {
		return nil, err
	}

	path := s.path(threadID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, unavailable("opening thread log", err)
	}
	n, werr := f.Write(line)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr != nil || cerr != nil {
		// Roll the log back to the last committed record.
		if n > 0 {
			if terr := os.Truncate(path, ft.size); terr != nil {
				s.logger.Error("rolling back partial append failed", "thread_id", threadID, "error", terr)
				ft.loaded = false
			}
		}
		return nil, unavailable("appending turn", errors.Join(werr, cerr))
	}

	ft.size += int64(n)
	ft.lastSeq = t.Seq
	ft.updatedAt = t.CreatedAt
	if t.Key != "" {
		ft.keys[t.Key] = t.Seq
	}
	return &t, nil
}

// ListTurns replays the log. It takes no lock: an in-flight append is an
// unterminated trailing line and is skipped.
func (s *FileStore) ListTurns(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var turns []*Turn
	_, _, err := s.replay(threadID, func(t *Turn) bool {
		if t.Seq > sinceSeq {
			turns = append(turns, t)
		}
		return len(turns) < limit
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// Ping checks that the root directory is still reachable
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return unavailable("stat root", err)
	}
	if !info.IsDir() {
		return corrupt("stat root", fmt.Errorf("%s is not a directory", s.root))
	}
	return nil
}

// Close releases cached state. Logs are closed after every write.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.threads = make(map[string]*fileThread)
	s.mu.Unlock()
	s.logger.Info("closing file store")
	return nil
}

// loadLocked reads the log once and truncates any uncommitted tail. Caller holds ft.mu.
func (s *FileStore) loadLocked(id string, ft *fileThread) error {
	if ft.loaded {
		return nil
	}

	keys := make(map[string]int64)
	var (
		lastSeq   int64
		updatedAt time.Time
	)
	header, committed, err := s.replay(id, func(t *Turn) bool {
		lastSeq = t.Seq
		updatedAt = t.CreatedAt
		if t.Key != "" {
			keys[t.Key] = t.Seq
		}
		return true
	})
	if err != nil {
		return err
	}

	path := s.path(id)
	info, err := os.Stat(path)
	if err != nil {
		return unavailable("stat thread log", err)
	}
	if info.Size() > committed {
		s.logger.Warn("truncating uncommitted trailing record",
			"thread_id", id, "committed", committed, "size", info.Size())
		if err := os.Truncate(path, committed); err != nil {
			return unavailable("truncating thread log", err)
		}
	}

	if updatedAt.IsZero() {
		updatedAt = header.UpdatedAt
	}
	ft.loaded = true
	ft.header = *header
	ft.lastSeq = lastSeq
	ft.updatedAt = updatedAt
	ft.size = committed
	ft.keys = keys
	return nil
}

func (ft *fileThread) snapshot() *Thread {
	th := ft.header
	th.LastSeq = ft.lastSeq
	th.UpdatedAt = ft.updatedAt
	return &th
}

func (s *FileStore) turnAt(threadID string, seq int64) (*Turn, error) {
	var found *Turn
	_, _, err := s.replay(threadID, func(t *Turn) bool {
		if t.Seq == seq {
			found = t
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, corrupt("locating turn", fmt.Errorf("seq %d indexed but missing", seq))
	}
	return found, nil
}

// replay streams committed turns to fn until it returns false. It returns the
// header and the byte offset just past the last committed record.
func (s *FileStore) replay(id string, fn func(*Turn) bool) (*Thread, int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, unavailable("opening thread log", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		header    *Thread
		offset    int64
		lastSeq   int64
		pendingEr error
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			// Unterminated tail: the write never finished.
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, unavailable("reading thread log", err)
		}
		if len(line) == 0 {
			break
		}

		if pendingEr != nil {
			// A bad record followed by more data is corruption, not a torn tail.
			return nil, 0, pendingEr
		}

		var rec fileRecord
		if jerr := json.Unmarshal(bytes.TrimSpace(line), &rec); jerr != nil {
			pendingEr = corrupt("decoding thread log", fmt.Errorf("record at offset %d: %w", offset, jerr))
			continue
		}

		switch {
		case header == nil:
			if rec.Kind != recordThread || rec.Thread == nil {
				return nil, 0, corrupt("decoding thread log", errors.New("missing thread header"))
			}
			if rec.Thread.Mode != ModeFile {
				return nil, 0, corrupt("decoding thread log", fmt.Errorf("header mode %q", rec.Thread.Mode))
			}
			header = rec.Thread
		case rec.Kind == recordTurn && rec.Turn != nil:
			if rec.Turn.Seq <= lastSeq {
				return nil, 0, corrupt("decoding thread log",
					fmt.Errorf("sequence %d after %d", rec.Turn.Seq, lastSeq))
			}
			lastSeq = rec.Turn.Seq
			offset += int64(len(line))
			if !fn(rec.Turn) {
				return header, offset, nil
			}
			continue
		default:
			return nil, 0, corrupt("decoding thread log", fmt.Errorf("unexpected record kind %q", rec.Kind))
		}
		offset += int64(len(line))
	}

	if header == nil {
		if pendingEr != nil {
			return nil, 0, pendingEr
		}
		return nil, 0, corrupt("decoding thread log", errors.New("empty log"))
	}
	if pendingEr != nil {
		s.logger.Warn("ignoring unparsable trailing record", "thread_id", id)
	}
	return header, offset, nil
}

func encodeRecord(rec fileRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return append(b, '\n'), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
