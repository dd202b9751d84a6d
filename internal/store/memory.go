// ABOUTME: In-memory TurnStore used by tests and ephemeral deployments
// ABOUTME: Supports scripted failures so callers can exercise retry and fallback paths

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory TurnStore. The mode it reports is configurable
// so it can stand in for either backend.
type MemoryStore struct {
	mode Mode

	mu      sync.RWMutex
	threads map[string]*Thread
	turns   map[string][]*Turn
	keys    map[string]map[string]int64

	failMu   sync.Mutex
	failures []error
	calls    map[string]int
}

// NewMemoryStore creates an empty store reporting the given mode
func NewMemoryStore(mode Mode) *MemoryStore {
	return &MemoryStore{
		mode:    mode,
		threads: make(map[string]*Thread),
		turns:   make(map[string][]*Turn),
		keys:    make(map[string]map[string]int64),
		calls:   make(map[string]int),
	}
}

// FailNext makes the next len(errs) operations return the given errors in order
func (m *MemoryStore) FailNext(errs ...error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls reports how many times the named operation was attempted
func (m *MemoryStore) Calls(op string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.calls[op]
}

func (m *MemoryStore) begin(op string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.calls[op]++
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// Mode implements TurnStore
func (m *MemoryStore) Mode() Mode { return m.mode }

// CreateThread stores a copy of the thread
func (m *MemoryStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := m.begin("CreateThread"); err != nil {
		return err
	}
	if err := ValidateThreadID(thread.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[thread.ID]; ok {
		return ErrDuplicateThread
	}
	thread.Mode = m.mode
	t := *thread
	m.threads[t.ID] = &t
	m.keys[t.ID] = make(map[string]int64)
	return nil
}

// GetThread retrieves a copy of a thread by ID
func (m *MemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	if err := m.begin("GetThread"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListThreads returns threads most recently active first
func (m *MemoryStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]*Thread, error) {
	if err := m.begin("ListThreads"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Thread
	for _, t := range m.threads {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendTurn assigns the next sequence number, deduplicating on turn.Key
func (m *MemoryStore) AppendTurn(ctx context.Context, threadID string, turn *Turn) (*Turn, error) {
	if err := m.begin("AppendTurn"); err != nil {
		return nil, err
	}
	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	if turn.Key != "" {
		if seq, ok := m.keys[threadID][turn.Key]; ok {
			cp := *m.turns[threadID][seq-1]
			return &cp, nil
		}
	}

	t := *turn
	t.Seq = th.LastSeq + 1
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	th.LastSeq = t.Seq
	th.UpdatedAt = t.CreatedAt
	m.turns[threadID] = append(m.turns[threadID], &t)
	if t.Key != "" {
		m.keys[threadID][t.Key] = t.Seq
	}
	cp := t
	return &cp, nil
}

// ListTurns returns copies of turns after sinceSeq
func (m *MemoryStore) ListTurns(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*Turn, error) {
	if err := m.begin("ListTurns"); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Turn
	for _, t := range m.turns[threadID] {
		if t.Seq <= sinceSeq {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping implements TurnStore
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.begin("Ping")
}

// Close implements TurnStore
func (m *MemoryStore) Close() error {
	return nil
}
