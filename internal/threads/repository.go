// ABOUTME: Thread repository facade over the file and database turn stores
// ABOUTME: Dispatches on each thread's stored mode tag, retries unavailable storage, and dedupes appends by key

package threads

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/agent-bridge/internal/dedupe"
	"github.com/2389/agent-bridge/internal/retry"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/google/uuid"
)

// Config tunes the repository
type Config struct {
	DefaultMode  store.Mode
	OpTimeout    time.Duration
	PageSize     int
	Retry        retry.Config
	KeyCacheTTL  time.Duration
	KeyCacheSize int
}

// CreateThreadRequest describes a new thread. Empty fields take defaults.
type CreateThreadRequest struct {
	ID      string
	OwnerID string
	Mode    store.Mode
}

// Repository is the single entry point for thread persistence
type Repository struct {
	stores map[store.Mode]store.TurnStore
	order  []store.Mode
	cfg    Config
	policy *retry.Policy
	keys   *dedupe.Cache
	logger *slog.Logger

	createMu sync.Mutex
	modes    sync.Map // thread ID -> store.Mode
}

// New builds a repository over the given stores. At most one store per mode is allowed,
// and cfg.DefaultMode must be among them.
func New(cfg Config, stores []store.TurnStore, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(stores) == 0 {
		return nil, errors.New("at least one turn store is required")
	}

	byMode := make(map[store.Mode]store.TurnStore, len(stores))
	var order []store.Mode
	for _, s := range stores {
		if _, dup := byMode[s.Mode()]; dup {
			return nil, fmt.Errorf("duplicate store for mode %q", s.Mode())
		}
		byMode[s.Mode()] = s
		order = append(order, s.Mode())
	}
	// File first: a local lookup is cheap and works while the database is down.
	sort.Slice(order, func(i, j int) bool { return order[i] == store.ModeFile && order[j] != store.ModeFile })

	if cfg.DefaultMode == "" {
		cfg.DefaultMode = order[0]
	}
	if _, ok := byMode[cfg.DefaultMode]; !ok {
		return nil, fmt.Errorf("%w: default mode %q", store.ErrModeUnavailable, cfg.DefaultMode)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = 10 * time.Minute
	}
	if cfg.KeyCacheSize <= 0 {
		cfg.KeyCacheSize = 10000
	}

	logger = logger.With("component", "threads")
	return &Repository{
		stores: byMode,
		order:  order,
		cfg:    cfg,
		policy: retry.New("storage", cfg.Retry, Classify, logger),
		keys:   dedupe.New(cfg.KeyCacheTTL, cfg.KeyCacheSize),
		logger: logger,
	}, nil
}

// Classify marks ErrStorageUnavailable as the only retryable storage condition
func Classify(err error) retry.Kind {
	if errors.Is(err, store.ErrStorageUnavailable) {
		return retry.Retryable
	}
	return retry.Fatal
}

// DefaultMode returns the mode new threads get when none is requested
func (r *Repository) DefaultMode() store.Mode { return r.cfg.DefaultMode }

// Modes lists the configured storage modes
func (r *Repository) Modes() []store.Mode {
	return append([]store.Mode(nil), r.order...)
}

// attempt runs op with a per-attempt timeout under the storage retry policy
func (r *Repository) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		if r.cfg.OpTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.OpTimeout)
			defer cancel()
		}
		return op(ctx)
	})
}

// CreateThread creates a thread in the requested mode, or the default mode
func (r *Repository) CreateThread(ctx context.Context, req CreateThreadRequest) (*store.Thread, error) {
	mode := req.Mode
	if mode == "" {
		mode = r.cfg.DefaultMode
	}
	s, ok := r.stores[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrModeUnavailable, mode)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.ValidateThreadID(id); err != nil {
		return nil, err
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	// IDs are unique across modes so a lookup can never be ambiguous.
	for _, other := range r.order {
		if other == mode {
			continue
		}
		err := r.attempt(ctx, func(ctx context.Context) error {
			_, err := r.stores[other].GetThread(ctx, id)
			return err
		})
		if err == nil {
			return nil, store.ErrDuplicateThread
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking thread id in %s store: %w", other, err)
		}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	thread := &store.Thread{
		ID:        id,
		OwnerID:   req.OwnerID,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tried := false
	err := r.attempt(ctx, func(ctx context.Context) error {
		err := s.CreateThread(ctx, thread)
		if errors.Is(err, store.ErrDuplicateThread) && tried {
			// An earlier attempt may have committed before reporting failure.
			existing, gerr := s.GetThread(ctx, id)
			if gerr == nil && existing.OwnerID == req.OwnerID && existing.CreatedAt.Equal(now) {
				return nil
			}
		}
		tried = true
		return err
	})
	if err != nil {
		return nil, err
	}

	r.modes.Store(id, mode)
	r.logger.Info("thread created", "thread_id", id, "mode", mode, "owner_id", req.OwnerID)
	return thread, nil
}

// GetThread resolves a thread through its stored mode tag
func (r *Repository) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	th, _, err := r.resolve(ctx, threadID)
	return th, err
}

func (r *Repository) resolve(ctx context.Context, threadID string) (*store.Thread, store.TurnStore, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, nil, err
	}

	candidates := r.order
	if cached, ok := r.modes.Load(threadID); ok {
		candidates = []store.Mode{cached.(store.Mode)}
	}

	for _, mode := range candidates {
		s := r.stores[mode]
		var th *store.Thread
		err := r.attempt(ctx, func(ctx context.Context) error {
			var err error
			th, err = s.GetThread(ctx, threadID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if th.Mode != s.Mode() {
			return nil, nil, fmt.Errorf("%w: thread %s tagged %q in %s store",
				store.ErrStorageCorrupt, threadID, th.Mode, s.Mode())
		}
		r.modes.Store(threadID, th.Mode)
		return th, s, nil
	}

	return nil, nil, fmt.Errorf("%w: %s: %w", store.ErrInvalidThread, threadID, store.ErrNotFound)
}

// AppendTurn appends turn to the thread. idemKey makes the call safe to repeat:
// a second append with the same key returns the first result. When idemKey is
// empty a fresh key is generated so internal retries cannot duplicate the turn.
func (r *Repository) AppendTurn(ctx context.Context, threadID string, turn *store.Turn, idemKey string) (*store.Turn, error) {
	if turn == nil {
		return nil, errors.New("turn is required")
	}
	_, s, err := r.resolve(ctx, threadID)
	if err != nil {
		return nil, err
	}

	t := *turn
	if idemKey == "" {
		idemKey = t.Key
	}
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	t.Key = idemKey
	cacheKey := dedupe.Key(threadID, idemKey)

	if seq, ok := r.keys.Lookup(cacheKey); ok {
		if existing, err := r.turnAt(ctx, s, threadID, seq); err == nil {
			return existing, nil
		}
		r.keys.Forget(cacheKey)
	}

	var stored *store.Turn
	err = r.attempt(ctx, func(ctx context.Context) error {
		var err error
		stored, err = s.AppendTurn(ctx, threadID, &t)
		return err
	})
	if err != nil {
		r.logger.Error("append failed", "thread_id", threadID, "mode", s.Mode(), "error", err)
		return nil, err
	}

	r.keys.Remember(cacheKey, stored.Seq)
	r.logger.Debug("turn appended", "thread_id", threadID, "seq", stored.Seq, "role", stored.Role)
	return stored, nil
}

func (r *Repository) turnAt(ctx context.Context, s store.TurnStore, threadID string, seq int64) (*store.Turn, error) {
	var page []*store.Turn
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		page, err = s.ListTurns(ctx, threadID, seq-1, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(page) == 0 || page[0].Seq != seq {
		return nil, store.ErrNotFound
	}
	return page[0], nil
}

// ListTurns returns turns with Seq > sinceSeq in order. The sequence is lazy:
// pages are fetched as the caller ranges, and ranging again starts over.
// A failure is yielded once as (nil, err) and ends the sequence.
func (r *Repository) ListTurns(ctx context.Context, threadID string, sinceSeq int64) iter.Seq2[*store.Turn, error] {
	return func(yield func(*store.Turn, error) bool) {
		_, s, err := r.resolve(ctx, threadID)
		if err != nil {
			yield(nil, err)
			return
		}

		cursor := sinceSeq
		for {
			var page []*store.Turn
			err := r.attempt(ctx, func(ctx context.Context) error {
				var err error
				page, err = s.ListTurns(ctx, threadID, cursor, r.cfg.PageSize)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				cursor = t.Seq
			}
			if len(page) < r.cfg.PageSize {
				return
			}
		}
	}
}

// ListTurnsPage returns a single page of turns
func (r *Repository) ListTurnsPage(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*store.Turn, error) {
	_, s, err := r.resolve(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var page []*store.Turn
	err = r.attempt(ctx, func(ctx context.Context) error {
		var err error
		page, err = s.ListTurns(ctx, threadID, sinceSeq, limit)
		return err
	})
	return page, err
}

// ListThreads merges threads from every store, most recently active first
func (r *Repository) ListThreads(ctx context.Context, ownerID string, limit int) ([]*store.Thread, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	var all []*store.Thread
	for _, mode := range r.order {
		s := r.stores[mode]
		var threads []*store.Thread
		err := r.attempt(ctx, func(ctx context.Context) error {
			var err error
			threads, err = s.ListThreads(ctx, ownerID, limit)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s threads: %w", mode, err)
		}
		all = append(all, threads...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Ping checks every store once, without retries
func (r *Repository) Ping(ctx context.Context) map[store.Mode]error {
	out := make(map[store.Mode]error, len(r.order))
	for _, mode := range r.order {
		out[mode] = r.stores[mode].Ping(ctx)
	}
	return out
}

// Close releases every store
func (r *Repository) Close() error {
	r.keys.Close()
	var errs []error
	for _, mode := range r.order {
		if err := r.stores[mode].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s store: %w", mode, err))
		}
	}
	return errors.Join(errs...)
}
