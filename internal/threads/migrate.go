// ABOUTME: Operator-run import of file-mode threads into the database store
// ABOUTME: Copies turns with stable keys into a derived thread id and leaves the source untouched

package threads

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agent-bridge/internal/store"
	"github.com/google/uuid"
)

// ErrNotFileThread is returned when a migration source is not a file-mode thread
var ErrNotFileThread = errors.New("thread is not in file mode")

// migrationNamespace seeds the derived ids of migrated threads.
var migrationNamespace = uuid.MustParse("5a0c7c52-3f7e-4c1e-9a59-6b1f0f2d8e41")

// MigratedID returns the database-mode thread id a file thread is copied to.
// It is stable so an interrupted migration resumes into the same thread.
func MigratedID(sourceID string) string {
	return uuid.NewSHA1(migrationNamespace, []byte(sourceID)).String()
}

// MigrationResult describes one migrated thread
type MigrationResult struct {
	SourceID string
	TargetID string
	OwnerID  string
	Turns    int
	Copied   int
}

// Migrate copies the file-mode thread sourceID into a database-mode thread
// with the same owner. Turns keep their idempotency keys, so running it again
// only copies turns that are missing. The source thread is never modified.
func (r *Repository) Migrate(ctx context.Context, sourceID string) (*MigrationResult, error) {
	if _, ok := r.stores[store.ModeDatabase]; !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrModeUnavailable, store.ModeDatabase)
	}
	src, err := r.GetThread(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Mode != store.ModeFile {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFileThread, sourceID, src.Mode)
	}

	res := &MigrationResult{SourceID: sourceID, TargetID: MigratedID(sourceID), OwnerID: src.OwnerID}
	target, err := r.migrationTarget(ctx, src, res.TargetID)
	if err != nil {
		return nil, err
	}
	before := target.LastSeq

	var last *store.Turn
	for turn, err := range r.ListTurns(ctx, sourceID, 0) {
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", sourceID, err)
		}
		res.Turns++
		copied := *turn
		copied.Seq = 0
		key := turn.Key
		if key == "" {
			key = fmt.Sprintf("migrate:%s:%d", sourceID, turn.Seq)
		}
		if last, err = r.AppendTurn(ctx, res.TargetID, &copied, key); err != nil {
			return nil, fmt.Errorf("copying turn %d of %s: %w", turn.Seq, sourceID, err)
		}
	}
	if last != nil && last.Seq > before {
		res.Copied = int(last.Seq - before)
	}

	r.logger.Info("thread migrated",
		"source_id", sourceID,
		"target_id", res.TargetID,
		"turns", res.Turns,
		"copied", res.Copied,
	)
	return res, nil
}

// migrationTarget creates the target thread, or returns it when an earlier
// run already created it for the same owner.
func (r *Repository) migrationTarget(ctx context.Context, src *store.Thread, targetID string) (*store.Thread, error) {
	target, err := r.CreateThread(ctx, CreateThreadRequest{
		ID:      targetID,
		OwnerID: src.OwnerID,
		Mode:    store.ModeDatabase,
	})
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, store.ErrDuplicateThread) {
		return nil, fmt.Errorf("creating %s: %w", targetID, err)
	}

	target, err = r.GetThread(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Mode != store.ModeDatabase || target.OwnerID != src.OwnerID {
		return nil, fmt.Errorf("%w: %s exists with mode %s owner %q",
			store.ErrDuplicateThread, targetID, target.Mode, target.OwnerID)
	}
	return target, nil
}

// FileThreads lists file-mode threads for ownerID ("" for every owner), most
// recently active first, up to store.MaxListLimit.
func (r *Repository) FileThreads(ctx context.Context, ownerID string) ([]*store.Thread, error) {
	s, ok := r.stores[store.ModeFile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrModeUnavailable, store.ModeFile)
	}
	var list []*store.Thread
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.ListThreads(ctx, ownerID, store.MaxListLimit)
		return err
	})
	return list, err
}
