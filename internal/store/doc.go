// Package store persists agent-bridge threads and their turns.
//
// # Backends
//
// Every backend implements TurnStore and tags the threads it creates with
// its Mode:
//
//   - FileStore (ModeFile): one append-only JSON-lines log per thread
//     under a root directory, fsynced on every append
//   - SQLiteStore (ModeDatabase): database/sql on modernc.org/sqlite
//     (driver "sqlite") or mattn/go-sqlite3 (driver "sqlite3")
//   - PostgresStore (ModeDatabase): a bounded pgx pool
//   - MemoryStore: in-process, with injectable failures for tests
//
// A thread's mode never changes; the threads package routes each call to
// the store that owns the thread.
//
// # Turns
//
// AppendTurn assigns the next sequence number atomically, so sequences per
// thread are strictly increasing and gap-free. A turn with a Key that is
// already stored returns the stored turn instead of appending a duplicate.
//
// # Errors
//
//   - ErrNotFound: the thread does not exist
//   - ErrDuplicateThread: CreateThread with an ID already in use
//   - ErrStorageUnavailable: transient backend failure, safe to retry
//   - ErrStorageCorrupt: stored data could not be decoded
//   - ErrInvalidThread: malformed thread ID or unknown thread
//   - ErrModeUnavailable: the requested mode has no configured store
//
// # Dead letters
//
// DeadLetter is a JSON-lines journal of assistant turns that reached the
// client but could not be persisted. Entries keep their idempotency keys so
// replaying them is safe to repeat.
package store
