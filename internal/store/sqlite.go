// ABOUTME: Database-mode TurnStore on SQLite via database/sql (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Bounded connection pool, scoped per-operation connections, idempotent schema creation

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names accepted by NewSQLiteStore
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// SQLiteOptions configures a SQLiteStore
type SQLiteOptions struct {
	Driver   string // DriverModernc (default) or DriverMattn
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteStore implements TurnStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore opens the database at opts.Path and creates the schema if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "mode", string(ModeDatabase))

	driverName := opts.Driver
	if driverName == "" {
		driverName = DriverModernc
	}
	if driverName != DriverModernc && driverName != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driverName)
	}
	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driverName, sqliteDSN(driverName, opts.Path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLiteStore{
		db:     db,
		driver: driverName,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", opts.Path, "driver", driverName, "pool_size", poolSize)
	return s, nil
}

// sqliteDSN sets per-connection pragmas through the DSN so every pooled
// connection gets them, not just the first one.
func sqliteDSN(driverName, path string) string {
	q := url.Values{}
	switch driverName {
	case DriverMattn:
		q.Set("_busy_timeout", "5000")
		q.Set("_journal_mode", "WAL")
		q.Set("_foreign_keys", "on")
		q.Set("_txlock", "immediate")
	default:
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "foreign_keys(1)")
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// Mode implements TurnStore
func (s *SQLiteStore) Mode() Mode { return ModeDatabase }

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL DEFAULT '',
			mode       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_seq   INTEGER NOT NULL DEFAULT 0,

			CHECK (mode IN ('file', 'database'))
		);

		CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS turns (
			thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			turn_key   TEXT,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_calls TEXT,
			created_at TEXT NOT NULL,

			PRIMARY KEY (thread_id, seq),
			CHECK (role IN ('user', 'assistant', 'tool'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_key
			ON turns(thread_id, turn_key) WHERE turn_key IS NOT NULL;
	`
	return s.withConn(ctx, "creating schema", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, schema)
		return err
	})
}

// runMigrations adds columns introduced after the first schema.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	migrations := []struct {
		column string
		apply  string
	}{
		{column: "agent", apply: `ALTER TABLE turns ADD COLUMN agent TEXT NOT NULL DEFAULT ''`},
		{column: "partial", apply: `ALTER TABLE turns ADD COLUMN partial INTEGER NOT NULL DEFAULT 0`},
	}

	return s.withConn(ctx, "running migrations", func(conn *sql.Conn) error {
		for _, m := range migrations {
			var exists int
			err := conn.QueryRowContext(ctx,
				`SELECT 1 FROM pragma_table_info('turns') WHERE name = ?`, m.column).Scan(&exists)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking %s column: %w", m.column, err)
			}
			if _, err := conn.ExecContext(ctx, m.apply); err != nil {
				return fmt.Errorf("adding %s column to turns: %w", m.column, err)
			}
			s.logger.Info("applied migration", "column", m.column, "table", "turns")
		}
		return nil
	})
}

// withConn runs fn on a connection taken from the pool and always returns it
func (s *SQLiteStore) withConn(ctx context.Context, op string, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return classifySQLiteError(op, err)
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		return classifySQLiteError(op, err)
	}
	return nil
}

// CreateThread inserts the thread row stamped with ModeDatabase
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := ValidateThreadID(thread.ID); err != nil {
		return err
	}
	thread.Mode = ModeDatabase

	err := s.withConn(ctx, "inserting thread", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO threads (id, owner_id, mode, created_at, updated_at, last_seq)
			VALUES (?, ?, ?, ?, ?, 0)`,
			thread.ID,
			thread.OwnerID,
			string(ModeDatabase),
			formatTime(thread.CreatedAt),
			formatTime(thread.UpdatedAt),
		)
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created thread", "thread_id", thread.ID)
	return nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var thread *Thread
	err := s.withConn(ctx, "querying thread", func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT id, owner_id, mode, created_at, updated_at, last_seq
			FROM threads
			WHERE id = ?`, id)
		var err error
		thread, err = scanThread(row)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return thread, err
}

// ListThreads returns threads most recently active first
func (s *SQLiteStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]*Thread, error) {
	limit = clampLimit(limit)

	var threads []*Thread
	err := s.withConn(ctx, "listing threads", func(conn *sql.Conn) error {
		query := `
			SELECT id, owner_id, mode, created_at, updated_at, last_seq
			FROM threads`
		args := []any{}
		if ownerID != "" {
			query += ` WHERE owner_id = ?`
			args = append(args, ownerID)
		}
		query += ` ORDER BY updated_at DESC LIMIT ?`
		args = append(args, limit)

		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			th, err := scanThread(rows)
			if err != nil {
				return err
			}
			threads = append(threads, th)
		}
		return rows.Err()
	})
	return threads, err
}

// AppendTurn allocates the sequence number and inserts the turn in one transaction
func (s *SQLiteStore) AppendTurn(ctx context.Context, threadID string, turn *Turn) (*Turn, error) {
	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	t := *turn
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	toolCalls, err := encodeToolCalls(t.ToolCalls)
	if err != nil {
		return nil, err
	}

	var result *Turn
	err = s.withConn(ctx, "appending turn", func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		if t.Key != "" {
			existing, err := scanTurn(tx.QueryRowContext(ctx, `
				SELECT seq, turn_key, role, content, agent, partial, tool_calls, created_at
				FROM turns
				WHERE thread_id = ? AND turn_key = ?`, threadID, t.Key))
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE threads SET last_seq = last_seq + 1, updated_at = ?
			WHERE id = ?`, formatTime(t.CreatedAt), threadID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT last_seq FROM threads WHERE id = ?`, threadID).Scan(&t.Seq); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (thread_id, seq, turn_key, role, content, agent, partial, tool_calls, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			threadID,
			t.Seq,
			nullString(t.Key),
			string(t.Role),
			t.Content,
			t.Agent,
			t.Partial,
			toolCalls,
			formatTime(t.CreatedAt),
		)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = &t
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTurns returns turns after sinceSeq in sequence order
func (s *SQLiteStore) ListTurns(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*Turn, error) {
	limit = clampLimit(limit)

	var turns []*Turn
	err := s.withConn(ctx, "listing turns", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT seq, turn_key, role, content, agent, partial, tool_calls, created_at
			FROM turns
			WHERE thread_id = ? AND seq > ?
			ORDER BY seq ASC
			LIMIT ?`, threadID, sinceSeq, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTurn(rows)
			if err != nil {
				return err
			}
			turns = append(turns, t)
		}
		return rows.Err()
	})
	return turns, err
}

// Ping verifies a pooled connection can be acquired and used
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// Close closes the database connection pool
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		th                   Thread
		mode                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&th.ID, &th.OwnerID, &mode, &createdAt, &updatedAt, &th.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	th.Mode = Mode(mode)
	if th.Mode != ModeDatabase {
		return nil, corrupt("scanning thread", fmt.Errorf("thread %s has mode %q", th.ID, mode))
	}
	if th.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupt("parsing created_at", err)
	}
	if th.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, corrupt("parsing updated_at", err)
	}
	return &th, nil
}

func scanTurn(row rowScanner) (*Turn, error) {
	var (
		t         Turn
		key       sql.NullString
		role      string
		toolCalls sql.NullString
		createdAt string
	)
	err := row.Scan(&t.Seq, &key, &role, &t.Content, &t.Agent, &t.Partial, &toolCalls, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Key = key.String
	t.Role = Role(role)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupt("parsing created_at", err)
	}
	if t.ToolCalls, err = decodeToolCalls(toolCalls.String); err != nil {
		return nil, err
	}
	return &t, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// classifySQLiteError maps driver failures onto the storage error taxonomy
func classifySQLiteError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateThread),
		errors.Is(err, ErrStorageCorrupt), errors.Is(err, ErrStorageUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone):
		return unavailable(op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open"),
		strings.Contains(msg, "disk i/o"):
		return unavailable(op, err)
	case strings.Contains(msg, "malformed"),
		strings.Contains(msg, "not a database"),
		strings.Contains(msg, "corrupt"):
		return corrupt(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// timeLayout is fixed width so that ORDER BY on the text columns sorts
// chronologically. RFC3339Nano drops trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeToolCalls(calls []ToolCall) (sql.NullString, error) {
	if len(calls) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding tool calls: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeToolCalls(s string) ([]ToolCall, error) {
	if s == "" {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, corrupt("decoding tool calls", err)
	}
	return calls, nil
}
