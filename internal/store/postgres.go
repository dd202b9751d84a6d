// ABOUTME: Database-mode TurnStore on PostgreSQL using a bounded pgxpool
// ABOUTME: Each operation acquires one pooled connection and releases it on every path

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/agent-bridge/internal/retry"
)

// PostgresOptions configures a PostgresStore
type PostgresOptions struct {
	URL      string
	PoolSize int
	Logger   *slog.Logger

	// Startup bounds the wait for a server that is not accepting
	// connections yet. Zero values take StartupRetry.
	Startup retry.Config
}

// StartupRetry waits up to about a minute for the server to come up
func StartupRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 30,
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Second,
		Multiplier:  1,
	}
}

// PostgresStore implements TurnStore on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects the pool and creates the schema if it doesn't exist
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "mode", string(ModeDatabase))

	if opts.URL == "" {
		return nil, errors.New("postgres url is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if opts.PoolSize > 0 {
		cfg.MaxConns = int32(opts.PoolSize)
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	startup := opts.Startup
	if startup.MaxAttempts == 0 {
		startup = StartupRetry()
	}
	policy := retry.New("postgres-startup", startup, classifyStartup, logger)

	s := &PostgresStore{pool: pool, logger: logger}
	err = policy.Do(ctx, func(ctx context.Context) error {
		if err := s.Ping(ctx); err != nil {
			return err
		}
		return s.createSchema(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "max_conns", cfg.MaxConns)
	return s, nil
}

// Mode implements TurnStore
func (s *PostgresStore) Mode() Mode { return ModeDatabase }

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL DEFAULT '',
			mode       TEXT NOT NULL CHECK (mode IN ('file', 'database')),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_seq   BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS turns (
			thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			seq        BIGINT NOT NULL,
			turn_key   TEXT,
			role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'tool')),
			content    TEXT NOT NULL,
			agent      TEXT NOT NULL DEFAULT '',
			partial    BOOLEAN NOT NULL DEFAULT FALSE,
			tool_calls JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, seq)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_key
			ON turns(thread_id, turn_key) WHERE turn_key IS NOT NULL;
	`
	return s.withConn(ctx, "creating schema", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, schema)
		return err
	})
}

// withConn acquires a pooled connection for the duration of fn
func (s *PostgresStore) withConn(ctx context.Context, op string, fn func(*pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return classifyPostgresError(op, err)
	}
	defer conn.Release()

	if err := fn(conn); err != nil {
		return classifyPostgresError(op, err)
	}
	return nil
}

// CreateThread inserts the thread row stamped with ModeDatabase
func (s *PostgresStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := ValidateThreadID(thread.ID); err != nil {
		return err
	}
	thread.Mode = ModeDatabase

	err := s.withConn(ctx, "inserting thread", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO threads (id, owner_id, mode, created_at, updated_at, last_seq)
			VALUES ($1, $2, $3, $4, $5, 0)`,
			thread.ID, thread.OwnerID, string(ModeDatabase),
			nowIfZero(thread.CreatedAt), nowIfZero(thread.UpdatedAt))
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Debug("created thread", "thread_id", thread.ID)
	return nil
}

// GetThread retrieves a thread by ID
func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var thread *Thread
	err := s.withConn(ctx, "querying thread", func(conn *pgxpool.Conn) error {
		var err error
		thread, err = scanPgThread(conn.QueryRow(ctx, `
			SELECT id, owner_id, mode, created_at, updated_at, last_seq
			FROM threads WHERE id = $1`, id))
		return err
	})
	return thread, err
}

// ListThreads returns threads most recently active first
func (s *PostgresStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]*Thread, error) {
	limit = clampLimit(limit)

	var threads []*Thread
	err := s.withConn(ctx, "listing threads", func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, owner_id, mode, created_at, updated_at, last_seq
			FROM threads
			WHERE $1 = '' OR owner_id = $1
			ORDER BY updated_at DESC
			LIMIT $2`, ownerID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			th, err := scanPgThread(rows)
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
func (s *PostgresStore) AppendTurn(ctx context.Context, threadID string, turn *Turn) (*Turn, error) {
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
	err = s.withConn(ctx, "appending turn", func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

		// Row lock on the thread serializes appenders before the key check.
		err = tx.QueryRow(ctx, `
			UPDATE threads SET last_seq = last_seq + 1, updated_at = $2
			WHERE id = $1
			RETURNING last_seq`, threadID, t.CreatedAt).Scan(&t.Seq)
		if err != nil {
			return err
		}

		if t.Key != "" {
			existing, err := scanPgTurn(tx.QueryRow(ctx, `
				SELECT seq, turn_key, role, content, agent, partial, tool_calls, created_at
				FROM turns WHERE thread_id = $1 AND turn_key = $2`, threadID, t.Key))
			if err == nil {
				result = existing
				return nil // rollback releases the allocated seq
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO turns (thread_id, seq, turn_key, role, content, agent, partial, tool_calls, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
			threadID, t.Seq, nullString(t.Key), string(t.Role), t.Content,
			t.Agent, t.Partial, toolCalls, t.CreatedAt)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTurns returns turns after sinceSeq in sequence order
func (s *PostgresStore) ListTurns(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]*Turn, error) {
	limit = clampLimit(limit)

	var turns []*Turn
	err := s.withConn(ctx, "listing turns", func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT seq, turn_key, role, content, agent, partial, tool_calls, created_at
			FROM turns
			WHERE thread_id = $1 AND seq > $2
			ORDER BY seq ASC
			LIMIT $3`, threadID, sinceSeq, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanPgTurn(rows)
			if err != nil {
				return err
			}
			turns = append(turns, t)
		}
		return rows.Err()
	})
	return turns, err
}

// Ping verifies a pooled connection can reach the server
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// Close waits for acquired connections to be released and closes the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func scanPgThread(row pgx.Row) (*Thread, error) {
	var (
		th   Thread
		mode string
	)
	err := row.Scan(&th.ID, &th.OwnerID, &mode, &th.CreatedAt, &th.UpdatedAt, &th.LastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	th.Mode = Mode(mode)
	if th.Mode != ModeDatabase {
		return nil, corrupt("scanning thread", fmt.Errorf("thread %s has mode %q", th.ID, mode))
	}
	return &th, nil
}

func scanPgTurn(row pgx.Row) (*Turn, error) {
	var (
		t         Turn
		key       *string
		role      string
		toolCalls []byte
	)
	err := row.Scan(&t.Seq, &key, &role, &t.Content, &t.Agent, &t.Partial, &toolCalls, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if key != nil {
		t.Key = *key
	}
	t.Role = Role(role)
	if t.ToolCalls, err = decodeToolCalls(string(toolCalls)); err != nil {
		return nil, err
	}
	return &t, nil
}

func classifyStartup(err error) retry.Kind {
	if errors.Is(err, ErrStorageUnavailable) {
		return retry.Retryable
	}
	return retry.Fatal
}

// classifyPostgresError maps pgx failures onto the storage error taxonomy
func classifyPostgresError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStorageCorrupt), errors.Is(err, ErrStorageUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return unavailable(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ErrDuplicateThread
		case pgErr.Code == "XX001" || pgErr.Code == "XX002":
			return corrupt(op, err)
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53"),
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
