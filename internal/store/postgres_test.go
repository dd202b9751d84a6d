// ABOUTME: Tests for the Postgres store, run only when AGENT_BRIDGE_TEST_PG_DSN is set
// ABOUTME: Each test gets a clean pair of tables; error classification is tested without a server

package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-bridge/internal/retry"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("AGENT_BRIDGE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("AGENT_BRIDGE_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, PostgresOptions{URL: dsn, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.withConn(ctx, "reset", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `TRUNCATE turns, threads`)
		return err
	}))
	return s
}

func TestPostgresStore_Suite(t *testing.T) {
	runTurnStoreSuite(t, func(t *testing.T) TurnStore {
		return newTestPostgresStore(t)
	})
}

func TestNewPostgresStore_RetriesUntilServerIsUp(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	// Nothing listens on port 1, so every attempt is refused.
	_, err := NewPostgresStore(context.Background(), PostgresOptions{
		URL:    "postgres://bridge@127.0.0.1:1/bridge?sslmode=disable&connect_timeout=1",
		Logger: logger,
		Startup: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 2, strings.Count(logs.String(), "retrying after error"))
}

func TestStartupRetry_Defaults(t *testing.T) {
	cfg := StartupRetry()
	assert.Equal(t, 30, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BaseDelay)
}

func TestClassifyPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, ErrStorageUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, ErrStorageUnavailable},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrStorageUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrStorageUnavailable},
		{"data corrupted", &pgconn.PgError{Code: "XX001"}, ErrStorageCorrupt},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrDuplicateThread},
		{"deadline", context.DeadlineExceeded, ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyPostgresError("op", tt.err), tt.want)
		})
	}

	plain := classifyPostgresError("op", &pgconn.PgError{Code: "42601"})
	assert.False(t, errors.Is(plain, ErrStorageUnavailable))
	assert.ErrorIs(t, classifyPostgresError("op", context.Canceled), context.Canceled)
}
