// ABOUTME: Tests for the agent-bridge operator commands
// ABOUTME: Covers init output, dead-letter replay and migration idempotency, and logger selection

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/retry"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
)

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config", "config.yaml")
	t.Setenv(config.EnvConfigPath, configPath)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	require.NoError(t, runInit(nil))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "agent-bridge", "threads"), cfg.Storage.File.Root)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)

	err = runInit(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, runInit([]string{"--force"}))
}

func TestReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	fileStore, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	repo, err := threads.New(threads.Config{
		DefaultMode: store.ModeFile,
		Retry:       retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, []store.TurnStore{fileStore}, nil)
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.CreateThread(ctx, threads.CreateThreadRequest{ID: "t1", OwnerID: "alice"})
	require.NoError(t, err)

	dlq, err := store.NewDeadLetter(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)
	require.NoError(t, err)
	cause := errors.New("storage unavailable")
	require.NoError(t, dlq.Record(ctx, "t1", &store.Turn{Key: "run-1:assistant", Role: store.RoleAssistant, Content: "hi"}, cause))
	require.NoError(t, dlq.Record(ctx, "gone", &store.Turn{Key: "run-2:assistant", Role: store.RoleAssistant, Content: "lost"}, cause))

	entries, err := dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	remaining := replayDeadLetters(ctx, repo, entries)
	assert.Empty(t, remaining)

	// A second replay of the same entries must not duplicate the turn.
	remaining = replayDeadLetters(ctx, repo, entries)
	assert.Empty(t, remaining)

	turns, err := repo.ListTurnsPage(ctx, "t1", 0, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, "run-1:assistant", turns[0].Key)
}

func TestMigrateThreads(t *testing.T) {
	ctx := context.Background()
	fileStore, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	dbStore, err := store.NewSQLiteStore(store.SQLiteOptions{Path: filepath.Join(t.TempDir(), "threads.db")})
	require.NoError(t, err)
	repo, err := threads.New(threads.Config{
		DefaultMode: store.ModeFile,
		Retry:       retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, []store.TurnStore{fileStore, dbStore}, nil)
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.CreateThread(ctx, threads.CreateThreadRequest{ID: "legacy", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = repo.AppendTurn(ctx, "legacy", &store.Turn{Role: store.RoleUser, Content: "hi"}, "")
	require.NoError(t, err)
	_, err = repo.AppendTurn(ctx, "legacy", &store.Turn{Role: store.RoleAssistant, Content: "hello"}, "")
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Zero(t, migrateThreads(ctx, repo, []string{"legacy"}, &out))
	assert.Contains(t, out.String(), threads.MigratedID("legacy"))

	// A second run copies nothing new.
	out.Reset()
	assert.Zero(t, migrateThreads(ctx, repo, []string{"legacy"}, &out))

	turns, err := repo.ListTurnsPage(ctx, threads.MigratedID("legacy"), 0, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[1].Content)

	src, err := fileStore.GetThread(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, store.ModeFile, src.Mode)

	assert.Equal(t, 1, migrateThreads(ctx, repo, []string{"missing"}, &out))
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	_, isJSON := logger.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = setupLogger(config.LoggingConfig{Level: "warn"})
	_, isColor := logger.Handler().(*colorHandler)
	assert.True(t, isColor)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
