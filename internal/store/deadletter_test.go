// ABOUTME: Tests for the dead-letter journal
// ABOUTME: Covers append, read-back, torn-line tolerance, and atomic replacement

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetter_RecordAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl", "deadletter.jsonl")
	dl, err := NewDeadLetter(path, nil)
	require.NoError(t, err)

	entries, err := dl.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	turn := &Turn{Key: "run-1:assistant", Role: RoleAssistant, Content: "Hi there"}
	require.NoError(t, dl.Record(context.Background(), "t1", turn, errors.New("db down")))

	entries, err = dl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ThreadID)
	assert.Equal(t, "run-1:assistant", entries[0].Turn.Key)
	assert.Equal(t, "db down", entries[0].Error)
	assert.False(t, entries[0].RecordedAt.IsZero())
}

func TestDeadLetter_SkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	dl, err := NewDeadLetter(path, nil)
	require.NoError(t, err)
	require.NoError(t, dl.Record(context.Background(), "t1", &Turn{Role: RoleAssistant}, nil))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"thread_id":"t2","tu`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := dl.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeadLetter_Replace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	dl, err := NewDeadLetter(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dl.Record(ctx, "t1", &Turn{Key: "a", Role: RoleAssistant}, nil))
	require.NoError(t, dl.Record(ctx, "t2", &Turn{Key: "b", Role: RoleAssistant}, nil))

	entries, err := dl.Entries()
	require.NoError(t, err)
	require.NoError(t, dl.Replace(entries[1:]))

	entries, err = dl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].ThreadID)

	require.NoError(t, dl.Replace(nil))
	entries, err = dl.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
