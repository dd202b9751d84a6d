// ABOUTME: deadletter command: lists journaled turns and replays them into their threads
// ABOUTME: Replay reuses each turn's idempotency key, so re-running it never duplicates a turn

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/gateway"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
)

func runDeadLetter(ctx context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "list" && args[0] != "replay") {
		return errors.New("usage: agent-bridge deadletter list|replay")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn"})

	dlq, err := store.NewDeadLetter(cfg.Storage.DeadLetterPath, logger)
	if err != nil {
		return err
	}
	entries, err := dlq.Entries()
	if err != nil {
		return err
	}

	if args[0] == "list" {
		return listDeadLetters(entries)
	}

	if len(entries) == 0 {
		fmt.Println("dead-letter journal is empty")
		return nil
	}
	repo, err := gateway.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	remaining := replayDeadLetters(ctx, repo, entries)
	if err := dlq.Replace(remaining); err != nil {
		return fmt.Errorf("rewriting journal: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Replayed %d of %d\n", len(entries)-len(remaining), len(entries))
	if len(remaining) > 0 {
		return fmt.Errorf("%d entries still pending in %s", len(remaining), dlq.Path())
	}
	return nil
}

func listDeadLetters(entries []store.DeadLetterEntry) error {
	if len(entries) == 0 {
		fmt.Println("dead-letter journal is empty")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tKEY\tRECORDED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ThreadID, e.Turn.Key, e.RecordedAt.Local().Format(time.DateTime), e.Error)
	}
	return tw.Flush()
}

// replayDeadLetters appends each entry and returns the ones that still failed.
// Entries whose thread no longer exists are dropped.
func replayDeadLetters(ctx context.Context, repo *threads.Repository, entries []store.DeadLetterEntry) []store.DeadLetterEntry {
	red := color.New(color.FgRed)
	var remaining []store.DeadLetterEntry
	for _, e := range entries {
		turn := e.Turn
		_, err := repo.AppendTurn(ctx, e.ThreadID, &turn, turn.Key)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			red.Printf("  ✗ %s: thread is gone, dropping %s\n", e.ThreadID, turn.Key)
		default:
			red.Printf("  ✗ %s %s: %v\n", e.ThreadID, turn.Key, err)
			remaining = append(remaining, e)
		}
	}
	return remaining
}
