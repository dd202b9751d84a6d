// ABOUTME: migrate command: imports file-mode threads into the database store on request
// ABOUTME: Sources keep their mode; each copy lands in a derived thread id and re-runs are safe

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/gateway"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
)

func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	threadID := fs.String("thread", "", "file-mode thread to migrate")
	all := fs.Bool("all", false, "migrate every file-mode thread")
	owner := fs.String("owner", "", "with --all, only migrate this owner's threads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*threadID == "") == !*all {
		return errors.New("usage: agent-bridge migrate --thread ID | --all [--owner ID]")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Storage.File.Enabled || !cfg.Storage.Database.Enabled {
		return errors.New("migrate needs both storage.file and storage.database enabled")
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn"})

	repo, err := gateway.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	ids := []string{*threadID}
	if *all {
		list, err := repo.FileThreads(ctx, *owner)
		if err != nil {
			return err
		}
		if len(list) == store.MaxListLimit {
			color.New(color.FgYellow).Fprintf(os.Stderr,
				"listing capped at %d threads; re-run with --owner to reach the rest\n", store.MaxListLimit)
		}
		ids = ids[:0]
		for _, th := range list {
			ids = append(ids, th.ID)
		}
	}

	failed := migrateThreads(ctx, repo, ids, os.Stdout)
	if failed > 0 {
		return fmt.Errorf("%d of %d threads failed to migrate", failed, len(ids))
	}
	return nil
}

// migrateThreads migrates each id, prints a summary table to w and returns
// the number of failures.
func migrateThreads(ctx context.Context, repo *threads.Repository, ids []string, w io.Writer) int {
	if len(ids) == 0 {
		fmt.Fprintln(w, "no file-mode threads to migrate")
		return 0
	}

	red := color.New(color.FgRed)
	failed := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTARGET\tOWNER\tTURNS\tCOPIED")
	for _, id := range ids {
		res, err := repo.Migrate(ctx, id)
		if err != nil {
			red.Fprintf(os.Stderr, "  ✗ %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", res.SourceID, res.TargetID, res.OwnerID, res.Turns, res.Copied)
	}
	_ = tw.Flush()
	return failed
}
