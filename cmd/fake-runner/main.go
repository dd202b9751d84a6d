// ABOUTME: Scripted agent runner for local development and E2E testing
// ABOUTME: Usage: fake-runner [-addr localhost:8091] [-word-delay 50ms]

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/agent-bridge/internal/runner"
)

func main() {
	addr := flag.String("addr", "localhost:8091", "HTTP listen address")
	wordDelay := flag.Duration("word-delay", 50*time.Millisecond, "delay between streamed words")
	toolWait := flag.Duration("tool-wait", 30*time.Second, "how long a run waits for a tool result")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	script := runner.NewScript(logger)
	script.WordDelay = *wordDelay
	script.ToolWait = *toolWait

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{Addr: *addr, Handler: script.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fake runner listening", "addr", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("fake-runner failed", "error", err)
		os.Exit(1)
	}
}
