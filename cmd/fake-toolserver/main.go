// ABOUTME: Minimal MCP tool server for local development and E2E testing
// ABOUTME: Usage: fake-toolserver [-addr localhost:8090] [-slow 0s]; serves add, echo and get_server_time at /mcp

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/2389/agent-bridge/internal/mcp"
)

func main() {
	addr := flag.String("addr", "localhost:8090", "HTTP listen address")
	slow := flag.Duration("slow", 0, "delay before every tool answers")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*addr, *slow, logger); err != nil {
		logger.Error("fake-toolserver failed", "error", err)
		os.Exit(1)
	}
}

func run(addr string, slow time.Duration, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := newToolServer(slow, logger)
	mux := http.NewServeMux()
	mux.Handle("/mcp", srv)

	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fake tool server listening", "addr", addr, "endpoint", "/mcp")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newToolServer(slow time.Duration, logger *slog.Logger) *mcp.Server {
	srv := mcp.NewServer(mcp.ServerConfig{Name: "fake-toolserver", Version: "dev", Logger: logger})

	wait := func(ctx context.Context) error {
		if slow <= 0 {
			return nil
		}
		select {
		case <-time.After(slow):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	srv.AddTool(mcp.Tool{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	}, func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		var in struct {
			A *float64 `json:"a"`
			B *float64 `json:"b"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.A == nil || in.B == nil {
			return mcp.TextResult("add needs numeric a and b", true), nil
		}
		return mcp.TextResult(strconv.FormatFloat(*in.A+*in.B, 'f', -1, 64), false), nil
	})

	srv.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Return the given text",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return mcp.TextResult(fmt.Sprintf("invalid arguments: %v", err), true), nil
		}
		return mcp.TextResult(in.Text, false), nil
	})

	srv.AddTool(mcp.Tool{
		Name:        "get_server_time",
		Description: "Current server time in RFC 3339",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		return mcp.TextResult(time.Now().UTC().Format(time.RFC3339), false), nil
	})

	return srv
}
