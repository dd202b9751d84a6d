// ABOUTME: HTTP runner client speaking newline-delimited JSON events
// ABOUTME: POST /runs streams events; POST /runs/{id}/tool_results answers tool calls

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxEventSize bounds one NDJSON line.
const maxEventSize = 4 << 20

// HTTPConfig configures an HTTPRunner.
type HTTPConfig struct {
	URL string
	// RunTimeout bounds an entire run, including tool round trips.
	RunTimeout time.Duration
	Client     *http.Client
	Logger     *slog.Logger
}

// HTTPRunner starts runs on a remote runner service.
type HTTPRunner struct {
	base    string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPRunner creates a runner client for cfg.URL.
func NewHTTPRunner(cfg HTTPConfig) (*HTTPRunner, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid runner url %q", cfg.URL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &HTTPRunner{
		base:    strings.TrimRight(cfg.URL, "/"),
		timeout: cfg.RunTimeout,
		client:  client,
		logger:  logger.With("component", "runner"),
	}, nil
}

// StartRun posts the request and returns once the runner accepted it.
func (r *HTTPRunner) StartRun(ctx context.Context, req *RunRequest) (Run, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	httpReq, err := http.NewRequestWithContext(rctx, http.MethodPost, r.base+"/runs", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrRunnerUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrRunnerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: runner returned %d: %s", ErrRunnerUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	run := &httpRun{
		id:     req.RunID,
		runner: r,
		events: make(chan Event, 16),
		logger: r.logger.With("run_id", req.RunID, "thread_id", req.ThreadID),
	}
	go run.read(rctx, cancel, resp.Body)

	r.logger.Debug("run started", "run_id", req.RunID, "thread_id", req.ThreadID, "prior_turns", len(req.PriorTurns))
	return run, nil
}

type httpRun struct {
	id     string
	runner *HTTPRunner
	events chan Event
	logger *slog.Logger
}

func (h *httpRun) ID() string           { return h.id }
func (h *httpRun) Events() <-chan Event { return h.events }

// read decodes NDJSON lines until a terminal event, EOF, or cancellation.
// A stream that ends without a terminal event yields a synthetic error event.
func (h *httpRun) read(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) {
	defer cancel()
	defer close(h.events)
	defer body.Close()

	emit := func(ev Event) bool {
		select {
		case h.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || !valid(ev) {
			h.logger.Warn("malformed runner event", "line", truncate(string(line), 200), "error", err)
			emit(Event{Type: EventError, Error: fmt.Sprintf("%v: %s", ErrMalformedStream, truncate(string(line), 200))})
			return
		}
		if !emit(ev) || ev.Terminal() {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	reason := "stream ended without completion"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	emit(Event{Type: EventError, Error: fmt.Sprintf("%v: %s", ErrMalformedStream, reason)})
}

// SubmitToolResult posts the result of a tool call back to the runner.
func (h *httpRun) SubmitToolResult(ctx context.Context, result ToolResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	endpoint := h.runner.base + "/runs/" + url.PathEscape(h.id) + "/tool_results"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.runner.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: submit tool result: %w", ErrRunnerUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownRun, h.id)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: tool result rejected with %d", ErrRunnerUnavailable, resp.StatusCode)
	}
	return nil
}

func valid(ev Event) bool {
	switch ev.Type {
	case EventToolCall:
		return ev.ToolCall != nil && ev.ToolCall.CallID != "" && ev.ToolCall.Name != ""
	case EventTextDelta, EventHandoff, EventCompleted, EventError:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
