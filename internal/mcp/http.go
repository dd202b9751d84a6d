// ABOUTME: Streamable HTTP transport for talking to a remote MCP server
// ABOUTME: Tracks the Mcp-Session-Id and accepts JSON or event-stream responses

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// maxResponseSize bounds a single response body or SSE event.
const maxResponseSize = 10 << 20

var (
	// ErrTransport wraps failures to reach the server or get a usable reply.
	ErrTransport = errors.New("mcp transport failure")
	// ErrSessionExpired means the server no longer knows our session and we must re-initialize.
	ErrSessionExpired = errors.New("mcp session expired")
)

// Transport delivers JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers a request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify delivers a notification; no response is expected.
	Notify(ctx context.Context, req *Request) error
	// Reset forgets any session state so the next initialize starts fresh.
	Reset()
	Close() error
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// URL is the MCP endpoint.
	URL string
	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string
	// Client overrides the HTTP client; http.DefaultClient's transport is used otherwise.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over Streamable HTTP. Each
// message is an HTTP POST; replies come back as a JSON body or an SSE stream.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu              sync.RWMutex
	sessionID       string
	protocolVersion string
}

// NewHTTPTransport creates a transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
}

// SessionID returns the current session, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send posts req and decodes the response with the matching ID.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(httpResp.Body)

	if err := t.checkStatus(httpResp); err != nil {
		return nil, err
	}

	if req.Method == "initialize" {
		t.mu.Lock()
		t.sessionID = httpResp.Header.Get(SessionHeader)
		t.mu.Unlock()
	}

	mediaType := strings.TrimSpace(strings.Split(httpResp.Header.Get("Content-Type"), ";")[0])
	var resp *Response
	switch mediaType {
	case "text/event-stream":
		resp, err = readEventStream(httpResp.Body, req.ID)
	default:
		resp, err = readJSON(httpResp.Body)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if req.Method == "initialize" && resp.Error == nil {
		var result InitializeResult
		if json.Unmarshal(resp.Result, &result) == nil && result.ProtocolVersion != "" {
			t.mu.Lock()
			t.protocolVersion = result.ProtocolVersion
			t.mu.Unlock()
		}
	}
	return resp, nil
}

// Notify posts a notification. Both 200 and 202 are accepted.
func (t *HTTPTransport) Notify(ctx context.Context, req *Request) error {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return err
	}
	defer drainAndClose(httpResp.Body)
	return t.checkStatus(httpResp)
}

// Reset drops the session so the next request starts a new one.
func (t *HTTPTransport) Reset() {
	t.mu.Lock()
	t.sessionID = ""
	t.protocolVersion = ""
	t.mu.Unlock()
}

// Close terminates the server-side session if there is one.
func (t *HTTPTransport) Close() error {
	sessionID := t.SessionID()
	t.Reset()
	if sessionID == "" {
		return nil
	}

	httpReq, err := http.NewRequest(http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	t.applyHeaders(httpReq)
	httpReq.Header.Set(SessionHeader, sessionID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return nil
	}
	drainAndClose(resp.Body)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(httpReq)

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(SessionHeader, t.sessionID)
	}
	if t.protocolVersion != "" {
		httpReq.Header.Set(ProtocolHeader, t.protocolVersion)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, t.url, err)
	}
	return resp, nil
}

func (t *HTTPTransport) applyHeaders(r *http.Request) {
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
}

func (t *HTTPTransport) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusNotFound && resp.Request.Header.Get(SessionHeader) != "":
		t.Reset()
		return ErrSessionExpired
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: server returned %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func readJSON(body io.Reader) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// readEventStream scans SSE events until one carries the response for id.
// Server-initiated requests and notifications on the stream are skipped.
func readEventStream(body io.Reader, id json.RawMessage) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseSize)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.Result == nil && resp.Error == nil {
			return nil, false
		}
		if len(id) > 0 && !bytes.Equal(bytes.TrimSpace(resp.ID), bytes.TrimSpace(id)) {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without a response")
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
