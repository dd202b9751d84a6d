// ABOUTME: Client for one MCP tool server with capability discovery and health tracking
// ABOUTME: Reconnects are collapsed with singleflight and throttled with a rate limiter

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/2389/agent-bridge/internal/mcp"
	"github.com/2389/agent-bridge/internal/retry"
)

// Capability is one tool offered by a server.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Server      string          `json:"server"`
}

// ServerConfig names one MCP tool server.
type ServerConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// ClientConfig tunes a Client.
type ClientConfig struct {
	// InvokeTimeout bounds each tool call (and each reconnect handshake).
	InvokeTimeout time.Duration
	// ReconnectInterval is the minimum spacing between reconnect attempts.
	ReconnectInterval time.Duration
	Retry             retry.Config
}

const (
	defaultInvokeTimeout     = 30 * time.Second
	defaultReconnectInterval = 2 * time.Second
)

// session is the subset of *mcp.Client the tool client drives.
type session interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Client tracks one tool server.
type Client struct {
	name    string
	url     string
	sess    session
	cfg     ClientConfig
	policy  *retry.Policy
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *slog.Logger

	state  atomic.Int32
	closed atomic.Bool

	mu        sync.RWMutex
	caps      []Capability
	lastErr   error
	lastCheck time.Time
	onChange  func()
}

// NewClient creates a client for an MCP server reachable over HTTP. It does not connect.
func NewClient(server ServerConfig, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
		URL:     server.URL,
		Headers: server.Headers,
		Logger:  logger,
	})
	return newClient(server, mcp.NewClient(server.Name, transport, logger), cfg, logger)
}

func newClient(server ServerConfig, sess session, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 2
	}
	logger = logger.With("component", "tools", "tool_server", server.Name)
	c := &Client{
		name:    server.Name,
		url:     server.URL,
		sess:    sess,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		logger:  logger,
	}
	c.policy = retry.New("tool:"+server.Name, cfg.Retry, classify, logger)
	return c
}

// classify retries only when the request never produced a tool outcome.
func classify(err error) retry.Kind {
	if errors.Is(err, mcp.ErrSessionExpired) || errors.Is(err, mcp.ErrTransport) {
		return retry.Retryable
	}
	return retry.Fatal
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Capabilities returns the tools discovered by the current connection. It is
// empty while the client is disconnected.
func (c *Client) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

// Connect performs the handshake and capability discovery. Concurrent callers
// share one attempt.
func (c *Client) Connect(ctx context.Context) ([]Capability, error) {
	return c.connectShared(ctx, true)
}

// connectShared runs or joins the single in-flight connect. Without force a
// client that is already Ready by the time the flight starts is left alone.
func (c *Client) connectShared(ctx context.Context, force bool) ([]Capability, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s: client closed", ErrToolUnreachable, c.name)
	}
	ch := c.group.DoChan("connect", func() (any, error) {
		if !force && c.State() == StateReady {
			return c.Capabilities(), nil
		}
		// Detached so one caller's cancellation does not fail the others.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.InvokeTimeout)
		defer cancel()
		return c.connect(cctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Capability), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) ([]Capability, error) {
	c.setState(StateConnecting)

	if err := c.sess.Initialize(ctx); err != nil {
		return nil, c.connectFailed(err)
	}
	tools, err := c.sess.ListTools(ctx)
	if err != nil {
		return nil, c.connectFailed(err)
	}

	caps := make([]Capability, 0, len(tools))
	for _, t := range tools {
		caps = append(caps, Capability{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Server:      c.name,
		})
	}

	c.mu.Lock()
	c.caps = caps
	c.lastErr = nil
	c.lastCheck = time.Now()
	hook := c.onChange
	c.mu.Unlock()

	if c.closed.Load() {
		c.disconnect(nil)
		return nil, fmt.Errorf("%w: %s: client closed", ErrToolUnreachable, c.name)
	}
	c.setState(StateReady)
	c.logger.Info("tool server connected", "tools", len(caps))
	if hook != nil {
		hook()
	}
	return caps, nil
}

func (c *Client) connectFailed(err error) error {
	c.disconnect(err)
	c.logger.Warn("tool server connect failed", "error", err)
	return fmt.Errorf("%w: %s: %w", ErrToolUnreachable, c.name, err)
}

// reconnect connects if the limiter allows another attempt now. Callers
// arriving while a connect is in flight join it instead.
func (c *Client) reconnect(ctx context.Context) error {
	if c.State() != StateConnecting && !c.limiter.Allow() {
		return fmt.Errorf("%w: %s: reconnect throttled", ErrToolUnreachable, c.name)
	}
	_, err := c.connectShared(ctx, false)
	return err
}

// Invoke calls a tool on this server under the bounded invoke timeout.
func (c *Client) Invoke(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s: client closed", ErrToolUnreachable, c.name)
	}
	if c.State() == StateDisconnected {
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	ictx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	start := time.Now()
	res, err := retry.Value(ictx, c.policy, func(ctx context.Context) (*mcp.CallToolResult, error) {
		res, err := c.sess.CallTool(ctx, name, input)
		if errors.Is(err, mcp.ErrSessionExpired) {
			c.logger.Info("tool server session expired, re-initializing")
			if _, cerr := c.Connect(ctx); cerr != nil {
				return nil, fmt.Errorf("%w: %w", mcp.ErrSessionExpired, cerr)
			}
		}
		return res, err
	})
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) && !isUnknownTool(rpcErr) && ctx.Err() == nil {
		// The server understood the call and refused it; the tool did not run successfully.
		return &Result{Output: "tool call rejected: " + rpcErr.Message, IsError: true}, nil
	}
	if err != nil {
		return nil, c.invokeFailed(ctx, ictx, name, err, time.Since(start))
	}

	if c.State() == StateDegraded {
		c.setState(StateReady)
	}
	c.logger.Debug("tool invoked", "tool", name, "is_error", res.IsError, "duration", time.Since(start))
	return &Result{Output: res.Text(), IsError: res.IsError}, nil
}

func (c *Client) invokeFailed(ctx, ictx context.Context, name string, err error, elapsed time.Duration) error {
	var rpcErr *mcp.RPCError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case ictx.Err() != nil:
		c.degrade(err)
		c.logger.Warn("tool invocation timed out", "tool", name, "timeout", c.cfg.InvokeTimeout)
		return fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, elapsed.Round(time.Millisecond))
	case errors.As(err, &rpcErr) && isUnknownTool(rpcErr):
		return fmt.Errorf("%w: %s on %s", ErrUnknownTool, name, c.name)
	case errors.Is(err, mcp.ErrSessionExpired):
		c.disconnect(err)
		return fmt.Errorf("%w: %s: %w", ErrToolUnreachable, c.name, err)
	default:
		c.degrade(err)
		c.logger.Warn("tool invocation failed", "tool", name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrToolUnreachable, c.name, err)
	}
}

func isUnknownTool(err *mcp.RPCError) bool {
	return err.Code == mcp.CodeInvalidParams && err.Message == "tool not found"
}

// Health probes the server. A disconnected server gets a throttled reconnect.
// Returns true when the server is Ready afterwards.
func (c *Client) Health(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	if c.State() == StateDisconnected {
		return c.reconnect(ctx) == nil
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()
	err := c.sess.Ping(pctx)

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.mu.Unlock()

	switch {
	case err == nil:
		if c.State() != StateReady {
			c.logger.Info("tool server recovered")
		}
		c.setState(StateReady)
		c.recordError(nil)
		return true
	case errors.Is(err, mcp.ErrSessionExpired):
		c.disconnect(err)
		return c.reconnect(ctx) == nil
	default:
		c.degrade(err)
		return false
	}
}

// Close releases the session. The client cannot be reused.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.disconnect(nil)
	return c.sess.Close()
}

// Status is a point-in-time view for status endpoints.
type Status struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	State     State     `json:"state"`
	Tools     int       `json:"tools"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Status reports the client's current health.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		Name:      c.name,
		URL:       c.url,
		State:     c.State(),
		Tools:     len(c.caps),
		LastCheck: c.lastCheck,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// setOnChange registers fn to run whenever the capability set is replaced
// or dropped.
func (c *Client) setOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// disconnect moves to Disconnected and drops the capabilities that belonged
// to the lost connection.
func (c *Client) disconnect(err error) {
	c.setState(StateDisconnected)
	c.mu.Lock()
	c.lastErr = err
	hadCaps := len(c.caps) > 0
	c.caps = nil
	hook := c.onChange
	c.mu.Unlock()
	if hadCaps && hook != nil {
		hook()
	}
}

func (c *Client) degrade(err error) {
	c.recordError(err)
	if c.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
		c.logger.Warn("tool server degraded", "error", err)
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
