// ABOUTME: Aggregates tool servers into one capability set and routes invokes by tool name
// ABOUTME: Runs a health watcher per server: startup backoff, then steady polling

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/agent-bridge/internal/retry"
)

// Config configures a Gateway.
type Config struct {
	Servers           []ServerConfig
	InvokeTimeout     time.Duration
	HealthInterval    time.Duration
	ReconnectInterval time.Duration
	Retry             retry.Config
}

const defaultHealthInterval = 30 * time.Second

// Gateway is the single entry point for tool discovery and invocation.
type Gateway struct {
	clients  []*Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string]*Client
	caps   []Capability

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway builds clients for every configured server. Nothing connects until Start.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ccfg := ClientConfig{
		InvokeTimeout:     cfg.InvokeTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		Retry:             cfg.Retry,
	}
	seen := make(map[string]bool, len(cfg.Servers))
	clients := make([]*Client, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if s.Name == "" || s.URL == "" {
			return nil, errors.New("tool server requires name and url")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate tool server %q", s.Name)
		}
		seen[s.Name] = true
		clients = append(clients, NewClient(s, ccfg, logger))
	}
	return newGateway(clients, cfg.HealthInterval, logger), nil
}

func newGateway(clients []*Client, interval time.Duration, logger *slog.Logger) *Gateway {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	g := &Gateway{
		clients:  clients,
		interval: interval,
		logger:   logger.With("component", "tool_gateway"),
		routes:   make(map[string]*Client),
	}
	for _, c := range clients {
		c.setOnChange(g.rebuild)
	}
	return g
}

// Start connects every server once, then launches the health watchers.
// Servers that fail to connect are retried in the background; Start never fails on them.
func (g *Gateway) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range g.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if _, err := c.Connect(ctx); err != nil {
				g.logger.Warn("tool server unavailable at startup", "tool_server", c.Name(), "error", err)
			}
		}(c)
	}
	wg.Wait()
	g.rebuild()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	for _, c := range g.clients {
		g.wg.Add(1)
		go g.watch(wctx, c)
	}
	g.logger.Info("tool gateway started", "servers", len(g.clients), "tools", len(g.Capabilities()))
}

// watch probes c with exponential backoff until it is ready, then every interval.
func (g *Gateway) watch(ctx context.Context, c *Client) {
	defer g.wg.Done()

	delay := time.Second
	for {
		wait := g.interval
		if c.State() != StateReady {
			wait = min(delay, g.interval)
			delay = min(delay*2, g.interval)
		} else {
			delay = time.Second
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		before := c.State()
		c.Health(ctx)
		if after := c.State(); after != before {
			g.logger.Info("tool server state changed",
				"tool_server", c.Name(),
				"from", before.String(),
				"to", after.String(),
			)
		}
	}
}

// rebuild recomputes the merged capability set. Earlier servers win name collisions.
func (g *Gateway) rebuild() {
	routes := make(map[string]*Client)
	var caps []Capability
	for _, c := range g.clients {
		for _, capability := range c.Capabilities() {
			if owner, taken := routes[capability.Name]; taken {
				if owner != c {
					g.logger.Warn("duplicate tool name, keeping first server",
						"tool", capability.Name,
						"kept", owner.Name(),
						"ignored", c.Name(),
					)
				}
				continue
			}
			routes[capability.Name] = c
			caps = append(caps, capability)
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })

	g.mu.Lock()
	g.routes = routes
	g.caps = caps
	g.mu.Unlock()
}

// Capabilities returns the cached merged tool set.
func (g *Gateway) Capabilities() []Capability {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Capability, len(g.caps))
	copy(out, g.caps)
	return out
}

// Invoke routes a call to the server that offers name.
func (g *Gateway) Invoke(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	g.mu.RLock()
	c, ok := g.routes[name]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return c.Invoke(ctx, name, input)
}

// Status reports every server in configuration order.
func (g *Gateway) Status() []Status {
	out := make([]Status, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c.Status())
	}
	return out
}

// Ready reports whether every configured server is Ready. No servers counts as ready.
func (g *Gateway) Ready() bool {
	for _, c := range g.clients {
		if c.State() != StateReady {
			return false
		}
	}
	return true
}

// Close stops the watchers and closes every client.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	var errs []error
	for _, c := range g.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
