// ABOUTME: Gateway that wires storage, tools, runner and orchestrator behind one HTTP server
// ABOUTME: Manages listener setup (TCP or tailnet), graceful shutdown, and health endpoints

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agent-bridge/internal/auth"
	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/orchestrator"
	"github.com/2389/agent-bridge/internal/runner"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/threads"
	"github.com/2389/agent-bridge/internal/tools"
)

// Gateway is the process-wide set of components behind the HTTP API.
// New builds them once and Shutdown releases them once.
type Gateway struct {
	config      *config.Config
	repo        *threads.Repository
	tools       *tools.Gateway
	orch        *orchestrator.Orchestrator
	locks       *threadLocks
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// deps are the externally backed components. Tests supply their own.
type deps struct {
	repo       *threads.Repository
	tools      *tools.Gateway
	runner     runner.Runner
	deadLetter *store.DeadLetter
	verifier   auth.TokenVerifier
}

// OpenStores opens every enabled store. On failure the stores opened so far are closed.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]store.TurnStore, error) {
	var stores []store.TurnStore
	closeAll := func() {
		for _, s := range stores {
			_ = s.Close()
		}
	}

	if cfg.Storage.File.Enabled {
		fs, err := store.NewFileStore(cfg.Storage.File.Root, logger)
		if err != nil {
			return nil, fmt.Errorf("opening file store: %w", err)
		}
		stores = append(stores, fs)
	}

	if cfg.Storage.Database.Enabled {
		db := cfg.Storage.Database
		var (
			s   store.TurnStore
			err error
		)
		switch db.Driver {
		case config.DriverPostgres:
			s, err = store.NewPostgresStore(ctx, store.PostgresOptions{URL: db.DSN, PoolSize: db.PoolSize, Logger: logger})
		default:
			s, err = store.NewSQLiteStore(store.SQLiteOptions{Driver: db.Driver, Path: db.DSN, PoolSize: db.PoolSize, Logger: logger})
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("opening database store: %w", err)
		}
		stores = append(stores, s)
	}
	return stores, nil
}

// OpenRepository opens the configured stores behind a thread repository.
func OpenRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*threads.Repository, error) {
	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	mode, err := store.ParseMode(cfg.Storage.DefaultMode)
	if err != nil {
		return nil, err
	}
	repo, err := threads.New(threads.Config{
		DefaultMode: mode,
		OpTimeout:   cfg.Storage.OpTimeout,
		Retry:       cfg.Storage.Retry,
	}, stores, logger)
	if err != nil {
		for _, s := range stores {
			_ = s.Close()
		}
		return nil, err
	}
	return repo, nil
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := OpenRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &deps{repo: repo}
	fail := func(err error) (*Gateway, error) {
		_ = repo.Close()
		if d.tools != nil {
			_ = d.tools.Close()
		}
		return nil, err
	}

	d.deadLetter, err = store.NewDeadLetter(cfg.Storage.DeadLetterPath, logger)
	if err != nil {
		return fail(err)
	}

	d.tools, err = tools.NewGateway(tools.Config{
		Servers:           cfg.Tools.Servers,
		InvokeTimeout:     cfg.Tools.InvokeTimeout,
		HealthInterval:    cfg.Tools.HealthInterval,
		ReconnectInterval: cfg.Tools.ReconnectInterval,
		Retry:             cfg.Tools.Retry,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("creating tool gateway: %w", err))
	}

	d.runner, err = runner.NewHTTPRunner(runner.HTTPConfig{
		URL:        cfg.Runner.URL,
		RunTimeout: cfg.Runner.RunTimeout,
		Logger:     logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating runner client: %w", err))
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fail(fmt.Errorf("creating JWT verifier: %w", err))
		}
		d.verifier = verifier
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return newGateway(cfg, d, logger), nil
}

func newGateway(cfg *config.Config, d *deps, logger *slog.Logger) *Gateway {
	if d.tools == nil {
		// No servers never fails.
		d.tools, _ = tools.NewGateway(tools.Config{}, logger)
	}
	g := &Gateway{
		config: cfg,
		repo:   d.repo,
		tools:  d.tools,
		locks:  newThreadLocks(),
		logger: logger.With("component", "gateway"),
	}

	var dlq orchestrator.DeadLetter
	if d.deadLetter != nil {
		dlq = d.deadLetter
	}
	g.orch = orchestrator.New(d.repo, d.tools, d.runner, dlq, orchestrator.Config{
		PersistTimeout: cfg.Storage.PersistTimeout,
		HistoryLimit:   cfg.Runner.HistoryLimit,
	}, logger)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(d.verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the tool gateway and HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.tools.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled, so shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates a tailnet listener when tailscale is enabled, otherwise a TCP one.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataDir(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	case tsCfg.HTTPS:
		ln, err = g.tailscaleTLSListener()
	default:
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}
	return ln, nil
}

// tailscaleTLSListener wraps :443 with tailnet-provisioned certificates.
func (g *Gateway) tailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, letting in-flight runs finish persisting,
// then releases the tool gateway and stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.tools != nil {
		errs = appendCloseError(errs, "tool gateway close", g.tools.Close())
	}
	errs = appendCloseError(errs, "store close", g.repo.Close())

	return errors.Join(errs...)
}
