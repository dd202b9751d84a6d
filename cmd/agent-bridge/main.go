// ABOUTME: Entry point for the agent-bridge server and its operator commands
// ABOUTME: serve runs the gateway; the others handle config, threads, tokens, dead letters and migration

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agent-bridge/internal/auth"
	"github.com/2389/agent-bridge/internal/config"
	"github.com/2389/agent-bridge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _        _          _     _
  __ _  __ _  ___ _ __ | |_     | |__  _ __(_) __| | __ _  ___
 / _' |/ _' |/ _ \ '_ \| __|____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| | (_| |  __/ | | | ||_____| |_) | |  | | (_| | (_| |  __/
 \__,_|\__, |\___|_| |_|\__|    |_.__/|_|  |_|\__,_|\__, |\___|
       |___/                                        |___/
`

func usage() {
	fmt.Println("Usage: agent-bridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the gateway server")
	fmt.Println("  init [--force]              Write a starter config file")
	fmt.Println("  health                      Check gateway readiness")
	fmt.Println("  threads [--owner ID]        List threads from the configured stores")
	fmt.Println("  token <subject> [--ttl D]   Issue a bearer token for subject")
	fmt.Println("  deadletter list|replay      Inspect or replay turns that failed to persist")
	fmt.Println("  migrate --thread ID|--all   Copy file-mode threads into the database store")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx)
	case "threads":
		err = runThreads(ctx, args)
	case "token":
		err = runToken(args)
	case "deadletter":
		err = runDeadLetter(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Storage:   default %s", cfg.Storage.DefaultMode)
	if cfg.Storage.File.Enabled {
		gray.Printf(" [file %s]", cfg.Storage.File.Root)
	}
	if cfg.Storage.Database.Enabled {
		gray.Printf(" [%s]", cfg.Storage.Database.Driver)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Runner:    %s\n", cfg.Runner.URL)
	green.Print("    ▶ ")
	fmt.Printf("Tools:     %d server(s)\n", len(cfg.Tools.Servers))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: callers name themselves with X-Owner-Id")
	}
	fmt.Println()

	logger.Info("starting agent-bridge",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"default_mode", cfg.Storage.DefaultMode,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runInit writes config.Sample with fresh paths and a random JWT secret.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := config.Path()
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	dataDir := config.DataDir()
	content := fmt.Sprintf(config.Sample,
		filepath.Join(dataDir, "threads"),
		filepath.Join(dataDir, "threads.db"),
		filepath.Join(dataDir, "deadletter.jsonl"),
		base64.StdEncoding.EncodeToString(secret),
	)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    agent-bridge token <your-name>   # issue a bearer token")
	fmt.Println("    agent-bridge serve               # start the gateway")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Println(string(body))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// runThreads reads the stores directly, so it works while the server is down.
func runThreads(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	owner := fs.String("owner", auth.AnonymousOwner, "owner whose threads to list")
	limit := fs.Int("limit", 50, "maximum threads to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn"})

	repo, err := gateway.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	list, err := repo.ListThreads(ctx, *owner, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Printf("no threads for %s\n", *owner)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tTURNS\tUPDATED")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, t.Mode, t.LastSeq, t.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runToken(args []string) error {
	if len(args) == 0 || args[0] == "" || args[0][0] == '-' {
		return errors.New("usage: agent-bridge token <subject> [--ttl 720h]")
	}
	subject := args[0]

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "subject %s, expires %s\n", subject, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}
