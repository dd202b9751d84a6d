// ABOUTME: Configuration loading and parsing for agent-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/agent-bridge/internal/retry"
	"github.com/2389/agent-bridge/internal/store"
	"github.com/2389/agent-bridge/internal/tools"
)

// Environment variables consulted by Load and Path
const (
	EnvConfigPath  = "AGENT_BRIDGE_CONFIG"
	EnvDatabaseDSN = "AGENT_BRIDGE_DB_DSN"
	EnvRunnerURL   = "AGENT_BRIDGE_RUNNER_URL"
)

// Database drivers accepted in storage.database.driver
const (
	DriverSQLite   = store.DriverModernc
	DriverSQLite3  = store.DriverMattn
	DriverPostgres = "postgres"
)

// Config represents the complete agent-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Runner    RunnerConfig    `yaml:"runner" toml:"runner"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with tailnet certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// StorageConfig holds both persistence modes and the policy shared by them
type StorageConfig struct {
	// DefaultMode is the mode new threads get when the request names none
	DefaultMode string         `yaml:"default_mode" toml:"default_mode"`
	File        FileConfig     `yaml:"file" toml:"file"`
	Database    DatabaseConfig `yaml:"database" toml:"database"`
	Retry       retry.Config   `yaml:"retry" toml:"retry"`
	// DeadLetterPath is where assistant turns that failed to persist are journaled
	DeadLetterPath string `yaml:"dead_letter_path" toml:"dead_letter_path"`

	OpTimeout      time.Duration `yaml:"-" toml:"-"`
	PersistTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	OpTimeoutRaw      string `yaml:"op_timeout" toml:"op_timeout"`
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
}

// FileConfig configures the append-only file store
type FileConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Root    string `yaml:"root" toml:"root"`
}

// DatabaseConfig configures the relational store
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Driver is sqlite (default), sqlite3, or postgres
	Driver string `yaml:"driver" toml:"driver"`
	// DSN is a file path for the SQLite drivers and a connection URL for postgres
	DSN      string `yaml:"dsn" toml:"dsn"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
}

// ToolsConfig lists the MCP tool servers and their timing
type ToolsConfig struct {
	Servers []tools.ServerConfig `yaml:"servers" toml:"servers"`
	Retry   retry.Config         `yaml:"retry" toml:"retry"`

	InvokeTimeout     time.Duration `yaml:"-" toml:"-"`
	HealthInterval    time.Duration `yaml:"-" toml:"-"`
	ReconnectInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	InvokeTimeoutRaw     string `yaml:"invoke_timeout" toml:"invoke_timeout"`
	HealthIntervalRaw    string `yaml:"health_interval" toml:"health_interval"`
	ReconnectIntervalRaw string `yaml:"reconnect_interval" toml:"reconnect_interval"`
}

// RunnerConfig locates the agent runner service
type RunnerConfig struct {
	URL string `yaml:"url" toml:"url"`
	// HistoryLimit caps the prior turns sent with each run; 0 sends all
	HistoryLimit int `yaml:"history_limit" toml:"history_limit"`

	RunTimeout    time.Duration `yaml:"-" toml:"-"`
	RunTimeoutRaw string        `yaml:"run_timeout" toml:"run_timeout"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Path returns the config file location.
// Priority: AGENT_BRIDGE_CONFIG > XDG_CONFIG_HOME/agent-bridge/config.yaml > ~/.config/agent-bridge/config.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "agent-bridge", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content and runs the same pipeline as Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployments inject secrets without editing the file
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		cfg.Storage.Database.DSN = dsn
		cfg.Storage.Database.Enabled = true
	}
	if url := os.Getenv(EnvRunnerURL); url != "" {
		cfg.Runner.URL = url
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = "localhost:8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	if !cfg.Storage.File.Enabled && !cfg.Storage.Database.Enabled {
		cfg.Storage.File.Enabled = true
	}
	if cfg.Storage.DefaultMode == "" {
		if cfg.Storage.File.Enabled {
			cfg.Storage.DefaultMode = string(store.ModeFile)
		} else {
			cfg.Storage.DefaultMode = string(store.ModeDatabase)
		}
	}
	if cfg.Storage.File.Root == "" {
		cfg.Storage.File.Root = filepath.Join(DataDir(), "threads")
	}
	if cfg.Storage.DeadLetterPath == "" {
		cfg.Storage.DeadLetterPath = filepath.Join(DataDir(), "deadletter.jsonl")
	}
	if cfg.Storage.Database.Driver == "" {
		cfg.Storage.Database.Driver = DriverSQLite
	}
	if cfg.Storage.Database.PoolSize <= 0 {
		cfg.Storage.Database.PoolSize = 10
	}
	if cfg.Storage.OpTimeout == 0 {
		cfg.Storage.OpTimeout = 5 * time.Second
	}
	if cfg.Storage.PersistTimeout == 0 {
		cfg.Storage.PersistTimeout = 30 * time.Second
	}

	if cfg.Tools.InvokeTimeout == 0 {
		cfg.Tools.InvokeTimeout = 30 * time.Second
	}
	if cfg.Tools.HealthInterval == 0 {
		cfg.Tools.HealthInterval = 30 * time.Second
	}
	if cfg.Tools.ReconnectInterval == 0 {
		cfg.Tools.ReconnectInterval = 2 * time.Second
	}
	if cfg.Tools.Retry.MaxAttempts == 0 {
		cfg.Tools.Retry.MaxAttempts = 2
	}

	if cfg.Runner.RunTimeout == 0 {
		cfg.Runner.RunTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// DataDir returns the default data directory.
// Priority: XDG_DATA_HOME/agent-bridge > ~/.local/share/agent-bridge
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agent-bridge")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	mode, err := store.ParseMode(c.Storage.DefaultMode)
	if err != nil {
		return fmt.Errorf("storage.default_mode: %w", err)
	}
	if mode == store.ModeFile && !c.Storage.File.Enabled {
		return errors.New("storage.default_mode is file but storage.file is not enabled")
	}
	if mode == store.ModeDatabase && !c.Storage.Database.Enabled {
		return errors.New("storage.default_mode is database but storage.database is not enabled")
	}

	if c.Storage.Database.Enabled {
		switch c.Storage.Database.Driver {
		case DriverSQLite, DriverSQLite3, DriverPostgres:
		default:
			return fmt.Errorf("storage.database.driver %q is not one of sqlite, sqlite3, postgres", c.Storage.Database.Driver)
		}
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required (or set %s)", EnvDatabaseDSN)
		}
	}

	if c.Runner.URL == "" {
		return fmt.Errorf("runner.url is required (or set %s)", EnvRunnerURL)
	}

	seen := make(map[string]bool, len(c.Tools.Servers))
	for i, s := range c.Tools.Servers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("tools.servers[%d]: name and url are required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("tools.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"storage.op_timeout", cfg.Storage.OpTimeoutRaw, &cfg.Storage.OpTimeout},
		{"storage.persist_timeout", cfg.Storage.PersistTimeoutRaw, &cfg.Storage.PersistTimeout},
		{"storage.retry.base_delay", cfg.Storage.Retry.BaseDelayRaw, &cfg.Storage.Retry.BaseDelay},
		{"storage.retry.max_delay", cfg.Storage.Retry.MaxDelayRaw, &cfg.Storage.Retry.MaxDelay},
		{"tools.invoke_timeout", cfg.Tools.InvokeTimeoutRaw, &cfg.Tools.InvokeTimeout},
		{"tools.health_interval", cfg.Tools.HealthIntervalRaw, &cfg.Tools.HealthInterval},
		{"tools.reconnect_interval", cfg.Tools.ReconnectIntervalRaw, &cfg.Tools.ReconnectInterval},
		{"tools.retry.base_delay", cfg.Tools.Retry.BaseDelayRaw, &cfg.Tools.Retry.BaseDelay},
		{"tools.retry.max_delay", cfg.Tools.Retry.MaxDelayRaw, &cfg.Tools.Retry.MaxDelay},
		{"runner.run_timeout", cfg.Runner.RunTimeoutRaw, &cfg.Runner.RunTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// Sample is the config written by the init command
const Sample = `# agent-bridge configuration

server:
  http_addr: "localhost:8080"
  shutdown_timeout: "5s"

storage:
  # Mode for new threads: file or database. Existing threads keep their own.
  default_mode: "file"
  op_timeout: "5s"
  persist_timeout: "30s"
  retry:
    max_attempts: 4
    base_delay: "100ms"
    max_delay: "2s"
    jitter: true
  file:
    enabled: true
    root: "%s"
  database:
    enabled: false
    driver: "sqlite" # sqlite, sqlite3 or postgres
    dsn: "%s"
    pool_size: 10
  dead_letter_path: "%s"

tools:
  invoke_timeout: "30s"
  health_interval: "30s"
  reconnect_interval: "2s"
  retry:
    max_attempts: 2
  servers:
    - name: "local"
      url: "http://localhost:8090/mcp"

runner:
  url: "http://localhost:8091"
  run_timeout: "5m"
  history_limit: 50

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`
