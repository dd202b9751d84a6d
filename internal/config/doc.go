// Package config handles configuration loading for agent-bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENT_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-bridge/config.yaml
//  3. ~/.config/agent-bridge/config.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENT_BRIDGE_JWT_SECRET}"
//
// Unset variables expand to the empty string. Two variables override the
// file directly: AGENT_BRIDGE_DB_DSN enables the database store with that
// DSN, and AGENT_BRIDGE_RUNNER_URL replaces runner.url.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	storage:
//	  op_timeout: "5s"
//	tools:
//	  invoke_timeout: "30s"
//
// # Storage Modes
//
// Either store may be enabled, or both. storage.default_mode picks the mode
// for new threads and must name an enabled store. Existing threads always
// stay in the mode they were created with.
package config
