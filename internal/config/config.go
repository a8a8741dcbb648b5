package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Config holds all runtime configuration for the outpost server.
// Zero values are filled in by ApplyDefaults.
type Config struct {
	// Address is the listen address for the API server
	Address string `json:"address"`

	// DataDir is where persistent state (database, identity keys, logs) lives
	DataDir string `json:"data_dir"`

	// PermissionGate enables the tool-call policy gate (default true)
	PermissionGate *bool `json:"permission_gate,omitempty"`

	// Session admission limits
	MaxSessionsPerWorkspace int `json:"max_sessions_per_workspace"`
	MaxSessionsGlobal       int `json:"max_sessions_global"`

	// Idle eviction
	SessionIdleTimeoutMs   int `json:"session_idle_timeout_ms"`
	WorkspaceIdleTimeoutMs int `json:"workspace_idle_timeout_ms"`

	// Event ring capacity per active session
	EventRingCapacity int `json:"event_ring_capacity"`

	// Stop escalation timeouts
	StopAbortTimeoutMs      int `json:"stop_abort_timeout_ms"`
	StopAbortRetryTimeoutMs int `json:"stop_abort_retry_timeout_ms"`

	// Host environment construction
	RuntimePathEntries []string          `json:"runtime_path_entries,omitempty"`
	RuntimeEnv         map[string]string `json:"runtime_env,omitempty"`

	// HostGateway is the hostname containers use to reach the host
	HostGateway string `json:"host_gateway"`

	// SandboxImage is the container image used for agent sandboxes
	SandboxImage string `json:"sandbox_image"`

	// PiBinary is the agent executable inside the sandbox image
	PiBinary string `json:"pi_binary"`

	// ProviderBaseURLs are model-provider endpoints the agent talks to.
	// Loopback URLs are bridged and rewritten to the host gateway so the
	// sandbox can reach host-local proxies.
	ProviderBaseURLs []string `json:"provider_base_urls,omitempty"`

	// Maintenance cron expressions (5-field)
	CatalogRefreshCron string `json:"catalog_refresh_cron"`
	SessionCleanupCron string `json:"session_cleanup_cron"`

	// EndedSessionRetentionDays controls how long ended sessions are kept
	EndedSessionRetentionDays int `json:"ended_session_retention_days"`

	// Command rate limiting per session
	CommandRatePerSecond float64 `json:"command_rate_per_second"`
	CommandRateBurst     int     `json:"command_rate_burst"`
}

// Default values for session runtime configuration
const (
	DefaultMaxSessionsPerWorkspace = 3
	DefaultMaxSessionsGlobal       = 5
	DefaultSessionIdleTimeoutMs    = 600_000
	DefaultWorkspaceIdleTimeoutMs  = 1_800_000
	DefaultEventRingCapacity       = 500
	DefaultStopAbortTimeoutMs      = 10_000
	DefaultStopAbortRetryTimeoutMs = 10_000
)

// ApplyDefaults fills in zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:8370"
	}
	if c.MaxSessionsPerWorkspace <= 0 {
		c.MaxSessionsPerWorkspace = DefaultMaxSessionsPerWorkspace
	}
	if c.MaxSessionsGlobal <= 0 {
		c.MaxSessionsGlobal = DefaultMaxSessionsGlobal
	}
	if c.SessionIdleTimeoutMs <= 0 {
		c.SessionIdleTimeoutMs = DefaultSessionIdleTimeoutMs
	}
	if c.WorkspaceIdleTimeoutMs <= 0 {
		c.WorkspaceIdleTimeoutMs = DefaultWorkspaceIdleTimeoutMs
	}
	if c.EventRingCapacity <= 0 {
		c.EventRingCapacity = DefaultEventRingCapacity
	}
	if c.StopAbortTimeoutMs <= 0 {
		c.StopAbortTimeoutMs = DefaultStopAbortTimeoutMs
	}
	if c.StopAbortRetryTimeoutMs <= 0 {
		c.StopAbortRetryTimeoutMs = DefaultStopAbortRetryTimeoutMs
	}
	if c.HostGateway == "" {
		c.HostGateway = "host.docker.internal"
	}
	if c.SandboxImage == "" {
		c.SandboxImage = "outpost/sandbox:latest"
	}
	if c.PiBinary == "" {
		c.PiBinary = "pi"
	}
	if c.CatalogRefreshCron == "" {
		c.CatalogRefreshCron = "0 * * * *"
	}
	if c.SessionCleanupCron == "" {
		c.SessionCleanupCron = "30 3 * * *"
	}
	if c.EndedSessionRetentionDays <= 0 {
		c.EndedSessionRetentionDays = 30
	}
	if c.CommandRatePerSecond <= 0 {
		c.CommandRatePerSecond = 10
	}
	if c.CommandRateBurst <= 0 {
		c.CommandRateBurst = 20
	}
}

// PermissionGateEnabled reports whether the policy gate is on (default true)
func (c *Config) PermissionGateEnabled() bool {
	return c.PermissionGate == nil || *c.PermissionGate
}

// SessionIdleTimeout returns the session idle timeout as a duration
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMs) * time.Millisecond
}

// WorkspaceIdleTimeout returns the workspace idle timeout as a duration
func (c *Config) WorkspaceIdleTimeout() time.Duration {
	return time.Duration(c.WorkspaceIdleTimeoutMs) * time.Millisecond
}

// StopAbortTimeout returns the first-phase abort timeout as a duration
func (c *Config) StopAbortTimeout() time.Duration {
	return time.Duration(c.StopAbortTimeoutMs) * time.Millisecond
}

// StopAbortRetryTimeout returns the abort retry timeout as a duration
func (c *Config) StopAbortRetryTimeout() time.Duration {
	return time.Duration(c.StopAbortRetryTimeoutMs) * time.Millisecond
}

// Load reads configuration from outpost.jsonc in the given directory.
// A missing file is not an error; defaults are applied either way.
func Load(dir string) (*Config, error) {
	cfg := &Config{DataDir: dir}

	path := filepath.Join(dir, "outpost.jsonc")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
