package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names the terminal is configured through.
const (
	EnvTerminalID      = "TERMINAL_ID"
	EnvTerminalPort    = "TERMINAL_PORT"
	EnvPeerTerminals   = "PEER_TERMINALS"
	EnvCloudBaseURL    = "CLOUD_BASE_URL"
	EnvCloudServiceKey = "CLOUD_SERVICE_KEY"
	EnvBackoffBaseMS   = "SYNC_BACKOFF_BASE_MS"
	EnvLogLevel        = "SYNC_LOG_LEVEL"
)

// SettingsFileName is the optional on-disk defaults file in the data
// directory. Environment variables always win over it.
const SettingsFileName = "settings.yaml"

// Config holds the terminal's full configuration.
type Config struct {
	TerminalID   string   `yaml:"terminal_id"`
	Port         int      `yaml:"port"`
	PeerURLs     []string `yaml:"peer_terminals"`
	CloudBaseURL string   `yaml:"cloud_base_url"`
	DataDir      string   `yaml:"data_dir"`
	LogLevel     string   `yaml:"log_level"`

	// CloudServiceKey comes from the environment only, never the
	// settings file.
	CloudServiceKey string `yaml:"-"`

	BackoffBase time.Duration `yaml:"-"`
}

// DefaultConfig returns a Config with defaults for everything the
// operator may omit.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "~/.possync",
		LogLevel:    "info",
		BackoffBase: 2000 * time.Millisecond,
	}
}

// LoadConfig builds the terminal configuration: on-disk defaults from
// <dataDir>/settings.yaml if present, then environment overrides, then
// validation. Startup refuses to proceed on a missing terminal id or a
// bad port; absent cloud credentials only leave the uplink dormant.
func LoadConfig(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	settingsPath := filepath.Join(expandPath(cfg.DataDir), SettingsFileName)
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("supervisor: parse %s: %w", settingsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("supervisor: read %s: %w", settingsPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables; they take precedence over the
// settings file.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvTerminalID); v != "" {
		c.TerminalID = v
	}
	if v := os.Getenv(EnvTerminalPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("supervisor: %s=%q is not an integer", EnvTerminalPort, v)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv(EnvPeerTerminals); ok {
		c.PeerURLs = splitPeerList(v)
	}
	if v := os.Getenv(EnvCloudBaseURL); v != "" {
		c.CloudBaseURL = v
	}
	if v := os.Getenv(EnvCloudServiceKey); v != "" {
		c.CloudServiceKey = v
	}
	if v := os.Getenv(EnvBackoffBaseMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("supervisor: %s=%q is not a positive integer", EnvBackoffBaseMS, v)
		}
		c.BackoffBase = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate enforces the startup requirements: a terminal id and a port
// in the unprivileged range.
func (c *Config) Validate() error {
	if c.TerminalID == "" {
		return fmt.Errorf("supervisor: %s is required", EnvTerminalID)
	}
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("supervisor: %s must be in [1024, 65535], got %d", EnvTerminalPort, c.Port)
	}
	return nil
}

// CloudConfigured reports whether both cloud settings carry real values.
func (c *Config) CloudConfigured() bool {
	return c.CloudBaseURL != "" && c.CloudBaseURL != "UNSET" &&
		c.CloudServiceKey != "" && c.CloudServiceKey != "UNSET"
}

// splitPeerList parses the comma-separated peer endpoint list; empty is
// legal (single-lane deployment).
func splitPeerList(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
