package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Spool backends.
const (
	SpoolBackendFile   = "file"
	SpoolBackendSQLite = "sqlite"
)

// Management API auth modes.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backend
	APIEndpoint   string        `envconfig:"API_ENDPOINT" default:"https://api.software.com"`
	PluginID      int           `envconfig:"PLUGIN_ID" default:"4"`
	PluginVersion string        `envconfig:"PLUGIN_VERSION" default:"0.1.9"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	SendRetries   int           `envconfig:"SEND_RETRIES" default:"2"`

	// Flush pipeline
	FlushInterval       time.Duration `envconfig:"FLUSH_INTERVAL" default:"60s"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	DeactivatedCooldown time.Duration `envconfig:"DEACTIVATED_COOLDOWN" default:"12h"`
	HandOffQueueSize    int           `envconfig:"HANDOFF_QUEUE_SIZE" default:"64"`
	Timezone            string        `envconfig:"TIMEZONE"` // IANA name, empty = local

	// Local state; empty paths derive from DataDir
	DataDir          string `envconfig:"DATA_DIR" default:"~/.software"`
	SpoolBackend     string `envconfig:"SPOOL_BACKEND" default:"file"`
	SpoolPath        string `envconfig:"SPOOL_PATH"`
	SpoolDBPath      string `envconfig:"SPOOL_DB_PATH"`
	SessionFile      string `envconfig:"SESSION_FILE"`
	ProjectRootsFile string `envconfig:"PROJECT_ROOTS_FILE"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:"127.0.0.1:5859"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"none"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"200"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"400"`

	// Notifications (optional)
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`

	// Session summary
	SessionPollInterval time.Duration `envconfig:"SESSION_POLL_INTERVAL" default:"60s"`

	// VCS resource cache
	ResourceCacheSize int           `envconfig:"RESOURCE_CACHE_SIZE" default:"64"`
	ResourceCacheTTL  time.Duration `envconfig:"RESOURCE_CACHE_TTL" default:"5m"`
	RepoMembersTTL    time.Duration `envconfig:"REPO_MEMBERS_TTL" default:"24h"`
}

// SQLiteSpool returns true if the SQLite spool backend is selected.
func (c *Config) SQLiteSpool() bool {
	return strings.EqualFold(c.SpoolBackend, SpoolBackendSQLite)
}

// SlackEnabled returns true if a Slack webhook is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// APIKeyAuth returns true if the management API requires an API key.
func (c *Config) APIKeyAuth() bool {
	return strings.EqualFold(c.MgmtAuthMode, AuthModeAPIKey)
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// normalize folds the enumerated settings to their canonical lower-case form.
func (c *Config) normalize() {
	c.SpoolBackend = strings.ToLower(strings.TrimSpace(c.SpoolBackend))
	c.MgmtAuthMode = strings.ToLower(strings.TrimSpace(c.MgmtAuthMode))
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.SpoolBackend) {
	case SpoolBackendFile, SpoolBackendSQLite:
	default:
		return fmt.Errorf("invalid SPOOL_BACKEND %q, expected file or sqlite", c.SpoolBackend)
	}
	switch strings.ToLower(c.MgmtAuthMode) {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.MgmtAPIKey == "" {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key")
		}
	default:
		return fmt.Errorf("invalid MGMT_AUTH_MODE %q, expected none or api-key", c.MgmtAuthMode)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// resolvePaths expands ~ in DataDir and derives unset file paths from it.
func (c *Config) resolvePaths() error {
	dir, err := expandHome(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dir

	if c.SpoolPath == "" {
		c.SpoolPath = filepath.Join(dir, "data.json")
	}
	if c.SpoolDBPath == "" {
		c.SpoolDBPath = filepath.Join(dir, "spool.db")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(dir, "session.json")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	cfg.normalize()
	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
