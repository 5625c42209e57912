package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the fieldsync
// client.
type Config struct {
	// Sync server base URL and the device bearer token it issued.
	ServerURL string `env:"SYNC_SERVER_URL"`
	Token     string `env:"SYNC_TOKEN"`

	// Device identifier. When empty, a UUID persisted in the state
	// database is used.
	DeviceID string `env:"DEVICE_ID"`

	// Local state database. Defaults to ~/.fieldsync/state.db.
	StatePath string `env:"STATE_PATH"`

	BatchSize      int           `env:"SYNC_BATCH_SIZE" envDefault:"10"`
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	ProbeInterval  time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	DedupWindow    time.Duration `env:"DEDUP_WINDOW" envDefault:"2m"`

	// Pull server changes on a fresh device even with nothing queued.
	BootstrapPull bool `env:"SYNC_BOOTSTRAP_PULL" envDefault:"true"`

	// Keep a websocket to the server for presence and change nudges.
	EnablePush bool `env:"ENABLE_PUSH" envDefault:"true"`

	// Directory of markdown notes to import as records. Disabled when empty.
	InboxDir string `env:"INBOX_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// ServerConfig holds the configuration of the reference sync server.
type ServerConfig struct {
	ListenAddr  string `env:"SERVER_LISTEN_ADDR" envDefault:":8080"`
	DBPath      string `env:"SERVER_DB_PATH" envDefault:"fieldsync-server.db"`
	JWTSecret   string `env:"SERVER_JWT_SECRET"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// jwtSecretMinLen is the shortest accepted HMAC secret.
const jwtSecretMinLen = 32

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	// The inbox tracks files by path, so relative and absolute spellings
	// of the same directory must agree.
	if cfg.InboxDir != "" {
		absDir, err := filepath.Abs(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir to absolute path: %w", err)
		}

		cfg.InboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SYNC_SERVER_URL must be an http or https URL")
		}
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}

	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":   c.SyncInterval,
		"PROBE_INTERVAL":  c.ProbeInterval,
		"REQUEST_TIMEOUT": c.RequestTimeout,
		"DEDUP_WINDOW":    c.DedupWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.EnableMCP {
		keys, err := c.ParseMCPAPIKeys()
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
		}
	}

	return nil
}

// Online reports whether a sync server is configured. Without one the
// client works purely locally.
func (c *Config) Online() bool {
	return c.ServerURL != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "fs_key1,fs_key2"
func (c *Config) ParseMCPAPIKeys() ([]string, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []string

	for _, key := range strings.Split(c.MCPAPIKeys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(keys)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(keys)+1, auth.APIKeyMinLen)
		}

		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate key in MCP_API_KEYS entry %d", len(keys)+1)
		}

		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys, nil
}

// LoadServer reads the reference server configuration from environment
// variables, loading a .env file first if present.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.JWTSecret) < jwtSecretMinLen {
		return nil, fmt.Errorf("validating config: SERVER_JWT_SECRET must be at least %d characters", jwtSecretMinLen)
	}

	return cfg, nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}
