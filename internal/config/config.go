package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Live channel host (WebSocket endpoint, without scheme).
	ServerHost string `env:"CHAT_SERVER_HOST"`

	// Base URL for the direct-call and history REST API.
	APIBaseURL string `env:"CHAT_API_URL"`

	// Session token and sender identity, supplied by the auth collaborator.
	AuthToken string `env:"CHAT_AUTH_TOKEN"`
	SenderID  string `env:"CHAT_SENDER_ID"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path to the durable message log. When empty it defaults to
	// ~/.chat-sync/messages.db.
	StorePath string `env:"CHAT_STORE_PATH"`

	// Confirmed messages retained per chat in the hot cache before the
	// eviction pass trims the oldest. Pending/Failed are never trimmed.
	RetainPerChat int `env:"CHAT_RETAIN_PER_CHAT" envDefault:"200"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
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

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("CHAT_SERVER_HOST is required")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("CHAT_AUTH_TOKEN is required")
	}

	if c.SenderID == "" {
		return fmt.Errorf("CHAT_SENDER_ID is required")
	}

	if c.RetainPerChat <= 0 {
		return fmt.Errorf("CHAT_RETAIN_PER_CHAT must be positive")
	}

	return nil
}

// DefaultStorePath returns the default message log location:
// ~/.chat-sync/messages.db
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "messages.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
