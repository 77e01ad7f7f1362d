package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Claude CLI
	CLIPath string // binary name or path, resolved on PATH when bare

	// Session lifecycle
	SessionIdleTTL       time.Duration
	SessionCleanInterval time.Duration

	// Settings profiles
	SettingsDir string

	// Debug settings
	DebugModules string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	return &Config{
		Port: getEnvInt("PORT", 12050),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		CLIPath: getEnv("CLAUDE_CLI_PATH", "claude"),

		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 10*time.Minute),
		SessionCleanInterval: getEnvDuration("SESSION_CLEAN_INTERVAL", 5*time.Minute),

		SettingsDir: getEnv("CLAUDE_CHAT_CONFIG_DIR", defaultSettingsDir()),

		DebugModules: getEnv("DEBUG", ""),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

func defaultSettingsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude-chat")
	}
	return filepath.Join(home, ".config", "claude-chat")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
