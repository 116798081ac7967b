package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the netreplay controller.
type Config struct {
	// CDP connection settings
	CDPAddress       string
	CDPPort          int
	TabURLFilter     string
	CommandTimeoutMS int

	// API listener
	BindAddr         string
	PortAutoFallback bool
	PortCandidates   []string

	// Storage settings
	StoreDriver string
	DataDir     string
	SQLiteDSN   string

	// Capture journal
	Journal             bool
	JournalMaxSizeMB    int
	JournalBuffer       int
	JournalMaxBodyBytes int

	DefaultFilters []string

	// Optional browser launch
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string
	Headless      bool

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:          getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:             getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		TabURLFilter:        os.Getenv("NETREPLAY_TAB_URL_FILTER"),
		CommandTimeoutMS:    getEnvIntOrDefault("NETREPLAY_COMMAND_TIMEOUT_MS", 10000),
		BindAddr:            getEnvOrDefault("NETREPLAY_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback:    getEnvBoolOrDefault("NETREPLAY_PORT_AUTO_FALLBACK", true),
		PortCandidates:      splitList(getEnvOrDefault("NETREPLAY_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192")),
		StoreDriver:         strings.ToLower(getEnvOrDefault("NETREPLAY_STORE_DRIVER", "file")),
		DataDir:             getEnvOrDefault("NETREPLAY_DATA_DIR", "./netreplay_data"),
		SQLiteDSN:           getEnvOrDefault("NETREPLAY_SQLITE_DSN", "netreplay.sqlite3"),
		Journal:             getEnvBoolOrDefault("NETREPLAY_JOURNAL", true),
		JournalMaxSizeMB:    getEnvIntOrDefault("NETREPLAY_JOURNAL_MAX_SIZE_MB", 50),
		JournalBuffer:       getEnvIntOrDefault("NETREPLAY_JOURNAL_BUFFER", 1000),
		JournalMaxBodyBytes: getEnvIntOrDefault("NETREPLAY_JOURNAL_MAX_BODY_BYTES", 1024*1024),
		DefaultFilters:      splitList(getEnvOrDefault("NETREPLAY_DEFAULT_FILTER", "/api")),
		LaunchBrowser:       getEnvBoolOrDefault("NETREPLAY_LAUNCH_BROWSER", false),
		StartURL:            getEnvOrDefault("NETREPLAY_START_URL", "about:blank"),
		ProfileDir:          getEnvOrDefault("NETREPLAY_PROFILE_DIR", "./browser_profile"),
		Headless:            getEnvBoolOrDefault("NETREPLAY_HEADLESS", false),
		LogLevel:            strings.ToLower(getEnvOrDefault("NETREPLAY_LOG_LEVEL", "info")),
		LogFile:             getEnvOrDefault("NETREPLAY_LOG_FILE", "logs/netreplay.log"),
	}
	if cfg.CommandTimeoutMS < 1000 {
		cfg.CommandTimeoutMS = 1000
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("NETREPLAY_STORE_DRIVER must be file, sqlite or memory, got %q", c.StoreDriver)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("CHROMIUM_CDP_PORT out of range: %d", c.CDPPort)
	}
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("NETREPLAY_BIND_ADDR is required")
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// CommandTimeout is the per-command CDP timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// JournalDir is the base directory of the capture journal.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
