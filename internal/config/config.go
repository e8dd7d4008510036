package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// DatabaseURI is the remote Postgres store. Empty runs offline only.
	DatabaseURI string
	// LocalDBPath is the SQLite file holding the local store and queue.
	LocalDBPath string
	UserID      string
	DeviceID    string
	Location    *time.Location

	SyncInterval  time.Duration
	CheckInterval time.Duration

	TelegramToken  string
	TelegramChatID int64

	// AIAPIKey enables free-form reminder requests. Empty disables them.
	AIAPIKey  string
	AIBaseURL string
	AIModel   string

	MetricsAddr string
	LogLevel    slog.Level
}

// Load reads the environment, after an optional .env file.
func Load() (*Config, error) {
	// .env file is optional in production
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURI:   os.Getenv("DATABASE_URI"),
		LocalDBPath:   getEnvOrDefault("LOCAL_DB_PATH", "remindsync.db"),
		UserID:        os.Getenv("USER_ID"),
		DeviceID:      os.Getenv("DEVICE_ID"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		AIAPIKey:      os.Getenv("AI_API_KEY"),
		AIBaseURL:     getEnvOrDefault("AI_BASE_URL", "https://openrouter.ai/api/v1"),
		AIModel:       getEnvOrDefault("AI_MODEL", "openai/gpt-4o-mini"),
		MetricsAddr:   getEnvOrDefault("METRICS_ADDR", ":9090"),
	}

	if cfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("DEVICE_ID not set and hostname unavailable: %w", err)
		}
		cfg.DeviceID = host
	}

	loc, err := time.LoadLocation(getEnvOrDefault("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.SyncInterval, err = durationEnv("SYNC_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CheckInterval, err = durationEnv("CHECK_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", v, err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Validate reports missing settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, errors.New("USER_ID is required"))
	}
	if c.LocalDBPath == "" {
		errs = append(errs, errors.New("LOCAL_DB_PATH is required"))
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_TOKEN"))
	}
	return errors.Join(errs...)
}

// Online reports whether a remote store is configured.
func (c *Config) Online() bool {
	return c.DatabaseURI != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
