// Package config loads the settings of the SafeNest binaries from the environment.
package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	APIKey      string
	BaseURL     string
	StreamURL   string
	Timeout     time.Duration
	MaxRetries  uint64
	RetryDelay  time.Duration
	LogLevel    string
	MetricsAddr string
	MockListen  string
	MockAPIKey  string
}

type envConfig struct {
	APIKey       string `env:"SAFENEST_API_KEY"`
	BaseURL      string `env:"SAFENEST_BASE_URL" envDefault:"https://api.safenest.dev"`
	StreamURL    string `env:"SAFENEST_STREAM_URL" envDefault:"wss://api.safenest.dev/api/v1/safety/voice/stream"`
	TimeoutMS    int    `env:"SAFENEST_TIMEOUT_MS" envDefault:"30000"`
	MaxRetries   int    `env:"SAFENEST_MAX_RETRIES" envDefault:"3"`
	RetryDelayMS int    `env:"SAFENEST_RETRY_DELAY_MS" envDefault:"1000"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	MockListen   string `env:"MOCK_LISTEN_ADDR" envDefault:":8787"`
	MockAPIKey   string `env:"MOCK_API_KEY" envDefault:"test-key"`
}

// Load reads an optional .env file from the working directory, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIKey:      strings.TrimSpace(raw.APIKey),
		BaseURL:     strings.TrimRight(strings.TrimSpace(raw.BaseURL), "/"),
		StreamURL:   strings.TrimSpace(raw.StreamURL),
		Timeout:     time.Duration(raw.TimeoutMS) * time.Millisecond,
		RetryDelay:  time.Duration(raw.RetryDelayMS) * time.Millisecond,
		LogLevel:    strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		MetricsAddr: strings.TrimSpace(raw.MetricsAddr),
		MockListen:  strings.TrimSpace(raw.MockListen),
		MockAPIKey:  strings.TrimSpace(raw.MockAPIKey),
	}
	if raw.MaxRetries < 0 {
		return Config{}, errors.New("SAFENEST_MAX_RETRIES must be >= 0")
	}
	cfg.MaxRetries = uint64(raw.MaxRetries)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every binary needs. The API key is checked by the SDK itself.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("SAFENEST_BASE_URL must not be empty")
	}
	if c.StreamURL == "" {
		return errors.New("SAFENEST_STREAM_URL must not be empty")
	}
	if c.Timeout <= 0 {
		return errors.New("SAFENEST_TIMEOUT_MS must be > 0")
	}
	if c.RetryDelay <= 0 {
		return errors.New("SAFENEST_RETRY_DELAY_MS must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
