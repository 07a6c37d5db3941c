// Package config loads server configuration from a .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shaun/inkwell/internal/store"
	inksync "github.com/shaun/inkwell/internal/sync"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Store
	StoreBackend string
	DBPath       string

	// GitHub. Token is used for requests that carry no credential of their own.
	GitHubToken    string
	GitHubBaseURL  string
	RequestTimeout time.Duration

	// Sync
	Branch          string
	FallbackBranch  string
	PullConcurrency int
}

// Load reads envFile (a missing file is fine) and then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := &Config{
		ListenAddr:      listenAddr(),
		ShutdownTimeout: envDuration("INKWELL_SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		LogLevel:        envOr("INKWELL_LOG_LEVEL", "info"),
		LogFormat:       envOr("INKWELL_LOG_FORMAT", "json"),
		StoreBackend:    envOr("INKWELL_STORE", store.BackendSQLite),
		DBPath:          envOr("INKWELL_DB_PATH", "inkwell.db"),
		GitHubToken:     os.Getenv("INKWELL_GITHUB_TOKEN"),
		GitHubBaseURL:   os.Getenv("INKWELL_GITHUB_BASE_URL"),
		RequestTimeout:  envDuration("INKWELL_REQUEST_TIMEOUT", 30*time.Second, &errs),
		Branch:          envOr("INKWELL_BRANCH", inksync.DefaultBranch),
		FallbackBranch:  envOr("INKWELL_FALLBACK_BRANCH", inksync.DefaultFallbackBranch),
		PullConcurrency: envInt("INKWELL_PULL_CONCURRENCY", 4, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case store.BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("INKWELL_DB_PATH is required for the sqlite store"))
		}
	case store.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("INKWELL_STORE: unknown backend %q", c.StoreBackend))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("INKWELL_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if c.PullConcurrency < 1 {
		errs = append(errs, fmt.Errorf("INKWELL_PULL_CONCURRENCY must be positive, got %d", c.PullConcurrency))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("INKWELL_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("INKWELL_SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// listenAddr prefers INKWELL_LISTEN_ADDR, then PORT.
func listenAddr() string {
	if v := os.Getenv("INKWELL_LISTEN_ADDR"); v != "" {
		return v
	}
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return ":8080"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
