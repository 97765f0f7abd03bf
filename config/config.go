// Package config loads runtime settings from the environment and an optional
// .env file.
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

// Config holds every setting the CLI and the HTTP server read at startup.
type Config struct {
	DBDriver        string
	DBDSN           string
	HTTPAddr        string
	LoanPeriod      time.Duration
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
}

// Defaults used when a variable is unset.
const (
	DefaultDBDriver        = "sqlite"
	DefaultDBDSN           = "library.db"
	DefaultHTTPAddr        = ":8080"
	DefaultLoanDays        = 14
	DefaultShutdownTimeout = 10 * time.Second
)

// Load reads envFiles (".env" when none are given) if present, then the
// LIBRARY_* environment variables. Variables already set in the environment
// win over file values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{
		DBDriver:        getenv("LIBRARY_DB_DRIVER", DefaultDBDriver),
		DBDSN:           getenv("LIBRARY_DB_DSN", DefaultDBDSN),
		HTTPAddr:        getenv("LIBRARY_HTTP_ADDR", DefaultHTTPAddr),
		LoanPeriod:      DefaultLoanDays * 24 * time.Hour,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("LIBRARY_DB_DRIVER: unsupported driver %q", cfg.DBDriver)
	}

	if v := os.Getenv("LIBRARY_LOAN_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			return Config{}, fmt.Errorf("LIBRARY_LOAN_DAYS: want a positive number of days, got %q", v)
		}
		cfg.LoanPeriod = time.Duration(days) * 24 * time.Hour
	}

	if v := os.Getenv("LIBRARY_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return Config{}, fmt.Errorf("LIBRARY_LOG_LEVEL: %w", err)
		}
	}

	if v := os.Getenv("LIBRARY_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LIBRARY_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Logger returns a text logger writing to stderr at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}
