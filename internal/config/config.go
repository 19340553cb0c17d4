package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"parley/internal/models"
)

type Config struct {
	APIAddr        string
	AdminAddr      string
	AllowedOrigins []string
	Rooms          []string
	HistoryLimit   int
	OutboxSize     int
	RateLimit      float64
	RateBurst      int
	DedupTTL       time.Duration
	PingInterval   time.Duration
	LogLevel       slog.Level
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var errs []error
	cfg := &Config{
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		Rooms:          splitList(getEnv("ROOMS", "general,random,tech,gaming")),
		HistoryLimit:   parse("HISTORY_LIMIT", "100", strconv.Atoi, &errs),
		OutboxSize:     parse("OUTBOX_SIZE", "100", strconv.Atoi, &errs),
		RateLimit:      parse("RATE_LIMIT", "20", parseFloat, &errs),
		RateBurst:      parse("RATE_BURST", "40", strconv.Atoi, &errs),
		DedupTTL:       parse("DEDUP_TTL", "2m", time.ParseDuration, &errs),
		PingInterval:   parse("PING_INTERVAL", "30s", time.ParseDuration, &errs),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_BURST must be greater than 0")
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL must be greater than 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be greater than 0")
	}
	if !slices.Contains(c.Rooms, models.DefaultRoom) {
		return fmt.Errorf("ROOMS must include %q", models.DefaultRoom)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parse[T any](key, fallback string, fn func(string) (T, error), errs *[]error) T {
	v, err := fn(getEnv(key, fallback))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return v
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// splitList splits a comma separated value, dropping blanks and duplicates.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}
