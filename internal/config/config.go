// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mailtrack/engine/internal/fingerprint"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// ValidationConfig holds the open-validation tunables. The correct values
// are discovered empirically from mail-client behaviour and drift over time.
type ValidationConfig struct {
	// SenderEchoWindow rejects loads from the sender's own origin shortly
	// after send.
	SenderEchoWindow time.Duration
	// ProxyMinDelay is the age an automated fetch must exceed to be accepted
	// as the sole evidence of an open.
	ProxyMinDelay time.Duration
	// MinOpenDelay rejects any open arriving sooner than this after send.
	MinOpenDelay time.Duration
	// ProxyCorroboration enables the automated-fetch corroboration rule.
	ProxyCorroboration bool
	// AutomatedSignatures are client-signature fragments of image prefetchers.
	AutomatedSignatures []string
}

// RateLimitConfig controls the per-client request limiter.
type RateLimitConfig struct {
	Enabled bool
	Limit   int64
	Period  time.Duration
}

// Config holds all configuration for the tracking service.
type Config struct {
	Port     int
	LogLevel string

	// Persistence
	StoreDriver string
	DatabaseURL string

	// Redis (optional): shared cache tier, event notices, rate-limit store
	RedisURL      string
	EventsQueue   string
	RedisCacheTTL time.Duration

	// In-process message cache
	CacheSize int
	CacheTTL  time.Duration

	SummaryLimit  int
	IngestTimeout time.Duration
	CORSOrigins   []string

	RateLimit  RateLimitConfig
	Validation ValidationConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port          int            `yaml:"port"`
		LogLevel      string         `yaml:"log_level"`
		CORSOrigins   []string       `yaml:"cors_origins"`
		IngestTimeout *time.Duration `yaml:"ingest_timeout"`
	} `yaml:"server"`
	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"store"`
	Redis struct {
		URL      string         `yaml:"url"`
		CacheTTL *time.Duration `yaml:"cache_ttl"`
		Queues   struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Cache struct {
		Size int            `yaml:"size"`
		TTL  *time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	Summary struct {
		Limit int `yaml:"limit"`
	} `yaml:"summary"`
	RateLimit struct {
		Enabled *bool          `yaml:"enabled"`
		Limit   int64          `yaml:"limit"`
		Period  *time.Duration `yaml:"period"`
	} `yaml:"rate_limit"`
	Validation struct {
		SenderEchoWindow    *time.Duration `yaml:"sender_echo_window"`
		ProxyMinDelay       *time.Duration `yaml:"proxy_min_delay"`
		MinOpenDelay        *time.Duration `yaml:"min_open_delay"`
		ProxyCorroboration  *bool          `yaml:"proxy_corroboration"`
		AutomatedSignatures []string       `yaml:"automated_signatures"`
	} `yaml:"validation"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Port:          8080,
		LogLevel:      "info",
		StoreDriver:   StorePostgres,
		DatabaseURL:   "postgres://localhost:5432/mailtrack",
		RedisCacheTTL: 10 * time.Minute,
		CacheSize:     10000,
		CacheTTL:      5 * time.Minute,
		SummaryLimit:  200,
		IngestTimeout: 5 * time.Second,
		CORSOrigins:   []string{"*"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   500,
			Period:  15 * time.Minute,
		},
		Validation: ValidationConfig{
			SenderEchoWindow:    10 * time.Second,
			ProxyMinDelay:       30 * time.Second,
			MinOpenDelay:        5 * time.Second,
			ProxyCorroboration:  true,
			AutomatedSignatures: append([]string(nil), fingerprint.DefaultAutomatedSignatures...),
		},
	}
}

// Load reads a .env file if present, then configuration from config.yaml
// (with env var expansion) and environment variables. Environment
// variables win over YAML values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFrom loads configuration from the YAML file at path. A missing file
// is not an error; defaults and environment variables apply.
func LoadFrom(configPath string) (*Config, error) {
	var raw rawConfig

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Environment-only configuration.
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	d := Defaults()
	cfg := &Config{
		Port:          envOrDefaultInt("PORT", firstPositive(raw.Server.Port, d.Port)),
		LogLevel:      envOrDefault("LOG_LEVEL", firstNonEmpty(raw.Server.LogLevel, d.LogLevel)),
		StoreDriver:   envOrDefault("STORE_DRIVER", firstNonEmpty(raw.Store.Driver, d.StoreDriver)),
		DatabaseURL:   envOrDefault("DATABASE_URL", firstNonEmpty(raw.Store.DatabaseURL, d.DatabaseURL)),
		RedisURL:      envOrDefault("REDIS_URL", raw.Redis.URL),
		EventsQueue:   envOrDefault("EVENTS_QUEUE", raw.Redis.Queues.Events),
		RedisCacheTTL: envOrDefaultDuration("REDIS_CACHE_TTL", durationOr(raw.Redis.CacheTTL, d.RedisCacheTTL)),
		CacheSize:     envOrDefaultInt("CACHE_SIZE", firstPositive(raw.Cache.Size, d.CacheSize)),
		CacheTTL:      envOrDefaultDuration("CACHE_TTL", durationOr(raw.Cache.TTL, d.CacheTTL)),
		SummaryLimit:  envOrDefaultInt("SUMMARY_LIMIT", firstPositive(raw.Summary.Limit, d.SummaryLimit)),
		IngestTimeout: envOrDefaultDuration("INGEST_TIMEOUT", durationOr(raw.Server.IngestTimeout, d.IngestTimeout)),
		CORSOrigins:   envOrDefaultList("CORS_ORIGINS", firstNonEmptyList(raw.Server.CORSOrigins, d.CORSOrigins)),
		RateLimit: RateLimitConfig{
			Enabled: envOrDefaultBool("RATE_LIMIT_ENABLED", boolOr(raw.RateLimit.Enabled, d.RateLimit.Enabled)),
			Limit:   int64(envOrDefaultInt("RATE_LIMIT", int(firstPositive64(raw.RateLimit.Limit, d.RateLimit.Limit)))),
			Period:  envOrDefaultDuration("RATE_LIMIT_PERIOD", durationOr(raw.RateLimit.Period, d.RateLimit.Period)),
		},
		Validation: ValidationConfig{
			SenderEchoWindow:    envOrDefaultDuration("SENDER_ECHO_WINDOW", durationOr(raw.Validation.SenderEchoWindow, d.Validation.SenderEchoWindow)),
			ProxyMinDelay:       envOrDefaultDuration("PROXY_MIN_DELAY", durationOr(raw.Validation.ProxyMinDelay, d.Validation.ProxyMinDelay)),
			MinOpenDelay:        envOrDefaultDuration("MIN_OPEN_DELAY", durationOr(raw.Validation.MinOpenDelay, d.Validation.MinOpenDelay)),
			ProxyCorroboration:  envOrDefaultBool("PROXY_CORROBORATION", boolOr(raw.Validation.ProxyCorroboration, d.Validation.ProxyCorroboration)),
			AutomatedSignatures: envOrDefaultList("AUTOMATED_SIGNATURES", firstNonEmptyList(raw.Validation.AutomatedSignatures, d.Validation.AutomatedSignatures)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	v := c.Validation
	if v.SenderEchoWindow < 0 || v.ProxyMinDelay < 0 || v.MinOpenDelay < 0 {
		return fmt.Errorf("validation windows must not be negative")
	}
	if c.SummaryLimit <= 0 {
		return fmt.Errorf("summary limit must be positive, got %d", c.SummaryLimit)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Period <= 0) {
		return fmt.Errorf("rate limit needs a positive limit and period")
	}
	if c.EventsQueue != "" && c.RedisURL == "" {
		return fmt.Errorf("EVENTS_QUEUE requires REDIS_URL")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envOrDefaultList reads a comma-separated list.
func envOrDefaultList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyList(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositive64(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func durationOr(v *time.Duration, fallback time.Duration) time.Duration {
	if v != nil {
		return *v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
