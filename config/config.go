// Package config resolves runtime configuration in priority order:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"escrowflow/escrow"

	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	MaxDBConns  int32
	Store       string

	JWTSecret string
	TokenTTL  time.Duration

	StoreTimeout  time.Duration
	PayoutTimeout time.Duration
	PayoutURL     string
	PayoutSecret  string
	PayoutRetries int

	KafkaBrokers       []string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int

	RedisURL         string
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepParallelism int

	RateLimitPerSecond float64
	RateLimitBurst     int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	LogLevel string

	Policies []escrow.TierPolicy
}

// configFile mirrors the YAML schema of config/escrowflow.yaml.
type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		Store    string `yaml:"store"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		PayoutURL    string   `yaml:"payout_url"`
	} `yaml:"dependencies"`
	Timeouts struct {
		StoreMS  int `yaml:"store_ms"`
		PayoutMS int `yaml:"payout_ms"`
	} `yaml:"timeouts"`
	Sweeper struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		BatchSize       int `yaml:"batch_size"`
		Parallelism     int `yaml:"parallelism"`
	} `yaml:"sweeper"`
	Policies []escrow.TierPolicy `yaml:"policies"`
}

// Load reads path if it exists and applies environment overrides. A missing
// file is not an error; a malformed one is. Policies are validated here so a
// bad table fails the process at start.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr:           ":8080",
		MaxDBConns:         20,
		Store:              StorePostgres,
		TokenTTL:           12 * time.Hour,
		StoreTimeout:       3 * time.Second,
		PayoutTimeout:      10 * time.Second,
		PayoutRetries:      3,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		OutboxMaxRetries:   5,
		SweepInterval:      time.Minute,
		SweepBatchSize:     200,
		SweepParallelism:   8,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
		LogLevel:           "info",
		Policies:           escrow.DefaultPolicies(),
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.Store = strings.ToLower(strings.TrimSpace(envOrDefault("STORE", cfg.Store)))
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = time.Duration(envInt("TOKEN_TTL_MINUTES", int(cfg.TokenTTL.Minutes()))) * time.Minute
	cfg.StoreTimeout = time.Duration(envInt("STORE_TIMEOUT_MS", int(cfg.StoreTimeout.Milliseconds()))) * time.Millisecond
	cfg.PayoutTimeout = time.Duration(envInt("PAYOUT_TIMEOUT_MS", int(cfg.PayoutTimeout.Milliseconds()))) * time.Millisecond
	cfg.PayoutURL = envOrDefault("PAYOUT_URL", cfg.PayoutURL)
	cfg.PayoutSecret = envOrDefault("PAYOUT_SECRET", cfg.PayoutSecret)
	cfg.PayoutRetries = envInt("PAYOUT_MAX_RETRIES", cfg.PayoutRetries)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.SweepInterval = time.Duration(envInt("SWEEP_INTERVAL_SECONDS", int(cfg.SweepInterval.Seconds()))) * time.Second
	cfg.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.SweepParallelism = envInt("SWEEP_PARALLELISM", cfg.SweepParallelism)
	cfg.RateLimitPerSecond = envFloat("RATE_LIMIT_RPS", cfg.RateLimitPerSecond)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.BootstrapAdminEmail = envOrDefault("BOOTSTRAP_ADMIN_EMAIL", cfg.BootstrapAdminEmail)
	cfg.BootstrapAdminPassword = envOrDefault("BOOTSTRAP_ADMIN_PASSWORD", cfg.BootstrapAdminPassword)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse config file: %w", err)
	}
	if f.Server.HTTPAddr != "" {
		cfg.HTTPAddr = f.Server.HTTPAddr
	}
	if f.Server.Store != "" {
		cfg.Store = f.Server.Store
	}
	if f.Server.LogLevel != "" {
		cfg.LogLevel = f.Server.LogLevel
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.PayoutURL != "" {
		cfg.PayoutURL = f.Dependencies.PayoutURL
	}
	if f.Timeouts.StoreMS > 0 {
		cfg.StoreTimeout = time.Duration(f.Timeouts.StoreMS) * time.Millisecond
	}
	if f.Timeouts.PayoutMS > 0 {
		cfg.PayoutTimeout = time.Duration(f.Timeouts.PayoutMS) * time.Millisecond
	}
	if f.Sweeper.IntervalSeconds > 0 {
		cfg.SweepInterval = time.Duration(f.Sweeper.IntervalSeconds) * time.Second
	}
	if f.Sweeper.BatchSize > 0 {
		cfg.SweepBatchSize = f.Sweeper.BatchSize
	}
	if f.Sweeper.Parallelism > 0 {
		cfg.SweepParallelism = f.Sweeper.Parallelism
	}
	if len(f.Policies) > 0 {
		cfg.Policies = f.Policies
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.StoreTimeout <= 0 || c.PayoutTimeout <= 0 {
		return fmt.Errorf("config: store and payout timeouts must be positive")
	}
	if _, err := escrow.NewPolicyTable(c.Policies); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PolicyTable builds the validated policy table.
func (c Config) PolicyTable() (*escrow.PolicyTable, error) {
	return escrow.NewPolicyTable(c.Policies)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
