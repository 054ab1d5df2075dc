// Package config loads the example server's settings from the environment
// (and an optional .env file).
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manenim/tokenbucket/pkg/limiter"
)

// DefaultTTL leaves the limiter's own TTL (a full refill) in place.
const DefaultTTL time.Duration = -1

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Rate     RateConfig
	Limiters []NamedLimiter
	Stats    StatsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string
}

type StorageConfig struct {
	Type       string
	// MaxEntries caps the memory backend's key count. Zero is unbounded.
	MaxEntries int
	Redis      RedisConfig
}

type RedisConfig struct {
	// Addrs lists one address per backend. More than one shards the keys.
	Addrs    []string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

type RateConfig struct {
	Bucket        limiter.Config
	FailurePolicy limiter.FailurePolicy
	MaxRetries    int
	TTL           time.Duration
	KeyHeader     string
	TrustXFF      bool
}

// NamedLimiter is one entry of LIMITERS.
type NamedLimiter struct {
	Name   string
	Bucket limiter.Config
	Cost   float64
}

type StatsConfig struct {
	Enabled       bool
	Prefix        string
	FlushInterval time.Duration
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	storage, err := buildStorageConfig()
	if err != nil {
		return Config{}, err
	}

	rate, err := buildRateConfig()
	if err != nil {
		return Config{}, err
	}

	named, err := buildNamedLimiters(os.Getenv("LIMITERS"))
	if err != nil {
		return Config{}, err
	}

	stats, err := buildStatsConfig()
	if err != nil {
		return Config{}, err
	}

	logCfg, err := buildLogConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:   ServerConfig{Port: getEnv("SERVER_PORT", "8080")},
		Storage:  storage,
		Rate:     rate,
		Limiters: named,
		Stats:    stats,
		Log:      logCfg,
	}, nil
}

func buildStorageConfig() (StorageConfig, error) {
	storageType := strings.ToLower(getEnv("STORAGE_TYPE", "memory"))
	if storageType != "memory" && storageType != "redis" {
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_TYPE %q: want memory or redis", storageType)
	}

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return StorageConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	timeout, err := time.ParseDuration(getEnv("REDIS_TIMEOUT", "5s"))
	if err != nil {
		return StorageConfig{}, fmt.Errorf("invalid REDIS_TIMEOUT: %w", err)
	}
	maxEntries, err := strconv.Atoi(getEnv("MEMORY_MAX_ENTRIES", "0"))
	if err != nil || maxEntries < 0 {
		return StorageConfig{}, fmt.Errorf("invalid MEMORY_MAX_ENTRIES %q: want a non-negative integer", os.Getenv("MEMORY_MAX_ENTRIES"))
	}

	var addrs []string
	for _, a := range strings.Split(getEnv("REDIS_ADDRS", "localhost:6379"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if storageType == "redis" && len(addrs) == 0 {
		return StorageConfig{}, fmt.Errorf("REDIS_ADDRS is required when STORAGE_TYPE=redis")
	}

	return StorageConfig{
		Type:       storageType,
		MaxEntries: maxEntries,
		Redis: RedisConfig{
			Addrs:    addrs,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
			Prefix:   getEnv("REDIS_PREFIX", "limiter:"),
			Timeout:  timeout,
		},
	}, nil
}

func buildRateConfig() (RateConfig, error) {
	capacity, err := strconv.ParseFloat(getEnv("RATE_CAPACITY", "10"), 64)
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_CAPACITY: %w", err)
	}
	refill, err := strconv.ParseFloat(getEnv("RATE_REFILL_TOKENS", "10"), 64)
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_REFILL_TOKENS: %w", err)
	}
	period, err := time.ParseDuration(getEnv("RATE_REFILL_PERIOD", "1s"))
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_REFILL_PERIOD: %w", err)
	}

	bucket := limiter.Config{Capacity: capacity, RefillTokens: refill, RefillPeriod: period}
	if err := bucket.Validate(); err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_* bucket: %w", err)
	}

	policy, err := limiter.ParseFailurePolicy(getEnv("RATE_FAILURE_POLICY", "closed"))
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_FAILURE_POLICY: %w", err)
	}

	retries, err := strconv.Atoi(getEnv("RATE_MAX_RETRIES", "16"))
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid RATE_MAX_RETRIES: %w", err)
	}
	if retries < 0 {
		return RateConfig{}, fmt.Errorf("invalid RATE_MAX_RETRIES: must not be negative, got %d", retries)
	}

	ttl := DefaultTTL
	if raw := getEnv("RATE_TTL", ""); raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil {
			return RateConfig{}, fmt.Errorf("invalid RATE_TTL: %w", err)
		}
	}

	trustXFF, err := strconv.ParseBool(getEnv("TRUST_XFF", "false"))
	if err != nil {
		return RateConfig{}, fmt.Errorf("invalid TRUST_XFF: %w", err)
	}

	return RateConfig{
		Bucket:        bucket,
		FailurePolicy: policy,
		MaxRetries:    retries,
		TTL:           ttl,
		KeyHeader:     os.Getenv("RATE_KEY_HEADER"),
		TrustXFF:      trustXFF,
	}, nil
}

// buildNamedLimiters parses NAME:CAPACITY:REFILL_TOKENS:PERIOD[:COST] items
// separated by commas, e.g. "login:5:5:1m:1,search:20:10:1s:2".
func buildNamedLimiters(raw string) ([]NamedLimiter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []NamedLimiter
	seen := make(map[string]bool)

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 4 && len(parts) != 5 {
			return nil, fmt.Errorf("limiter must follow NAME:CAPACITY:REFILL_TOKENS:PERIOD[:COST]: %s", item)
		}

		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("limiter name cannot be empty: %s", item)
		}
		if seen[name] {
			return nil, fmt.Errorf("limiter %s is defined twice", name)
		}
		seen[name] = true

		capacity, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity for limiter %s: %w", name, err)
		}
		refill, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid refill tokens for limiter %s: %w", name, err)
		}
		period, err := time.ParseDuration(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid period for limiter %s: %w", name, err)
		}

		cost := 1.0
		if len(parts) == 5 {
			if cost, err = strconv.ParseFloat(parts[4], 64); err != nil {
				return nil, fmt.Errorf("invalid cost for limiter %s: %w", name, err)
			}
		}

		bucket := limiter.Config{Capacity: capacity, RefillTokens: refill, RefillPeriod: period}
		if err := bucket.Validate(); err != nil {
			return nil, fmt.Errorf("limiter %s: %w", name, err)
		}
		// NaN and Inf parse fine but can never be charged.
		if math.IsNaN(cost) || math.IsInf(cost, 0) || cost <= 0 {
			return nil, fmt.Errorf("invalid cost for limiter %s: must be a positive finite number", name)
		}
		if cost > capacity {
			return nil, fmt.Errorf("invalid cost for limiter %s: %v exceeds capacity %v", name, cost, capacity)
		}

		out = append(out, NamedLimiter{Name: name, Bucket: bucket, Cost: cost})
	}
	return out, nil
}

func buildStatsConfig() (StatsConfig, error) {
	enabled, err := strconv.ParseBool(getEnv("STATS_ENABLED", "false"))
	if err != nil {
		return StatsConfig{}, fmt.Errorf("invalid STATS_ENABLED: %w", err)
	}
	flush, err := time.ParseDuration(getEnv("STATS_FLUSH_INTERVAL", "1s"))
	if err != nil || flush <= 0 {
		return StatsConfig{}, fmt.Errorf("invalid STATS_FLUSH_INTERVAL %q: want a positive duration", os.Getenv("STATS_FLUSH_INTERVAL"))
	}
	return StatsConfig{
		Enabled:       enabled,
		Prefix:        getEnv("STATS_PREFIX", "ratelimit:stats"),
		FlushInterval: flush,
	}, nil
}

func buildLogConfig() (LogConfig, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	format := strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if format != "text" && format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT %q: want text or json", format)
	}
	return LogConfig{Level: level, Format: format}, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
