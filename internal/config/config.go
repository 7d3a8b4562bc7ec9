// Package config loads the gate configuration from environment variables
// (optionally seeded from a .env file) and the category/route limits from a
// YAML file.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FORMAT: console or json (default: console)
//   - LOG_FILE: Append logs to this file instead of stdout
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_KEY_PREFIX: Prefix for every counter key (default: rl:)
//   - REDIS_OPERATION_TIMEOUT: Bound on each store round trip (default: 500ms)
//   - BREAKER_MAX_FAILURES: Consecutive store failures that open the breaker (default: 5)
//   - BREAKER_TIMEOUT: How long the breaker stays open (default: 10s)
//   - STORE_PROBE_SCHEDULE: Cron schedule of the store health probe (default: @every 10s)
//
// Admission:
//   - TRUST_PROXY: Honour X-Forwarded-For, X-Real-IP and the identity header (default: false)
//   - API_KEY_HEADER: Header read by the api_key strategy (default: X-API-Key)
//   - IDENTITY_HEADER: Header carrying the user id set by the auth proxy (default: X-User-ID)
//   - LIMITS_FILE: YAML file with categories and routes (default: built-in limits)
//   - BLOCK_EVENTS_CHANNEL: Redis pub/sub channel for block events (default: disabled)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"quota-gate/internal/circuitbreaker"
	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/validation"
	"quota-gate/internal/ratelimit"
	"quota-gate/internal/redis"
)

// Config holds all configuration values read from the environment.
// Numeric and duration fields keep their raw string form; Validate checks
// them and the typed accessors parse them.
type Config struct {
	// Application settings
	Port      string
	LogLevel  string
	LogFormat string
	LogFile   string

	// Redis configuration
	RedisAddress          string
	RedisPassword         string
	RedisDB               string
	RedisPoolSize         string
	RedisKeyPrefix        string
	RedisOperationTimeout string
	BreakerMaxFailures    string
	BreakerTimeout        string
	StoreProbeSchedule    string

	// Admission
	TrustProxy         bool
	APIKeyHeader       string
	IdentityHeader     string
	LimitsFile         string
	BlockEventsChannel string
}

// Load creates a Config from environment variables. It does not validate.
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		LogFile:   getEnv("LOG_FILE", ""),

		RedisAddress:          getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnv("REDIS_DB", "0"),
		RedisPoolSize:         getEnv("REDIS_POOL_SIZE", "10"),
		RedisKeyPrefix:        getEnv("REDIS_KEY_PREFIX", "rl:"),
		RedisOperationTimeout: getEnv("REDIS_OPERATION_TIMEOUT", "500ms"),
		BreakerMaxFailures:    getEnv("BREAKER_MAX_FAILURES", "5"),
		BreakerTimeout:        getEnv("BREAKER_TIMEOUT", "10s"),
		StoreProbeSchedule:    getEnv("STORE_PROBE_SCHEDULE", "@every 10s"),

		TrustProxy:         getBoolEnv("TRUST_PROXY", false),
		APIKeyHeader:       getEnv("API_KEY_HEADER", "X-API-Key"),
		IdentityHeader:     getEnv("IDENTITY_HEADER", "X-User-ID"),
		LimitsFile:         getEnv("LIMITS_FILE", ""),
		BlockEventsChannel: getEnv("BLOCK_EVENTS_CHANNEL", ""),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv accepts the strconv.ParseBool forms; anything else yields defaultValue.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks every field. The first problem found is returned as a config error.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}

	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return errors.ConfigError("LOG_FORMAT must be 'console' or 'json'")
	}

	if c.RedisAddress == "" {
		return errors.ConfigError("REDIS_ADDRESS is required")
	}
	if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
		return errors.ConfigError("REDIS_DB must be a number between 0 and 15")
	}
	if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
		return errors.ConfigError("REDIS_POOL_SIZE must be a positive number")
	}
	if d, err := time.ParseDuration(c.RedisOperationTimeout); err != nil || d <= 0 {
		return errors.ConfigError("REDIS_OPERATION_TIMEOUT must be a positive duration (e.g., '500ms')")
	}
	if n, err := strconv.Atoi(c.BreakerMaxFailures); err != nil || n < 1 {
		return errors.ConfigError("BREAKER_MAX_FAILURES must be a positive number")
	}
	if d, err := time.ParseDuration(c.BreakerTimeout); err != nil || d <= 0 {
		return errors.ConfigError("BREAKER_TIMEOUT must be a positive duration (e.g., '10s')")
	}
	if err := validation.Default().Var(c.StoreProbeSchedule, "cron_schedule"); err != nil {
		return errors.ConfigError(fmt.Sprintf("STORE_PROBE_SCHEDULE %q is not a valid cron schedule", c.StoreProbeSchedule))
	}

	if c.APIKeyHeader == "" || c.IdentityHeader == "" {
		return errors.ConfigError("API_KEY_HEADER and IDENTITY_HEADER must not be empty")
	}

	return nil
}

// RedisConfig builds the counter store configuration. Call Validate first.
func (c *Config) RedisConfig() *redis.Config {
	db, _ := strconv.Atoi(c.RedisDB)
	poolSize, _ := strconv.Atoi(c.RedisPoolSize)
	timeout, _ := time.ParseDuration(c.RedisOperationTimeout)
	maxFailures, _ := strconv.Atoi(c.BreakerMaxFailures)
	breakerTimeout, _ := time.ParseDuration(c.BreakerTimeout)

	return &redis.Config{
		Address:          c.RedisAddress,
		Password:         c.RedisPassword,
		DB:               db,
		PoolSize:         poolSize,
		KeyPrefix:        c.RedisKeyPrefix,
		OperationTimeout: timeout,
		Breaker: circuitbreaker.Config{
			MaxFailures:      maxFailures,
			Timeout:          breakerTimeout,
			HalfOpenRequests: 1,
		},
	}
}

// StrategyOptions returns the settings key extraction strategies depend on.
func (c *Config) StrategyOptions() ratelimit.StrategyOptions {
	return ratelimit.StrategyOptions{
		TrustProxy:   c.TrustProxy,
		APIKeyHeader: c.APIKeyHeader,
	}
}
