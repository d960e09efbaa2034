// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds each shutdown phase.
	// Zero waits indefinitely.
	ShutdownTimeout time.Duration

	// Database settings. An empty DatabaseURL runs against the in-memory store.
	DatabaseURL string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64  // Maximum request body size in bytes.
	RulesFile           string // Optional JSON rule set replacing the built-in rules.
	DisableMCP          bool

	// Rate limiting of the write routes, per client IP.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Policy is the learning policy handed to the engines.
	Policy LearningPolicy
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg := Config{
		DatabaseURL:  envStr("DATABASE_URL", ""),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "manabi"),
		LogLevel:     envStr("MANABI_LOG_LEVEL", "info"),
		RulesFile:    envStr("MANABI_RULES_FILE", ""),
		Policy:       DefaultPolicy(),
	}
	cfg.Port, err = envInt("MANABI_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("MANABI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("MANABI_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("MANABI_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	maxBody, err := envInt("MANABI_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.DisableMCP, err = envBool("MANABI_DISABLE_MCP", false)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("MANABI_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("MANABI_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("MANABI_RATE_LIMIT_BURST", 100)
	collect(err)

	p := &cfg.Policy
	p.AutoApproveThreshold, err = envFloat("MANABI_AUTO_APPROVE_THRESHOLD", p.AutoApproveThreshold)
	collect(err)
	p.OverlapThreshold, err = envFloat("MANABI_OVERLAP_THRESHOLD", p.OverlapThreshold)
	collect(err)
	p.TurnTimeout, err = envDuration("MANABI_TURN_TIMEOUT", p.TurnTimeout)
	collect(err)
	p.DispatchQueueSize, err = envInt("MANABI_DISPATCH_QUEUE_SIZE", p.DispatchQueueSize)
	collect(err)
	p.DispatchWorkers, err = envInt("MANABI_DISPATCH_WORKERS", p.DispatchWorkers)
	collect(err)
	p.SchedulerInterval, err = envDuration("MANABI_SCHEDULER_INTERVAL", p.SchedulerInterval)
	collect(err)
	p.ConfigCacheTTL, err = envDuration("MANABI_CONFIG_CACHE_TTL", p.ConfigCacheTTL)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.RulesFile != "" {
		set, err := LoadRuleSet(cfg.RulesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = cfg.Policy.WithRules(set)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MANABI_PORT must be between 1 and 65535")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: MANABI_SHUTDOWN_TIMEOUT must not be negative")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: MANABI_RATE_LIMIT_RPS and MANABI_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MANABI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
