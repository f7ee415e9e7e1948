// Package config loads the episode worker's runtime configuration from
// environment variables, using viper the way the rest of this codebase's
// services bind env-driven settings.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables accepted by the episode worker
// process. No environment variable is semantically required by the queue
// package itself; everything here is the process wrapper's own concern.
type Config struct {
	Service string
	Addr    string

	WorkerCount              int
	RecoveryInterval         time.Duration
	ProgressFlushMinInterval time.Duration
	DefaultHandlerTimeout    time.Duration
	DefaultMaxAttempts       int

	Retention         time.Duration
	RetentionSchedule string

	// LLMRateLimitPerSecond/LLMRateLimitBurst bound the token-bucket rate
	// applied to the episode handler's LLM calls; LLMRateLimitBurst is also
	// the bucket capacity.
	LLMRateLimitPerSecond float64
	LLMRateLimitBurst     int64

	// CircuitBreakerFailureRate/CircuitBreakerHalfOpenAfter tune the
	// per-handler-kind circuit breakers guarding LLM/graph call sites.
	CircuitBreakerFailureRate     float64
	CircuitBreakerMinSamples      int
	CircuitBreakerHalfOpenAfter   time.Duration
	CircuitBreakerWindow          time.Duration
	CircuitBreakerHalfOpenProbes  int

	BoltPath string

	RedisAddr string

	PostgresDSN string

	NatsURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

// Load reads configuration from EPISODEQUEUE_-prefixed environment
// variables, falling back to the defaults below.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("episodequeue")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("addr", ":8080")
	v.SetDefault("worker_count", 20)
	v.SetDefault("recovery_interval", "60s")
	v.SetDefault("progress_flush_min_interval", "1s")
	v.SetDefault("default_handler_timeout", "60s")
	v.SetDefault("default_max_attempts", 3)
	v.SetDefault("bolt_path", "./data/episodequeue.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("retention", "720h")
	v.SetDefault("retention_schedule", "@daily")
	v.SetDefault("llm_rate_limit_per_second", 5.0)
	v.SetDefault("llm_rate_limit_burst", 10)
	v.SetDefault("circuit_breaker_failure_rate", 0.5)
	v.SetDefault("circuit_breaker_min_samples", 10)
	v.SetDefault("circuit_breaker_half_open_after", "30s")
	v.SetDefault("circuit_breaker_window", "60s")
	v.SetDefault("circuit_breaker_half_open_probes", 3)

	return Config{
		Service:                  "episodequeue",
		Addr:                     v.GetString("addr"),
		WorkerCount:              v.GetInt("worker_count"),
		RecoveryInterval:         v.GetDuration("recovery_interval"),
		ProgressFlushMinInterval: v.GetDuration("progress_flush_min_interval"),
		DefaultHandlerTimeout:    v.GetDuration("default_handler_timeout"),
		DefaultMaxAttempts:       v.GetInt("default_max_attempts"),
		Retention:                v.GetDuration("retention"),
		RetentionSchedule:        v.GetString("retention_schedule"),
		LLMRateLimitPerSecond:       v.GetFloat64("llm_rate_limit_per_second"),
		LLMRateLimitBurst:           v.GetInt64("llm_rate_limit_burst"),
		CircuitBreakerFailureRate:   v.GetFloat64("circuit_breaker_failure_rate"),
		CircuitBreakerMinSamples:    v.GetInt("circuit_breaker_min_samples"),
		CircuitBreakerHalfOpenAfter: v.GetDuration("circuit_breaker_half_open_after"),
		CircuitBreakerWindow:        v.GetDuration("circuit_breaker_window"),
		CircuitBreakerHalfOpenProbes: v.GetInt("circuit_breaker_half_open_probes"),
		BoltPath:                 v.GetString("bolt_path"),
		RedisAddr:                v.GetString("redis_addr"),
		PostgresDSN:              v.GetString("postgres_dsn"),
		NatsURL:                  v.GetString("nats_url"),
		OpenAIAPIKey:             v.GetString("openai_api_key"),
		OpenAIBaseURL:            v.GetString("openai_base_url"),
		OpenAIModel:              v.GetString("openai_model"),
	}
}
