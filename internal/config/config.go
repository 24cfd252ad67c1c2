package config

import (
	"time"
)

type Config struct {
	Mode           string `mapstructure:"mode"`
	Server         ServerConfig
	Upstream       UpstreamConfig
	Redis          RedisConfig
	Broker         BrokerConfig
	Projects       ProjectCacheConfig
	Quotas         QuotaConfig
	Filtering      FilteringConfig
	Outcomes       OutcomeConfig
	Auth           AuthConfig
	Admission      AdmissionConfig
	CircuitBreaker CircuitBreakerConfig
	Logging        LoggingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
}

type UpstreamConfig struct {
	URL            string        `mapstructure:"url"`
	TimeoutSeconds time.Duration `mapstructure:"timeout_seconds"`
	// SigningKey is a base64 ed25519 private key (or seed) used to
	// re-sign envelopes forwarded upstream in relay mode.
	SigningKey string      `mapstructure:"signing_key"`
	Retry      RetryConfig `mapstructure:"retry"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
	Retry   RetryConfig  `mapstructure:"retry"`
}

// TopicsConfig maps item categories to output topics, plus the outcome
// sink and the project invalidation topic this relay consumes.
type TopicsConfig struct {
	Events        string `mapstructure:"events"`
	Transactions  string `mapstructure:"transactions"`
	Sessions      string `mapstructure:"sessions"`
	Attachments   string `mapstructure:"attachments"`
	Metrics       string `mapstructure:"metrics"`
	Outcomes      string `mapstructure:"outcomes"`
	Invalidations string `mapstructure:"invalidations"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type ProjectCacheConfig struct {
	ValiditySeconds      int `mapstructure:"validity_seconds"`
	NegativeTTLSeconds   int `mapstructure:"negative_ttl_seconds"`
	MaxConcurrentFetches int `mapstructure:"max_concurrent_fetches"`
}

type QuotaConfig struct {
	VerdictCacheTTLSeconds int    `mapstructure:"verdict_cache_ttl_seconds"`
	OnStoreError           string `mapstructure:"on_store_error"` // "allow" or "deny"
}

type FilteringConfig struct {
	Fallback FallbackConfig `mapstructure:"fallback"`
}

type FallbackConfig struct {
	OnError string `mapstructure:"on_error"` // "allow" or "deny"
}

type OutcomeConfig struct {
	BufferSize           int `mapstructure:"buffer_size"`
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds"`
}

type AuthConfig struct {
	// RequireSignature rejects envelopes without a signature header.
	// Disabled deployments still validate the declared public key
	// against the project state.
	RequireSignature bool `mapstructure:"require_signature"`
}

type AdmissionConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
