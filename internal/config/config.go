// Package config loads the Run Execution Subsystem's configuration from YAML
// with environment variable overrides, following the same section-struct +
// Default*Config + sanitize idiom used throughout this module.
package config

import (
	"fmt"
	"time"

	"github.com/example/runengine/internal/ratelimit"
)

// Config is the root configuration for a runengine worker process.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Run          RunConfig          `yaml:"run"`
	LLM          LLMConfig          `yaml:"llm"`
	Logging      LoggingConfig      `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures process-level listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
	InstanceID  string `yaml:"instance_id"`
}

// DatabaseConfig configures the pooled Postgres-compatible relational store (C2).
type DatabaseConfig struct {
	PrimaryDSN      string        `yaml:"primary_dsn"`
	ReplicaDSN      string        `yaml:"replica_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdle     time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// RedisConfig configures the Key-Value/Stream Service (C1).
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
	StreamMaxLen int64       `yaml:"stream_maxlen"`
	StreamTTL  time.Duration `yaml:"stream_ttl"`
}

// RunConfig configures the Coordinator (C11) and its caps, per spec.md §4.11/§5.
type RunConfig struct {
	MaxSteps            int           `yaml:"max_steps"`
	MaxAutoContinues    int           `yaml:"max_auto_continues"`
	DefaultMaxTokens    int           `yaml:"default_max_tokens"`
	MaxPendingRedisOps  int           `yaml:"max_pending_redis_ops"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	TerminalSettleDelay time.Duration `yaml:"terminal_settle_delay"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	PendingOpsDrainWait time.Duration `yaml:"pending_ops_drain_wait"`
}

// LLMConfig configures the pluggable LLM Executor providers (C8).
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	Bedrock         BedrockConfig                `yaml:"bedrock"`
	RateLimit       ratelimit.Config             `yaml:"rate_limit"`
}

// LLMProviderConfig holds per-provider connection settings.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// BedrockConfig configures AWS Bedrock model discovery used by the model resolver.
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// DefaultConfig returns a Config populated with production-sane defaults,
// mirroring DefaultLoopConfig's approach of one function per component.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Database: DatabaseConfig{
			MaxOpenConns:     25,
			MaxIdleConns:     5,
			ConnMaxLifetime:  30 * time.Minute,
			ConnMaxIdle:      5 * time.Minute,
			ConnectTimeout:   15 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			OpTimeout:    3 * time.Second,
			StreamMaxLen: 10000,
			StreamTTL:    time.Hour,
		},
		Run: RunConfig{
			MaxSteps:            100,
			MaxAutoContinues:    25,
			DefaultMaxTokens:    4096,
			MaxPendingRedisOps:  500,
			HeartbeatInterval:   10 * time.Second,
			LockTTL:             30 * time.Second,
			TerminalSettleDelay: 200 * time.Millisecond,
			ShutdownGrace:       30 * time.Second,
			PendingOpsDrainWait: 30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			RateLimit:       ratelimit.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Sanitize fills in zero-valued fields with defaults, following the
// sanitizeLoopConfig idiom used by the agentic loop this subsystem's
// Coordinator is descended from. It does not validate; the loader calls
// Validate on the sanitized result.
func Sanitize(cfg Config) Config {
	defaults := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = defaults.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime <= 0 {
		cfg.Database.ConnMaxLifetime = defaults.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnectTimeout <= 0 {
		cfg.Database.ConnectTimeout = defaults.Database.ConnectTimeout
	}
	if cfg.Database.StatementTimeout <= 0 {
		cfg.Database.StatementTimeout = defaults.Database.StatementTimeout
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Redis.OpTimeout <= 0 {
		cfg.Redis.OpTimeout = defaults.Redis.OpTimeout
	}
	if cfg.Redis.StreamMaxLen <= 0 {
		cfg.Redis.StreamMaxLen = defaults.Redis.StreamMaxLen
	}
	if cfg.Redis.StreamTTL <= 0 {
		cfg.Redis.StreamTTL = defaults.Redis.StreamTTL
	}
	if cfg.Run.MaxSteps <= 0 {
		cfg.Run.MaxSteps = defaults.Run.MaxSteps
	}
	if cfg.Run.MaxAutoContinues <= 0 {
		cfg.Run.MaxAutoContinues = defaults.Run.MaxAutoContinues
	}
	if cfg.Run.DefaultMaxTokens <= 0 {
		cfg.Run.DefaultMaxTokens = defaults.Run.DefaultMaxTokens
	}
	if cfg.Run.MaxPendingRedisOps <= 0 {
		cfg.Run.MaxPendingRedisOps = defaults.Run.MaxPendingRedisOps
	}
	if cfg.Run.HeartbeatInterval <= 0 {
		cfg.Run.HeartbeatInterval = defaults.Run.HeartbeatInterval
	}
	if cfg.Run.LockTTL <= 0 {
		cfg.Run.LockTTL = defaults.Run.LockTTL
	}
	if cfg.Run.ShutdownGrace <= 0 {
		cfg.Run.ShutdownGrace = defaults.Run.ShutdownGrace
	}
	if cfg.Run.PendingOpsDrainWait <= 0 {
		cfg.Run.PendingOpsDrainWait = defaults.Run.PendingOpsDrainWait
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = defaults.LLM.DefaultProvider
	}
	if cfg.LLM.RateLimit.RequestsPerSecond <= 0 {
		cfg.LLM.RateLimit = defaults.LLM.RateLimit
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	return cfg
}

// Validate returns an error describing the first invalid field found.
func Validate(cfg Config) error {
	if cfg.Run.LockTTL < 3*cfg.Run.HeartbeatInterval {
		return fmt.Errorf("config: run.lock_ttl (%s) must be at least 3x run.heartbeat_interval (%s)", cfg.Run.LockTTL, cfg.Run.HeartbeatInterval)
	}
	if cfg.Database.PrimaryDSN == "" {
		return fmt.Errorf("config: database.primary_dsn is required")
	}
	return nil
}
