// Package config loads and validates engine configuration from a YAML file
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root engine configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Specs         SpecsConfig         `yaml:"specs"`
	Queue         QueueConfig         `yaml:"queue"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Sender        SenderConfig        `yaml:"sender"`
	Retry         RetryConfig         `yaml:"retry"`
	Signer        SignerConfig        `yaml:"signer"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the ops HTTP surface (/healthz, /readyz,
// /metrics, /debug/queue).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SpecsConfig describes where to find the OpenAPI documents whose
// callbacks are compiled into plans at startup.
type SpecsConfig struct {
	Directory string   `yaml:"directory"`
	Files     []string `yaml:"files"`
}

// QueueConfig describes the bounded handoff between request construction
// and the dispatcher worker.
type QueueConfig struct {
	Driver   string     `yaml:"driver"` // "memory" (default) or "nats"
	Capacity int        `yaml:"capacity"`
	NATS     NATSConfig `yaml:"nats"`
}

// NATSConfig describes the optional JetStream-backed queue.
type NATSConfig struct {
	URL          string `yaml:"url"`
	StreamName   string `yaml:"stream_name"`
	Subject      string `yaml:"subject"`
	ConsumerName string `yaml:"consumer_name"`
	MaxMessages  int64  `yaml:"max_messages"`
}

// DispatcherConfig describes the worker's bounded concurrency pool.
type DispatcherConfig struct {
	PoolSize int `yaml:"pool_size"` // 0 means 4*runtime.NumCPU()
}

// SenderConfig describes the default per-request HTTP send timeout.
type SenderConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// RetryConfig describes the default retry policy's parameters.
type RetryConfig struct {
	MaxAttempts uint32        `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SignerConfig describes the optional HMAC request signer.
type SignerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretEnv string `yaml:"secret_env"` // env var holding the HMAC secret
	KeyID     string `yaml:"key_id"`
}

// StoreConfig describes the optional durable state store.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // "memory" (default), "postgres", "redis"
	Pg     PgConfig    `yaml:"postgres"`
	Redis  RedisConfig `yaml:"redis"`
}

// PgConfig describes PostgreSQL connection settings.
type PgConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig describes Redis connection settings.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config populated with the engine's default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Specs: SpecsConfig{
			Directory: "/specs",
		},
		Queue: QueueConfig{
			Driver:   "memory",
			Capacity: 10_000,
		},
		Dispatcher: DispatcherConfig{},
		Sender: SenderConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Pg: PgConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				KeyPrefix: "callhook",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, "queue.capacity must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	switch c.Queue.Driver {
	case "memory", "nats":
	default:
		errs = append(errs, "queue.driver must be memory or nats")
	}
	switch c.Store.Driver {
	case "memory", "postgres", "redis":
	default:
		errs = append(errs, "store.driver must be memory, postgres, or redis")
	}
	if c.Signer.Enabled && c.Signer.SecretEnv == "" {
		errs = append(errs, "signer.secret_env is required when signer.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CALLHOOK_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLHOOK_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CALLHOOK_SPECS_DIRECTORY"); v != "" {
		cfg.Specs.Directory = v
	}
	if v := os.Getenv("CALLHOOK_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("CALLHOOK_QUEUE_NATS_URL"); v != "" {
		cfg.Queue.NATS.URL = v
	}
	if v := os.Getenv("CALLHOOK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CALLHOOK_SIGNER_ENABLED"); v != "" {
		cfg.Signer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CALLHOOK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
