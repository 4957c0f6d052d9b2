// Package config provides configuration loading for npsd.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendMinIO    = "minio"
)

// Config holds the complete npsd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Retry        RetryConfig        `koanf:"retry"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Confidence   ConfidenceConfig   `koanf:"confidence"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Events       EventsConfig       `koanf:"events"`
	LLM          LLMConfig          `koanf:"llm"`
	Temporal     TemporalConfig     `koanf:"temporal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig mirrors the OTEL exporter settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// OrchestratorConfig bounds a single run.
type OrchestratorConfig struct {
	MaxConcurrency  int      `koanf:"max_concurrency"`
	MaxInsights     int      `koanf:"max_insights"`
	WorkflowTimeout Duration `koanf:"workflow_timeout"`
}

// RetryConfig is the default unit retry policy.
type RetryConfig struct {
	MaxRetries     int      `koanf:"max_retries"`
	InitialDelay   Duration `koanf:"initial_delay"`
	Multiplier     float64  `koanf:"multiplier"`
	MaxDelay       Duration `koanf:"max_delay"`
	AttemptTimeout Duration `koanf:"attempt_timeout"`
	Jitter         float64  `koanf:"jitter"`
}

// RateLimitConfig throttles external analysis calls. RPS of zero disables it.
// Burst defaults to ceil(RPS) and never below 1 when a limit is set.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// ConfidenceConfig overrides the grading thresholds.
type ConfidenceConfig struct {
	HighMinSamples       float64 `koanf:"high_min_samples"`
	HighMinRate          float64 `koanf:"high_min_rate"`
	MediumHighMinSamples float64 `koanf:"medium_high_min_samples"`
	MediumHighMaxSamples float64 `koanf:"medium_high_max_samples"`
	MediumHighMinRate    float64 `koanf:"medium_high_min_rate"`
	MediumUpperSamples   float64 `koanf:"medium_upper_samples"`
	LowMaxSamples        float64 `koanf:"low_max_samples"`
	LowMaxRate           float64 `koanf:"low_max_rate"`
}

// CheckpointConfig selects and configures checkpoint storage.
type CheckpointConfig struct {
	Backend     string         `koanf:"backend"`
	Compress    bool           `koanf:"compress"`
	SaveTimeout Duration       `koanf:"save_timeout"`
	SQLite      SQLiteConfig   `koanf:"sqlite"`
	Postgres    PostgresConfig `koanf:"postgres"`
	NATS        NATSKVConfig   `koanf:"nats"`
	MinIO       MinIOConfig    `koanf:"minio"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN          Secret `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// NATSKVConfig configures the JetStream key-value backend.
type NATSKVConfig struct {
	URL    string `koanf:"url"`
	Bucket string `koanf:"bucket"`
}

// MinIOConfig configures the object-store backend.
type MinIOConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// EventsConfig configures run event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LLMConfig configures the OpenAI-compatible analysis backend.
type LLMConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	CallTimeout Duration `koanf:"call_timeout"`

	// CacheSize bounds the response cache. Negative disables it.
	CacheSize int      `koanf:"cache_size"`
	CacheTTL  Duration `koanf:"cache_ttl"`
}

// TemporalConfig configures the durable workflow driver.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}

	if cfg.Orchestrator.MaxConcurrency == 0 {
		cfg.Orchestrator.MaxConcurrency = 4
	}
	if cfg.Orchestrator.MaxInsights == 0 {
		cfg.Orchestrator.MaxInsights = 5
	}
	if cfg.Orchestrator.WorkflowTimeout == 0 {
		cfg.Orchestrator.WorkflowTimeout = Duration(300 * time.Second)
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = Duration(2 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(60 * time.Second)
	}
	if cfg.Retry.AttemptTimeout == 0 {
		cfg.Retry.AttemptTimeout = Duration(60 * time.Second)
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.5
	}

	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = max(1, int(math.Ceil(cfg.RateLimit.RPS)))
	}

	c := &cfg.Confidence
	if c.HighMinSamples == 0 {
		c.HighMinSamples = 150
	}
	if c.HighMinRate == 0 {
		c.HighMinRate = 0.70
	}
	if c.MediumHighMinSamples == 0 {
		c.MediumHighMinSamples = 80
	}
	if c.MediumHighMaxSamples == 0 {
		c.MediumHighMaxSamples = 120
	}
	if c.MediumHighMinRate == 0 {
		c.MediumHighMinRate = 0.60
	}
	if c.MediumUpperSamples == 0 {
		c.MediumUpperSamples = 100
	}
	if c.LowMaxSamples == 0 {
		c.LowMaxSamples = 30
	}
	if c.LowMaxRate == 0 {
		c.LowMaxRate = 0.30
	}

	cfg.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend))
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = BackendSQLite
	}
	if cfg.Checkpoint.SaveTimeout == 0 {
		cfg.Checkpoint.SaveTimeout = Duration(10 * time.Second)
	}
	if cfg.Checkpoint.SQLite.Path == "" {
		cfg.Checkpoint.SQLite.Path = defaultSQLitePath()
	}
	if cfg.Checkpoint.Postgres.MaxOpenConns == 0 {
		cfg.Checkpoint.Postgres.MaxOpenConns = 10
	}
	if cfg.Checkpoint.NATS.Bucket == "" {
		cfg.Checkpoint.NATS.Bucket = "npsd_checkpoints"
	}
	if cfg.Checkpoint.MinIO.Bucket == "" {
		cfg.Checkpoint.MinIO.Bucket = "npsd-checkpoints"
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "npsd.runs"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.CallTimeout == 0 {
		cfg.LLM.CallTimeout = Duration(30 * time.Second)
	}
	if cfg.LLM.CacheSize == 0 {
		cfg.LLM.CacheSize = 1000
	}
	if cfg.LLM.CacheTTL == 0 {
		cfg.LLM.CacheTTL = Duration(time.Hour)
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "npsd-runs"
	}
}

// defaultSQLitePath keeps checkpoints next to the user config so runs can be
// resumed from a later process.
func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "npsd-checkpoints.db"
	}
	return filepath.Join(home, ".config", "npsd", "checkpoints.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Orchestrator.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrency must be >= 1, got %d", c.Orchestrator.MaxConcurrency))
	}
	if c.Orchestrator.MaxInsights < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_insights must be >= 1, got %d", c.Orchestrator.MaxInsights))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %f", c.Retry.Multiplier))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0,1], got %f", c.Retry.Jitter))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.rps must be >= 0, got %f", c.RateLimit.RPS))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must be >= 1 when rate_limit.rps is set, got %d", c.RateLimit.Burst))
	}
	if c.Confidence.MediumHighMinSamples > c.Confidence.MediumHighMaxSamples {
		errs = append(errs, errors.New("confidence.medium_high_min_samples exceeds medium_high_max_samples"))
	}

	switch c.Checkpoint.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if !c.Checkpoint.Postgres.DSN.IsSet() {
			errs = append(errs, errors.New("checkpoint.postgres.dsn is required for the postgres backend"))
		}
	case BackendNATS:
		if c.Checkpoint.NATS.URL == "" {
			errs = append(errs, errors.New("checkpoint.nats.url is required for the nats backend"))
		}
	case BackendMinIO:
		if c.Checkpoint.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("checkpoint.minio.endpoint is required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend))
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	return errors.Join(errs...)
}
