// Package config provides YAML-based configuration loading for embedq.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "EMBEDQ"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Results   ResultsConfig   `mapstructure:"results"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Client    ClientConfig    `mapstructure:"client"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

type BatchConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size"`
	// MaxQueueDepth bounds the intake queue; 0 leaves it unbounded.
	MaxQueueDepth int `mapstructure:"max_queue_depth"`
}

type EngineConfig struct {
	// Name: hash or bridge
	Name      string        `mapstructure:"name"`
	Dimension int           `mapstructure:"dimension"`
	ModelPath string        `mapstructure:"model_path"`
	Command   string        `mapstructure:"command"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ResultsConfig struct {
	// Backend: memory or redis
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LifecycleConfig struct {
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type TelemetryConfig struct {
	Metrics          bool   `mapstructure:"metrics"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
	// OTel turns on span and otel metric reporting for batches and requests.
	OTel bool `mapstructure:"otel"`
	// TraceExporter: none, otlp or zipkin
	TraceExporter  string  `mapstructure:"trace_exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name"`
}

// ClientConfig is used by the CLI subcommands that talk to a running server.
type ClientConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":5000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      64 << 20,
		},
		Batch: BatchConfig{
			MaxBatchSize:  10,
			MaxQueueDepth: 0,
		},
		Engine: EngineConfig{
			Name:      "hash",
			Dimension: 768,
		},
		Results: ResultsConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				PoolSize:  10,
				KeyPrefix: "embedq:",
			},
		},
		Lifecycle: LifecycleConfig{
			MaxRestarts:    3,
			RestartBackoff: 500 * time.Millisecond,
			StartTimeout:   2 * time.Minute,
			DrainTimeout:   time.Minute,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/embedq.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Telemetry: TelemetryConfig{
			Metrics:          true,
			MetricsNamespace: "embedq",
			TraceExporter:    "none",
			OTLPEndpoint:     "localhost:4318",
			ZipkinEndpoint:   "http://localhost:9411/api/v2/spans",
			SampleRate:       1.0,
			ServiceName:      "embedq",
		},
		Client: ClientConfig{
			URL:     "http://127.0.0.1:5000",
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix EMBEDQ and `.`/`-` are replaced with `_`.
// Example: EMBEDQ_BATCH_MAX_BATCH_SIZE=32
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("embedq")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".embedq"))
		}
	}

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds every key so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("batch.max_batch_size", cfg.Batch.MaxBatchSize)
	v.SetDefault("batch.max_queue_depth", cfg.Batch.MaxQueueDepth)
	v.SetDefault("engine.name", cfg.Engine.Name)
	v.SetDefault("engine.dimension", cfg.Engine.Dimension)
	v.SetDefault("engine.model_path", cfg.Engine.ModelPath)
	v.SetDefault("engine.command", cfg.Engine.Command)
	v.SetDefault("engine.timeout", cfg.Engine.Timeout)
	v.SetDefault("results.backend", cfg.Results.Backend)
	v.SetDefault("results.ttl", cfg.Results.TTL)
	v.SetDefault("results.redis.addr", cfg.Results.Redis.Addr)
	v.SetDefault("results.redis.password", cfg.Results.Redis.Password)
	v.SetDefault("results.redis.db", cfg.Results.Redis.DB)
	v.SetDefault("results.redis.pool_size", cfg.Results.Redis.PoolSize)
	v.SetDefault("results.redis.key_prefix", cfg.Results.Redis.KeyPrefix)
	v.SetDefault("lifecycle.max_restarts", cfg.Lifecycle.MaxRestarts)
	v.SetDefault("lifecycle.restart_backoff", cfg.Lifecycle.RestartBackoff)
	v.SetDefault("lifecycle.start_timeout", cfg.Lifecycle.StartTimeout)
	v.SetDefault("lifecycle.drain_timeout", cfg.Lifecycle.DrainTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("telemetry.metrics", cfg.Telemetry.Metrics)
	v.SetDefault("telemetry.metrics_namespace", cfg.Telemetry.MetricsNamespace)
	v.SetDefault("telemetry.otel", cfg.Telemetry.OTel)
	v.SetDefault("telemetry.trace_exporter", cfg.Telemetry.TraceExporter)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.zipkin_endpoint", cfg.Telemetry.ZipkinEndpoint)
	v.SetDefault("telemetry.sample_rate", cfg.Telemetry.SampleRate)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("client.url", cfg.Client.URL)
	v.SetDefault("client.timeout", cfg.Client.Timeout)
}

// Validate normalizes enum-like fields and rejects values the service cannot
// run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be > 0, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxQueueDepth < 0 {
		return fmt.Errorf("batch.max_queue_depth must be >= 0, got %d", c.Batch.MaxQueueDepth)
	}

	c.Engine.Name = strings.ToLower(strings.TrimSpace(c.Engine.Name))
	switch c.Engine.Name {
	case "hash":
	case "bridge":
		if strings.TrimSpace(c.Engine.Command) == "" && os.Getenv(EnvPrefix+"_ENGINE_COMMAND") == "" {
			return errors.New("engine.command is required for the bridge engine")
		}
	default:
		return fmt.Errorf("invalid engine.name: %q (want hash or bridge)", c.Engine.Name)
	}
	if c.Engine.Dimension <= 0 {
		return fmt.Errorf("engine.dimension must be > 0, got %d", c.Engine.Dimension)
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("engine.timeout must be >= 0, got %s", c.Engine.Timeout)
	}

	c.Results.Backend = strings.ToLower(strings.TrimSpace(c.Results.Backend))
	switch c.Results.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Results.Redis.Addr) == "" {
			return errors.New("results.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid results.backend: %q (want memory or redis)", c.Results.Backend)
	}
	if c.Results.TTL < 0 {
		return fmt.Errorf("results.ttl must be >= 0, got %s", c.Results.TTL)
	}

	c.Telemetry.TraceExporter = strings.ToLower(strings.TrimSpace(c.Telemetry.TraceExporter))
	switch c.Telemetry.TraceExporter {
	case "", "none", "otlp", "zipkin":
	default:
		return fmt.Errorf("invalid telemetry.trace_exporter: %q (want none, otlp or zipkin)", c.Telemetry.TraceExporter)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate)
	}

	if c.Lifecycle.MaxRestarts < 0 {
		return fmt.Errorf("lifecycle.max_restarts must be >= 0, got %d", c.Lifecycle.MaxRestarts)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
