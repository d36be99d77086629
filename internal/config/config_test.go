package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embedq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Batch.MaxBatchSize)
	assert.Zero(t, cfg.Batch.MaxQueueDepth)
	assert.Equal(t, "hash", cfg.Engine.Name)
	assert.Equal(t, "memory", cfg.Results.Backend)
	assert.Zero(t, cfg.Results.TTL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":6000"
batch:
  max_batch_size: 32
  max_queue_depth: 500
engine:
  name: HASH
  dimension: 512
results:
  backend: Redis
  ttl: 10m
  redis:
    addr: redis:6379
    key_prefix: "jobs:"
log:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Server.Addr)
	assert.Equal(t, 32, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 500, cfg.Batch.MaxQueueDepth)
	assert.Equal(t, "hash", cfg.Engine.Name)
	assert.Equal(t, 512, cfg.Engine.Dimension)
	assert.Equal(t, "redis", cfg.Results.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Results.TTL)
	assert.Equal(t, "redis:6379", cfg.Results.Redis.Addr)
	assert.Equal(t, "jobs:", cfg.Results.Redis.KeyPrefix)
	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Results.Redis.PoolSize)
	assert.Equal(t, 3, cfg.Lifecycle.MaxRestarts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
batch:
  max_batch_size: 32
`)
	t.Setenv("EMBEDQ_BATCH_MAX_BATCH_SIZE", "4")
	t.Setenv("EMBEDQ_LIFECYCLE_DRAIN_TIMEOUT", "15s")
	t.Setenv("EMBEDQ_TELEMETRY_TRACE_EXPORTER", "zipkin")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 15*time.Second, cfg.Lifecycle.DrainTimeout)
	assert.Equal(t, "zipkin", cfg.Telemetry.TraceExporter)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7070"
`)
	t.Setenv("EMBEDQ_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EMBEDQ_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "embedq.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Batch, cfg.Batch)
	assert.Equal(t, Default().Lifecycle, cfg.Lifecycle)
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "batch: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero batch", mutate: func(c *Config) { c.Batch.MaxBatchSize = 0 }, wantErr: "batch.max_batch_size"},
		{name: "negative depth", mutate: func(c *Config) { c.Batch.MaxQueueDepth = -1 }, wantErr: "batch.max_queue_depth"},
		{name: "unknown engine", mutate: func(c *Config) { c.Engine.Name = "onnx" }, wantErr: "engine.name"},
		{name: "bridge without command", mutate: func(c *Config) { c.Engine.Name = "bridge" }, wantErr: "engine.command"},
		{name: "zero dimension", mutate: func(c *Config) { c.Engine.Dimension = 0 }, wantErr: "engine.dimension"},
		{name: "unknown backend", mutate: func(c *Config) { c.Results.Backend = "etcd" }, wantErr: "results.backend"},
		{name: "redis without addr", mutate: func(c *Config) {
			c.Results.Backend = "redis"
			c.Results.Redis.Addr = ""
		}, wantErr: "results.redis.addr"},
		{name: "negative ttl", mutate: func(c *Config) { c.Results.TTL = -time.Second }, wantErr: "results.ttl"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad exporter", mutate: func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }, wantErr: "telemetry.trace_exporter"},
		{name: "bad sample rate", mutate: func(c *Config) { c.Telemetry.SampleRate = 1.5 }, wantErr: "telemetry.sample_rate"},
		{name: "negative restarts", mutate: func(c *Config) { c.Lifecycle.MaxRestarts = -1 }, wantErr: "lifecycle.max_restarts"},
		{name: "empty addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: "server.addr"},
	}
	t.Setenv("EMBEDQ_ENGINE_COMMAND", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateBridgeCommandFromEnv(t *testing.T) {
	t.Setenv("EMBEDQ_ENGINE_COMMAND", "python -m clip_bridge")
	cfg := Default()
	cfg.Engine.Name = " Bridge "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bridge", cfg.Engine.Name)
}

func TestMustLoadPanicsOnInvalidConfig(t *testing.T) {
	path := writeConfig(t, "batch:\n  max_batch_size: -2\n")
	assert.Panics(t, func() { MustLoad(path) })
}
