package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TRACKBUFFER_COLLECTOR__URL", "https://collector.example.com")
	t.Setenv("TRACKBUFFER_RETRY__MAX_ATTEMPTS", "7")
	t.Setenv("TRACKBUFFER_LOG_BUFFER__CAPACITY", "1000")
	t.Setenv("TRACKBUFFER_FLUSH__LOG_INTERVAL", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://collector.example.com", cfg.Collector.URL)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.LogBuffer.Capacity)
	assert.Equal(t, 45*time.Second, cfg.Flush.LogInterval)

	assert.Equal(t, 400*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 120, cfg.ReplayBuffer.Capacity)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
storage:
  backend: redis
  redis:
    addr: redis:6379
collector:
  transport: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    logs_topic: sdk.logs
replay_buffer:
  batch_interval: 2m
`)
	t.Setenv("TRACKBUFFER_STORAGE__REDIS__DB", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, "trackbuffer:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, TransportKafka, cfg.Collector.Transport)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Collector.Kafka.Brokers)
	assert.Equal(t, "sdk.logs", cfg.Collector.Kafka.LogsTopic)
	assert.Equal(t, "trackbuffer.replays", cfg.Collector.Kafka.ReplaysTopic)
	assert.Equal(t, 2*time.Minute, cfg.ReplayBuffer.BatchInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Collector.URL = "https://collector.example.com"
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"capacity below minimum", func(c *Config) { c.LogBuffer.Capacity = 2 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"backoff cap below initial", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }},
		{"persist without dir", func(c *Config) { c.LogBuffer.Dir = "" }},
		{"http without url", func(c *Config) { c.Collector.URL = "" }},
		{"invalid url", func(c *Config) { c.Collector.URL = "not a url" }},
		{"kafka without brokers", func(c *Config) { c.Collector.Transport = TransportKafka }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"zero flush interval", func(c *Config) { c.Flush.LogInterval = 0 }},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "retry.max_attempts", envKey("TRACKBUFFER_RETRY__MAX_ATTEMPTS"))
	assert.Equal(t, "collector.kafka.brokers", envKey("TRACKBUFFER_COLLECTOR__KAFKA__BROKERS"))
}

func TestLoad_EnvList(t *testing.T) {
	t.Setenv("TRACKBUFFER_COLLECTOR__TRANSPORT", "kafka")
	t.Setenv("TRACKBUFFER_COLLECTOR__KAFKA__BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Collector.Kafka.Brokers)
}
