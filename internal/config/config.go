// Package config loads application configuration from defaults, an optional
// YAML file and TRACKBUFFER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load. A double
// underscore separates nesting levels: TRACKBUFFER_RETRY__MAX_ATTEMPTS.
const EnvPrefix = "TRACKBUFFER_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Collector transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// Config is the application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	LogBuffer    LogBufferConfig    `koanf:"log_buffer"`
	ReplayBuffer ReplayBufferConfig `koanf:"replay_buffer"`
	Storage      StorageConfig      `koanf:"storage"`
	Retry        RetryConfig        `koanf:"retry"`
	Collector    CollectorConfig    `koanf:"collector"`
	Flush        FlushConfig        `koanf:"flush"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures the process logger. CaptureLevel is the lowest level
// copied into the log buffer.
type LogConfig struct {
	Level        string `koanf:"level" validate:"oneof=debug info warn error"`
	Format       string `koanf:"format" validate:"oneof=text json"`
	CaptureLevel string `koanf:"capture_level" validate:"oneof=debug info warn error"`
}

// LogBufferConfig configures the log buffer.
type LogBufferConfig struct {
	Persist  bool   `koanf:"persist"`
	Dir      string `koanf:"dir"`
	Capacity int    `koanf:"capacity" validate:"min=4"`
}

// ReplayBufferConfig configures the replay buffer.
type ReplayBufferConfig struct {
	Persist         bool          `koanf:"persist"`
	Capacity        int           `koanf:"capacity" validate:"min=1"`
	BatchSize       int           `koanf:"batch_size" validate:"min=0"`
	BatchInterval   time.Duration `koanf:"batch_interval" validate:"min=0"`
	PersistInterval time.Duration `koanf:"persist_interval" validate:"min=0"`
}

// StorageConfig selects the key/value backend of the replay buffer.
type StorageConfig struct {
	Backend  string         `koanf:"backend" validate:"oneof=memory pebble postgres redis"`
	Pebble   PebbleConfig   `koanf:"pebble"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
}

// PebbleConfig configures the embedded Pebble backend.
type PebbleConfig struct {
	DataDir       string        `koanf:"data_dir"`
	Fsync         string        `koanf:"fsync" validate:"oneof=always interval never"`
	FsyncInterval time.Duration `koanf:"fsync_interval"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	URL             string        `koanf:"url"`
	Namespace       string        `koanf:"namespace"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"min=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// RetryConfig configures retries of collector sends.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"min=0"`
	Multiplier     float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter         time.Duration `koanf:"jitter" validate:"min=0"`
}

// CollectorConfig selects how telemetry is delivered.
type CollectorConfig struct {
	Transport      string        `koanf:"transport" validate:"oneof=http kafka"`
	URL            string        `koanf:"url" validate:"omitempty,url"`
	PublishableKey string        `koanf:"publishable_key"`
	Timeout        time.Duration `koanf:"timeout"`
	RateLimit      float64       `koanf:"rate_limit" validate:"min=0"`
	Burst          int           `koanf:"burst" validate:"min=0"`
	Kafka          KafkaConfig   `koanf:"kafka"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers      []string      `koanf:"brokers"`
	LogsTopic    string        `koanf:"logs_topic"`
	ReplaysTopic string        `koanf:"replays_topic"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

// FlushConfig configures the flush worker.
type FlushConfig struct {
	LogInterval        time.Duration `koanf:"log_interval" validate:"gt=0"`
	ReplayInterval     time.Duration `koanf:"replay_interval" validate:"gt=0"`
	MaxConcurrentJobs  int           `koanf:"max_concurrent_jobs" validate:"min=0"`
	JobTimeout         time.Duration `koanf:"job_timeout" validate:"gt=0"`
	BatchCheckInterval time.Duration `koanf:"batch_check_interval" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			CaptureLevel: "info",
		},
		LogBuffer: LogBufferConfig{
			Persist:  true,
			Dir:      "data/logs",
			Capacity: 500,
		},
		ReplayBuffer: ReplayBufferConfig{
			Persist:       true,
			Capacity:      120,
			BatchSize:     10,
			BatchInterval: time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Pebble: PebbleConfig{
				DataDir:       "data/kv",
				Fsync:         "interval",
				FsyncInterval: time.Second,
			},
			Postgres: PostgresConfig{
				Namespace:       "default",
				MaxOpenConns:    5,
				MaxIdleConns:    1,
				ConnMaxLifetime: 30 * time.Minute,
				ConnectAttempts: 5,
				ConnectTimeout:  time.Minute,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "trackbuffer:",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 400 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			Jitter:         time.Second,
		},
		Collector: CollectorConfig{
			Transport: TransportHTTP,
			Timeout:   10 * time.Second,
			RateLimit: 10,
			Burst:     5,
			Kafka: KafkaConfig{
				LogsTopic:    "trackbuffer.logs",
				ReplaysTopic: "trackbuffer.replays",
				BatchTimeout: 50 * time.Millisecond,
			},
		},
		Flush: FlushConfig{
			LogInterval:        30 * time.Second,
			ReplayInterval:     time.Minute,
			MaxConcurrentJobs:  10,
			JobTimeout:         2 * time.Minute,
			BatchCheckInterval: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// envValue maps a variable to its config key. Comma separated values become
// lists, e.g. TRACKBUFFER_COLLECTOR__KAFKA__BROKERS=a:9092,b:9092.
func envValue(key, value string) (string, any) {
	if strings.Contains(value, ",") {
		return envKey(key), strings.Split(value, ",")
	}
	return envKey(key), value
}

// Validate checks field constraints and the settings each selected backend
// or transport requires.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var errs []error
	if c.LogBuffer.Persist && c.LogBuffer.Dir == "" {
		errs = append(errs, errors.New("log_buffer.dir is required when persist is enabled"))
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry.max_backoff must not be less than retry.initial_backoff"))
	}

	if c.ReplayBuffer.Persist {
		switch c.Storage.Backend {
		case BackendPebble:
			if c.Storage.Pebble.DataDir == "" {
				errs = append(errs, errors.New("storage.pebble.data_dir is required"))
			}
		case BackendPostgres:
			if c.Storage.Postgres.URL == "" {
				errs = append(errs, errors.New("storage.postgres.url is required"))
			}
		case BackendRedis:
			if c.Storage.Redis.Addr == "" {
				errs = append(errs, errors.New("storage.redis.addr is required"))
			}
		}
	}

	switch c.Collector.Transport {
	case TransportHTTP:
		if c.Collector.URL == "" {
			errs = append(errs, errors.New("collector.url is required for the http transport"))
		}
	case TransportKafka:
		if len(c.Collector.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("collector.kafka.brokers is required for the kafka transport"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
