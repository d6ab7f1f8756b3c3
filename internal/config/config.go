// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the shared state store connection.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Matcher tunes the atomic matcher: a bounded scan of ScanLimit candidates
// followed by up to ContentionRetries retries on claim failure.
type Matcher struct {
	ScanLimit         int           `mapstructure:"scan_limit"`
	ContentionRetries int           `mapstructure:"contention_retries"`
	PendingQueueKey   string        `mapstructure:"pending_queue_key"`
	JobKeyPrefix      string        `mapstructure:"job_key_prefix"`
	WorkerKeyPrefix   string        `mapstructure:"worker_key_prefix"`
	RunningJobsPrefix string        `mapstructure:"running_jobs_prefix"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// Backoff configures jittered exponential back-off.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker configures the worker runtime.
type Worker struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           Backoff       `mapstructure:"backoff"`
	PollBackoff       Backoff       `mapstructure:"poll_backoff"`
}

// CircuitBreaker gates connector invocation and SSS calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// ConnectionManager tunes the WebSocket connection fabric.
type ConnectionManager struct {
	MaxMessageSize       int64         `mapstructure:"max_message_size"`
	ChunkSizeBytes       int64         `mapstructure:"chunk_size_bytes"`
	MaxChunkedMessageAge time.Duration `mapstructure:"max_chunked_message_age"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	StatsInterval        time.Duration `mapstructure:"stats_interval"`
	WriteBufferSize      int           `mapstructure:"write_buffer_size"`
	ReadBufferSize       int           `mapstructure:"read_buffer_size"`
}

// Timeouts holds the job lifecycle watchdog deadlines.
type Timeouts struct {
	AssignTimeout   time.Duration `mapstructure:"assign_timeout"`
	ProgressTimeout time.Duration `mapstructure:"progress_timeout"`
	CancelTimeout   time.Duration `mapstructure:"cancel_timeout"`
	AbsoluteTimeout time.Duration `mapstructure:"absolute_timeout"`
}

// Progress tunes the progress stream fabric.
type Progress struct {
	StreamPrefix string        `mapstructure:"stream_prefix"`
	MaxStreamLen int64         `mapstructure:"max_stream_len"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
}

// Backpressure tunes submission admission control.
type Backpressure struct {
	Enabled       bool  `mapstructure:"enabled"`
	HighWatermark int64 `mapstructure:"high_watermark"`
}

// EventHooks tunes the external event-hook fan-out to a NATS subject (core
// NATS publish).
type EventHooks struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// ExactlyOnce configures the idempotency guard wrapping complete_job.
type ExactlyOnce struct {
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Machine tunes the machine status aggregator's persisted snapshot.
type Machine struct {
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// Tenant lists the provisioned customer IDs submissions may reference. An
// empty list disables the check, so tenant provisioning is opt-in.
type Tenant struct {
	KnownCustomers []string `mapstructure:"known_customers"`
}

// ServiceTagMapping maps a worker type name to the fully-expanded set of
// accepted service tags, applied once at worker registration.
type ServiceTagMapping map[string][]string

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	Endpoint         string            `mapstructure:"endpoint"`
	Environment      string            `mapstructure:"environment"`
	SamplingStrategy string            `mapstructure:"sampling_strategy"`
	SamplingRate     float64           `mapstructure:"sampling_rate"`
	Headers          map[string]string `mapstructure:"headers"`
	Insecure         bool              `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Config is the root configuration document.
type Config struct {
	Redis             Redis              `mapstructure:"redis"`
	Matcher           Matcher            `mapstructure:"matcher"`
	Worker            Worker             `mapstructure:"worker"`
	CircuitBreaker    CircuitBreaker     `mapstructure:"circuit_breaker"`
	ConnectionManager ConnectionManager  `mapstructure:"connection_manager"`
	Timeouts          Timeouts           `mapstructure:"timeouts"`
	Progress          Progress           `mapstructure:"progress"`
	Backpressure      Backpressure       `mapstructure:"backpressure"`
	EventHooks        EventHooks         `mapstructure:"event_hooks"`
	Machine           Machine            `mapstructure:"machine"`
	Tenant            Tenant             `mapstructure:"tenant"`
	ServiceTags       ServiceTagMapping  `mapstructure:"service_tags"`
	Observability     Observability      `mapstructure:"observability"`
	ExactlyOnce       ExactlyOnce        `mapstructure:"exactly_once"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Matcher: Matcher{
			ScanLimit:         200,
			ContentionRetries: 5,
			PendingQueueKey:   "jobqueue:pending",
			JobKeyPrefix:      "jobqueue:job:",
			WorkerKeyPrefix:   "jobqueue:worker:",
			RunningJobsPrefix: "jobqueue:worker:running:",
			RetryBackoff:      20 * time.Millisecond,
		},
		Worker: Worker{
			MaxConcurrentJobs: 1,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTTL:      30 * time.Second,
			MaxRetries:        3,
			Backoff:           Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			PollBackoff:       Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		ConnectionManager: ConnectionManager{
			MaxMessageSize:       10 * 1024 * 1024,
			ChunkSizeBytes:       256 * 1024,
			MaxChunkedMessageAge: 30 * time.Second,
			HeartbeatInterval:    15 * time.Second,
			ConnectionTimeout:    45 * time.Second,
			StatsInterval:        5 * time.Second,
			WriteBufferSize:      4096,
			ReadBufferSize:       4096,
		},
		Timeouts: Timeouts{
			AssignTimeout:   30 * time.Second,
			ProgressTimeout: 60 * time.Second,
			CancelTimeout:   5 * time.Second,
			AbsoluteTimeout: 0,
		},
		Progress: Progress{
			StreamPrefix: "jobqueue:progress:",
			MaxStreamLen: 1000,
			GracePeriod:  10 * time.Minute,
		},
		Backpressure: Backpressure{
			Enabled:       true,
			HighWatermark: 10000,
		},
		EventHooks: EventHooks{
			Enabled: false,
			Subject: "jobqueue.events",
		},
		Machine: Machine{
			SnapshotTTL: 90 * time.Second,
		},
		ServiceTags: ServiceTagMapping{},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		ExactlyOnce: ExactlyOnce{
			Namespace: "jobqueue:idempotency",
			TTL:       24 * time.Hour,
		},
	}
}

// Load reads configuration from a YAML file with env-var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("matcher.scan_limit", def.Matcher.ScanLimit)
	v.SetDefault("matcher.contention_retries", def.Matcher.ContentionRetries)
	v.SetDefault("matcher.pending_queue_key", def.Matcher.PendingQueueKey)
	v.SetDefault("matcher.job_key_prefix", def.Matcher.JobKeyPrefix)
	v.SetDefault("matcher.worker_key_prefix", def.Matcher.WorkerKeyPrefix)
	v.SetDefault("matcher.running_jobs_prefix", def.Matcher.RunningJobsPrefix)
	v.SetDefault("matcher.retry_backoff", def.Matcher.RetryBackoff)

	v.SetDefault("worker.max_concurrent_jobs", def.Worker.MaxConcurrentJobs)
	v.SetDefault("worker.heartbeat_interval", def.Worker.HeartbeatInterval)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.poll_backoff.base", def.Worker.PollBackoff.Base)
	v.SetDefault("worker.poll_backoff.max", def.Worker.PollBackoff.Max)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("connection_manager.max_message_size", def.ConnectionManager.MaxMessageSize)
	v.SetDefault("connection_manager.chunk_size_bytes", def.ConnectionManager.ChunkSizeBytes)
	v.SetDefault("connection_manager.max_chunked_message_age", def.ConnectionManager.MaxChunkedMessageAge)
	v.SetDefault("connection_manager.heartbeat_interval", def.ConnectionManager.HeartbeatInterval)
	v.SetDefault("connection_manager.connection_timeout", def.ConnectionManager.ConnectionTimeout)
	v.SetDefault("connection_manager.stats_interval", def.ConnectionManager.StatsInterval)
	v.SetDefault("connection_manager.write_buffer_size", def.ConnectionManager.WriteBufferSize)
	v.SetDefault("connection_manager.read_buffer_size", def.ConnectionManager.ReadBufferSize)

	v.SetDefault("timeouts.assign_timeout", def.Timeouts.AssignTimeout)
	v.SetDefault("timeouts.progress_timeout", def.Timeouts.ProgressTimeout)
	v.SetDefault("timeouts.cancel_timeout", def.Timeouts.CancelTimeout)
	v.SetDefault("timeouts.absolute_timeout", def.Timeouts.AbsoluteTimeout)

	v.SetDefault("progress.stream_prefix", def.Progress.StreamPrefix)
	v.SetDefault("progress.max_stream_len", def.Progress.MaxStreamLen)
	v.SetDefault("progress.grace_period", def.Progress.GracePeriod)

	v.SetDefault("backpressure.enabled", def.Backpressure.Enabled)
	v.SetDefault("backpressure.high_watermark", def.Backpressure.HighWatermark)

	v.SetDefault("event_hooks.enabled", def.EventHooks.Enabled)
	v.SetDefault("event_hooks.subject", def.EventHooks.Subject)

	v.SetDefault("machine.snapshot_ttl", def.Machine.SnapshotTTL)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("exactly_once.namespace", def.ExactlyOnce.Namespace)
	v.SetDefault("exactly_once.ttl", def.ExactlyOnce.TTL)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.MaxConcurrentJobs < 1 {
		return fmt.Errorf("worker.max_concurrent_jobs must be >= 1")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if cfg.Worker.HeartbeatTTL < 2*cfg.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 2x heartbeat_interval")
	}
	if cfg.Matcher.ScanLimit < 1 {
		return fmt.Errorf("matcher.scan_limit must be >= 1")
	}
	if cfg.Matcher.ContentionRetries < 0 {
		return fmt.Errorf("matcher.contention_retries must be >= 0")
	}
	if cfg.ConnectionManager.ChunkSizeBytes <= 0 || cfg.ConnectionManager.ChunkSizeBytes > cfg.ConnectionManager.MaxMessageSize {
		return fmt.Errorf("connection_manager.chunk_size_bytes must be >0 and <= max_message_size")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Machine.SnapshotTTL <= 0 {
		return fmt.Errorf("machine.snapshot_ttl must be > 0")
	}
	return nil
}
