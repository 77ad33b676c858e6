package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Queue        QueueConfig
	Worker       WorkerConfig
	Classifier   ClassifierConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `env:"APP_NAME" envDefault:"triage-service"`
	Env                   string `env:"APP_ENV" envDefault:"development"`
	Host                  string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port                  string `env:"APP_PORT" envDefault:"4000"`
	Version               string `env:"APP_VERSION" envDefault:"dev"`
	RequestTimeoutSeconds int    `env:"HTTP_REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string `env:"POSTGRES_DSN"`
	MaxConns       int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	MinConns       int32  `env:"POSTGRES_MIN_CONNS" envDefault:"2"`
	RunMigrations  bool   `env:"POSTGRES_RUN_MIGRATIONS" envDefault:"true"`
	ConnMaxIdleSec int32  `env:"POSTGRES_CONN_MAX_IDLE_SECONDS" envDefault:"30"`
	ConnMaxLifeSec int32  `env:"POSTGRES_CONN_MAX_LIFE_SECONDS" envDefault:"300"`
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Queue backends.
const (
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"
)

// QueueConfig tunes the triage job queue.
type QueueConfig struct {
	Backend       string        `env:"QUEUE_BACKEND" envDefault:"redis"`
	Prefix        string        `env:"QUEUE_PREFIX" envDefault:"triage"`
	Attempts      int           `env:"QUEUE_ATTEMPTS" envDefault:"3"`
	BackoffBase   time.Duration `env:"QUEUE_BACKOFF_BASE" envDefault:"2s"`
	Lease         time.Duration `env:"QUEUE_LEASE" envDefault:"5m"`
	PollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	KeepCompleted time.Duration `env:"QUEUE_KEEP_COMPLETED" envDefault:"24h"`
	KeepFailed    time.Duration `env:"QUEUE_KEEP_FAILED" envDefault:"168h"`
}

// WorkerConfig sizes the worker pool and its global dispatch rate.
type WorkerConfig struct {
	Embedded    bool          `env:"WORKER_EMBEDDED" envDefault:"true"`
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"3"`
	RateMax     int           `env:"WORKER_RATE_MAX" envDefault:"10"`
	RateWindow  time.Duration `env:"WORKER_RATE_WINDOW" envDefault:"60s"`
	LockTTL     time.Duration `env:"WORKER_TICKET_LOCK_TTL" envDefault:"2m"`
	// StuckAfter is how long a ticket may sit in PROCESSING before the
	// recovery sweep fails it. It never drops below twice the queue lease.
	StuckAfter    time.Duration `env:"WORKER_STUCK_AFTER" envDefault:"30m"`
	SweepInterval time.Duration `env:"WORKER_SWEEP_INTERVAL" envDefault:"1m"`
}

// ClassifierConfig points at an OpenAI-compatible chat completion endpoint.
type ClassifierConfig struct {
	APIKey      string        `env:"LLM_API_KEY"`
	BaseURL     string        `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model       string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	Temperature float32       `env:"LLM_TEMPERATURE" envDefault:"0.3"`
	MaxTokens   int           `env:"LLM_MAX_TOKENS" envDefault:"1024"`
	Timeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

// Load reads configuration from an optional .env file and the environment.
// An empty envFile falls back to ./.env; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps values that would break the queue or worker pool.
func (c *Config) Sanitize() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend != QueueBackendMemory {
		c.Queue.Backend = QueueBackendRedis
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "triage"
	}
	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = 2 * time.Second
	}
	if c.Queue.Lease <= 0 {
		c.Queue.Lease = 5 * time.Minute
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 3
	}
	if c.Worker.RateMax <= 0 {
		c.Worker.RateMax = 10
	}
	if c.Worker.RateWindow <= 0 {
		c.Worker.RateWindow = time.Minute
	}
	if c.Worker.LockTTL <= 0 {
		c.Worker.LockTTL = 2 * time.Minute
	}
	if c.Worker.StuckAfter < 2*c.Queue.Lease {
		c.Worker.StuckAfter = 2 * c.Queue.Lease
	}
	if c.Worker.SweepInterval <= 0 {
		c.Worker.SweepInterval = time.Minute
	}
	// Classifier calls are bounded to the 15-30s band.
	switch {
	case c.Classifier.Timeout <= 0:
		c.Classifier.Timeout = 30 * time.Second
	case c.Classifier.Timeout < 15*time.Second:
		c.Classifier.Timeout = 15 * time.Second
	case c.Classifier.Timeout > 30*time.Second:
		c.Classifier.Timeout = 30 * time.Second
	}
	if c.Classifier.MaxTokens <= 0 {
		c.Classifier.MaxTokens = 1024
	}
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}
