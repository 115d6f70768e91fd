package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/SirClappington/jobq/internal/backoff"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or console. Empty picks console in development.
	LogFormat string `env:"LOG_FORMAT"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// EmbedWorker runs a worker inside the api process, the only way the
	// memory driver can execute jobs.
	EmbedWorker       bool          `env:"API_EMBED_WORKER"`
	WorkerID          string        `env:"WORKER_ID"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	PollInterval      time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	StuckThreshold    time.Duration `env:"STUCK_JOB_THRESHOLD" envDefault:"30m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL" envDefault:"5m"`

	BackoffBase   time.Duration `env:"BACKOFF_BASE" envDefault:"1m"`
	BackoffCap    time.Duration `env:"BACKOFF_CAP" envDefault:"1h"`
	BackoffJitter float64       `env:"BACKOFF_JITTER" envDefault:"0"`

	// RetentionDays of 0 disables the completed-job purge.
	RetentionDays     int    `env:"RETENTION_DAYS" envDefault:"7"`
	RetentionSchedule string `env:"RETENTION_SCHEDULE" envDefault:"0 3 * * *"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func Load() Config {
	c, err := FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

// FromEnv is Load without the fatal exit.
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Parse reads the configuration from environ instead of the process
// environment.
func Parse(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q: want postgres or memory", c.StoreDriver))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.PollInterval <= 0 || c.StuckThreshold <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL and STUCK_JOB_THRESHOLD must be positive"))
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_CAP must not be below BACKOFF_BASE"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		errs = append(errs, errors.New("BACKOFF_JITTER must be within [0, 1]"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("RETENTION_DAYS must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) Backoff() backoff.Policy {
	return backoff.Policy{Base: c.BackoffBase, Cap: c.BackoffCap, Jitter: c.BackoffJitter}
}

// Retention is how long completed jobs are kept. Zero disables the purge.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c Config) LogFormatOrDefault() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.AppEnv == "development" {
		return "console"
	}
	return "json"
}
