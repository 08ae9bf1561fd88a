package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"newsflow.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"newsflow:"`

	Workers      int           `env:"WORKERS" envDefault:"8"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	Queues       []string      `env:"QUEUES" envSeparator:","`

	QueueLimits        map[string]int `env:"QUEUE_LIMITS" envSeparator:"," envKeyValSeparator:":"`
	DefaultQueueLimit  int            `env:"DEFAULT_QUEUE_LIMIT" envDefault:"1000"`
	DefaultMaxAttempts int            `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	BackoffCap         time.Duration  `env:"BACKOFF_CAP" envDefault:"60s"`

	StaleRunning     time.Duration `env:"STALE_RUNNING" envDefault:"30m"`
	StaleQueued      time.Duration `env:"STALE_QUEUED" envDefault:"6h"`
	SweepSpec        string        `env:"SWEEP_SPEC" envDefault:"*/5 * * * *"`
	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"10s"`

	ProviderWeights   map[string]int    `env:"PROVIDER_WEIGHTS" envSeparator:"," envKeyValSeparator:":"`
	ProviderEndpoints map[string]string `env:"PROVIDER_ENDPOINTS" envSeparator:"," envKeyValSeparator:"="`
	ProviderKeys      map[string]string `env:"PROVIDER_KEYS" envSeparator:"," envKeyValSeparator:":"`
	DefaultProvider   string            `env:"DEFAULT_PROVIDER"`
	CircuitThreshold  int               `env:"CIRCUIT_THRESHOLD" envDefault:"3"`
	CircuitCooldown   time.Duration     `env:"CIRCUIT_COOLDOWN" envDefault:"60s"`
	HealthStore       string            `env:"HEALTH_STORE" envDefault:"memory"`
	HealthTTL         time.Duration     `env:"HEALTH_TTL" envDefault:"24h"`
	ProviderTimeout   time.Duration     `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	LockTTL time.Duration `env:"LOCK_TTL" envDefault:"1m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	switch c.HealthStore {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis health store")
		}
	default:
		return fmt.Errorf("unknown HEALTH_STORE %q", c.HealthStore)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be positive")
	}
	return nil
}
