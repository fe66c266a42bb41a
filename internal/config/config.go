// Package config loads application configuration from environment
// variables. A .env file in the working directory is read first when
// present; real environment variables always win.
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration values, grouped per collaborator.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	JWT       JWTConfig
	Scheduler SchedulerConfig
	Reconcile ReconcileConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"dev"`
	Port     string `envconfig:"APP_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type DBConfig struct {
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASS"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"3306"`
	Name     string `envconfig:"DB_NAME" required:"true"`
}

type JWTConfig struct {
	Secret string `envconfig:"JWT_SECRET" required:"true"`
}

// SchedulerConfig bounds the lifecycle scheduler's per-tick work.
type SchedulerConfig struct {
	Interval    time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"60s"`
	BatchSize   int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"50"`
	TerminalTTL time.Duration `envconfig:"TERMINAL_AUCTION_TTL" default:"1h"`
}

// ReconcileConfig controls the write-behind consumers. Each partition
// queue has exactly one consumer; commands of one auction always land on
// the same partition.
type ReconcileConfig struct {
	Partitions  int           `envconfig:"RECONCILE_PARTITIONS" default:"1"`
	SpoolFlush  time.Duration `envconfig:"RECONCILE_SPOOL_FLUSH" default:"1s"`
	MaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"5"`
	RetryDelay  time.Duration `envconfig:"RECONCILE_RETRY_DELAY" default:"500ms"`
}

// RecoveryConfig controls the fast-path health monitor and rebuild.
type RecoveryConfig struct {
	MaxAttempts  int           `envconfig:"RECOVERY_MAX_ATTEMPTS" default:"3"`
	RetryDelay   time.Duration `envconfig:"RECOVERY_RETRY_DELAY" default:"5s"`
	DrainPoll    time.Duration `envconfig:"RECOVERY_DRAIN_POLL" default:"1s"`
	ProbeEvery   time.Duration `envconfig:"RECOVERY_PROBE_INTERVAL" default:"1s"`
	SettleDelay  time.Duration `envconfig:"RECOVERY_SETTLE_DELAY" default:"2s"`
	DrainTimeout time.Duration `envconfig:"RECOVERY_DRAIN_TIMEOUT" default:"5m"`
}

// Load reads .env (if any) and decodes the environment into a Config.
// Missing required variables are reported as an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	cfg.RateLimit = cfg.RateLimit.normalize()
	if cfg.Scheduler.BatchSize < 1 {
		cfg.Scheduler.BatchSize = 1
	}
	if cfg.Reconcile.Partitions < 1 {
		cfg.Reconcile.Partitions = 1
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		cfg.Reconcile.MaxAttempts = 1
	}
	if cfg.Recovery.MaxAttempts < 1 {
		cfg.Recovery.MaxAttempts = 1
	}
	return cfg, nil
}
