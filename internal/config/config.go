package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the coordinator's runtime configuration, read from the
// environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	// RedisAddr switches the phone lease queue to Redis when set.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	Alias     AliasConfig
	Leases    LeaseConfig
	Batches   BatchConfig
	Ledger    LedgerConfig
	Locks     LockConfig
	Provider  ProviderConfig
	Artifacts ArtifactConfig
}

type AliasConfig struct {
	BaseAddress      string        `env:"ALIAS_BASE_ADDRESS" envDefault:"signup@example.com"`
	Tag              string        `env:"ALIAS_TAG" envDefault:"fk"`
	MaxMintAttempts  int           `env:"ALIAS_MAX_MINT_ATTEMPTS" envDefault:"64"`
	ReservationTTL   time.Duration `env:"ALIAS_RESERVATION_TTL" envDefault:"10m"`
	StaleSweepPeriod time.Duration `env:"ALIAS_STALE_SWEEP_INTERVAL" envDefault:"15s"`
}

type LeaseConfig struct {
	MinimumHold   time.Duration `env:"LEASE_MINIMUM_HOLD" envDefault:"2m"`
	SweepInterval time.Duration `env:"LEASE_SWEEP_INTERVAL" envDefault:"10s"`
	SweepBatch    int           `env:"LEASE_SWEEP_BATCH" envDefault:"25"`
}

type BatchConfig struct {
	MaxConcurrency int           `env:"BATCH_MAX_CONCURRENCY" envDefault:"8"`
	MaxBatchSize   int           `env:"BATCH_MAX_SIZE" envDefault:"1000"`
	LaunchStagger  time.Duration `env:"BATCH_LAUNCH_STAGGER" envDefault:"2s"`
	// AttemptTimeout plus AcquireBudget must stay within ALIAS_RESERVATION_TTL.
	AttemptTimeout time.Duration `env:"BATCH_ATTEMPT_TIMEOUT" envDefault:"8m"`
	RunnerCommand  string        `env:"RUNNER_COMMAND" envDefault:"signup-runner"`
	WorkerCommand  string        `env:"WORKER_COMMAND"`
	LogDir         string        `env:"RUNNER_LOG_DIR" envDefault:".signup-broker/logs"`
	// CoordinatorURL is handed to runner processes for outcome reports.
	CoordinatorURL string `env:"COORDINATOR_URL" envDefault:"http://127.0.0.1:8080"`
}

type LedgerConfig struct {
	// DefaultUnitFee is in minor currency units.
	DefaultUnitFee int64 `env:"LEDGER_DEFAULT_UNIT_FEE" envDefault:"250"`
	VerifyBalance  bool  `env:"LEDGER_VERIFY_BALANCE" envDefault:"true"`
}

type LockConfig struct {
	StaleAfter time.Duration `env:"LOCK_STALE_AFTER" envDefault:"15s"`
}

type ProviderConfig struct {
	BaseURL  string `env:"PROVIDER_BASE_URL"`
	APIKey   string `env:"PROVIDER_API_KEY"`
	Service  string `env:"PROVIDER_SERVICE"`
	Country  string `env:"PROVIDER_COUNTRY"`
	Operator string `env:"PROVIDER_OPERATOR"`

	// StripPrefix is removed from returned numbers, e.g. a country code.
	StripPrefix string `env:"PROVIDER_STRIP_PREFIX"`
}

type ArtifactConfig struct {
	S3Bucket string `env:"S3_BUCKET"`
	S3Prefix string `env:"S3_PREFIX"`
	S3Region string `env:"S3_REGION"`
}

// AcquireBudget is the part of a reservation's lifetime set aside for
// allocation and number acquisition before the attempt starts.
const AcquireBudget = time.Minute

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings under which a live attempt could outlast its
// alias reservation and have the alias swept back into the reuse pool.
func (c Config) Validate() error {
	if c.Batches.MaxBatchSize <= 0 {
		return fmt.Errorf("BATCH_MAX_SIZE must be positive, got %d", c.Batches.MaxBatchSize)
	}
	if c.Batches.AttemptTimeout+AcquireBudget > c.Alias.ReservationTTL {
		return fmt.Errorf("BATCH_ATTEMPT_TIMEOUT %s plus %s acquisition budget exceeds ALIAS_RESERVATION_TTL %s",
			c.Batches.AttemptTimeout, AcquireBudget, c.Alias.ReservationTTL)
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
