package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/signup-broker/allocator"
	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/internal/retry"
	"github.com/izavyalov-dev/signup-broker/ledger"
	"github.com/izavyalov-dev/signup-broker/protocol"
	"github.com/izavyalov-dev/signup-broker/state"
)

const (
	DefaultMaxConcurrency = 8
	DefaultMaxBatchSize   = 1000
	DefaultLaunchStagger  = 2 * time.Second
	// DefaultAttemptTimeout plus ReservationMargin stays within the default
	// reservation TTL.
	DefaultAttemptTimeout = 8 * time.Minute
	// ReservationMargin is the part of the reservation TTL kept free for
	// allocation and number acquisition.
	ReservationMargin = time.Minute
)

// Config tunes batch execution.
type Config struct {
	MaxConcurrency int
	// MaxBatchSize caps the units one StartBatch may request.
	MaxBatchSize   int
	LaunchStagger  time.Duration
	AttemptTimeout time.Duration
	// ReservationTTL is passed to the stale sweep run at batch start.
	ReservationTTL time.Duration
	AcquirePolicy  retry.Policy
	LedgerPolicy   retry.Policy
	// LeasePolicy retries queueing a rented number for release.
	LeasePolicy    retry.Policy
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Aliases allocates and settles aliases.
type Aliases interface {
	Allocate(ctx context.Context) (allocator.Alias, error)
	Consume(ctx context.Context, alias string) error
	Abandon(ctx context.Context, alias string) error
}

// StaleSweeper reclaims reservations left by dead workers.
type StaleSweeper interface {
	SweepStale(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Leases queues rented numbers for deferred release.
type Leases interface {
	Enqueue(ctx context.Context, leaseID string, acquiredAt time.Time, userID string) (state.PhoneLease, error)
}

// Ledger is the subset of the accountant the coordinator drives.
type Ledger interface {
	TryDebit(ctx context.Context, userID string, units int) (bool, error)
	Credit(ctx context.Context, userID string, units int, reason string) error
	ReconcileUnreported(ctx context.Context, userID string, count int, tally ledger.Tally) error
	Account(ctx context.Context, userID string) (state.Account, error)
	SetUnitFee(ctx context.Context, userID string, fee int64) (state.Account, error)
	TopUp(ctx context.Context, userID string, amount int64, reference string) (state.Account, error)
}

// Driver runs one signup attempt to completion. A returned error counts as a
// failed attempt unless the batch was stopped.
type Driver interface {
	Run(ctx context.Context, assignment protocol.Assignment) (protocol.Outcome, error)
}
