// Package leasequeue defers the release of rented phone numbers until their
// minimum hold window has passed.
package leasequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/internal/retry"
	"github.com/izavyalov-dev/signup-broker/state"
)

const (
	DefaultMinimumHold   = 2 * time.Minute
	DefaultSweepInterval = 10 * time.Second
	DefaultSweepBatch    = 25
	DefaultVisibility    = time.Minute
)

// Store persists queued leases. state.Store, memory.Store and RedisStore
// implement it.
type Store interface {
	EnqueueLease(ctx context.Context, lease state.PhoneLease) error
	ClaimDueLeases(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]state.PhoneLease, error)
	CompleteLease(ctx context.Context, leaseID string) error
	FailLease(ctx context.Context, leaseID string, reason string, now time.Time) error
	PendingLeases(ctx context.Context) (int, error)
}

// Releaser returns a number to the provider.
type Releaser interface {
	ReleaseNumber(ctx context.Context, leaseID string) error
}

type Config struct {
	MinimumHold   time.Duration
	SweepBatch    int
	Visibility    time.Duration
	ReleasePolicy retry.Policy
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Queue schedules and performs deferred releases.
type Queue struct {
	store      Store
	releaser   Releaser
	minHold    time.Duration
	batch      int
	visibility time.Duration
	policy     retry.Policy
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func New(cfg Config, store Store, releaser Releaser) *Queue {
	if cfg.MinimumHold <= 0 {
		cfg.MinimumHold = DefaultMinimumHold
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.ReleasePolicy == (retry.Policy{}) {
		cfg.ReleasePolicy = retry.ProviderPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	return &Queue{
		store:      store,
		releaser:   releaser,
		minHold:    cfg.MinimumHold,
		batch:      cfg.SweepBatch,
		visibility: cfg.Visibility,
		policy:     cfg.ReleasePolicy,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) {
	if now != nil {
		q.now = now
	}
}

// Enqueue records a freshly acquired number. The release time is never
// earlier than now, whatever acquiredAt says.
func (q *Queue) Enqueue(ctx context.Context, leaseID string, acquiredAt time.Time, userID string) (state.PhoneLease, error) {
	if leaseID == "" {
		return state.PhoneLease{}, errors.New("lease id required")
	}
	now := q.now()
	if acquiredAt.IsZero() {
		acquiredAt = now
	}
	earliest := acquiredAt.Add(q.minHold)
	if earliest.Before(now) {
		earliest = now
	}
	lease := state.PhoneLease{
		LeaseID:           leaseID,
		UserID:            userID,
		AcquiredAt:        acquiredAt.UTC(),
		EarliestReleaseAt: earliest.UTC(),
	}
	if err := q.store.EnqueueLease(ctx, lease); err != nil {
		return state.PhoneLease{}, fmt.Errorf("enqueue lease: %w", err)
	}
	q.metrics.IncLease("enqueued")
	observability.WithLease(q.logger, leaseID).Info("phone lease queued",
		"event", "lease_enqueued",
		"user_id", userID,
		"earliest_release_at", lease.EarliestReleaseAt,
	)
	return lease, nil
}

// Sweep releases every due lease it can claim and returns how many were
// released. Release failures stay queued for the next sweep and are not
// returned as errors.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	now := q.now()
	due, err := q.store.ClaimDueLeases(ctx, now, q.batch, q.visibility)
	if err != nil {
		return 0, fmt.Errorf("claim due leases: %w", err)
	}

	released := 0
	for _, lease := range due {
		if ctx.Err() != nil {
			break
		}
		if lease.EarliestReleaseAt.After(now) {
			continue
		}
		logger := observability.WithLease(q.logger, lease.LeaseID)
		err := q.policy.Do(ctx, func() error {
			return q.releaser.ReleaseNumber(ctx, lease.LeaseID)
		})
		if err != nil {
			q.metrics.IncLease("release_failed")
			logger.Warn("phone release failed, will retry",
				"event", "lease_release_failed",
				"attempts", lease.ReleaseAttempts+1,
				"error", err,
			)
			if ferr := q.store.FailLease(context.WithoutCancel(ctx), lease.LeaseID, err.Error(), q.now()); ferr != nil && !errors.Is(ferr, state.ErrNotFound) {
				logger.Error("recording release failure", "event", "lease_fail_record_failed", "error", ferr)
			}
			continue
		}
		if err := q.store.CompleteLease(context.WithoutCancel(ctx), lease.LeaseID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return released, fmt.Errorf("complete lease: %w", err)
		}
		released++
		q.metrics.IncLease("released")
		logger.Info("phone lease released", "event", "lease_released", "user_id", lease.UserID)
	}
	return released, nil
}

// Pending reports the number of queued leases.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.PendingLeases(ctx)
}

// Run sweeps on a fixed interval until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("lease sweep failed", "event", "lease_sweep_failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
