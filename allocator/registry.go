package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/mutex"
	"github.com/izavyalov-dev/signup-broker/state"
)

// DefaultReservationTTL bounds how long a reservation survives without an
// outcome before the sweeper reclaims it.
const DefaultReservationTTL = 10 * time.Minute

// Store is the durable state behind the registry and the allocator.
type Store interface {
	InsertReservation(ctx context.Context, alias string, at time.Time) (bool, error)
	DeleteReservation(ctx context.Context, alias string) (bool, error)
	HasReservation(ctx context.Context, alias string) (bool, error)
	ExpireReservations(ctx context.Context, cutoff time.Time) ([]string, error)

	IsConsumed(ctx context.Context, alias string) (bool, error)
	RecordConsumed(ctx context.Context, alias string, sequence int64, at time.Time) (bool, error)
	ConsumedSequences(ctx context.Context) ([]int64, error)

	PushReusable(ctx context.Context, alias string, at time.Time) error
	PopReusable(ctx context.Context) (string, bool, error)
}

// Registry is the shared set of aliases currently in use.
type Registry struct {
	store   Store
	locker  *mutex.Locker
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewRegistry(store Store, locker *mutex.Locker, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Registry{
		store:   store,
		locker:  locker,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Reserve claims alias. It returns false when the alias is already reserved
// or was consumed.
func (r *Registry) Reserve(ctx context.Context, alias string) (bool, error) {
	var reserved bool
	err := r.locker.WithLock(ctx, mutex.ResourceReservation, func(ctx context.Context) error {
		consumed, err := r.store.IsConsumed(ctx, alias)
		if err != nil {
			return err
		}
		if consumed {
			return nil
		}
		reserved, err = r.store.InsertReservation(ctx, alias, r.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", alias, err)
	}
	if reserved {
		r.metrics.IncReservation("reserved")
	} else {
		r.metrics.IncReservation("conflict")
	}
	return reserved, nil
}

// Release drops the reservation. Releasing an unreserved alias is a no-op.
func (r *Registry) Release(ctx context.Context, alias string) error {
	var existed bool
	err := r.locker.WithLock(ctx, mutex.ResourceReservation, func(ctx context.Context) error {
		var err error
		existed, err = r.store.DeleteReservation(ctx, alias)
		return err
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", alias, err)
	}
	if existed {
		r.metrics.IncReservation("released")
	}
	return nil
}

func (r *Registry) IsReserved(ctx context.Context, alias string) (bool, error) {
	return r.store.HasReservation(ctx, alias)
}

// Disposition reports where alias sits in its lifecycle as far as the
// registry can tell. Aliases waiting in the reuse pool report available.
func (r *Registry) Disposition(ctx context.Context, alias string) (state.Disposition, error) {
	consumed, err := r.store.IsConsumed(ctx, alias)
	if err != nil {
		return "", err
	}
	if consumed {
		return state.DispositionConsumed, nil
	}
	reserved, err := r.store.HasReservation(ctx, alias)
	if err != nil {
		return "", err
	}
	if reserved {
		return state.DispositionReserved, nil
	}
	return state.DispositionAvailable, nil
}

// SweepStale removes reservations older than maxAge and hands the aliases to
// the reuse pool, so a crashed worker's alias is allocated again without
// intervention.
func (r *Registry) SweepStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = DefaultReservationTTL
	}
	var swept []string
	err := r.locker.WithLock(ctx, mutex.ResourceReservation, func(ctx context.Context) error {
		now := r.now()
		var err error
		swept, err = r.store.ExpireReservations(ctx, now.Add(-maxAge))
		if err != nil {
			return err
		}
		for _, alias := range swept {
			if err := r.store.PushReusable(ctx, alias, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep stale reservations: %w", err)
	}
	if len(swept) > 0 {
		r.metrics.AddReservation("expired", len(swept))
		r.logger.Info("stale reservations reclaimed", "event", "reservations_swept", "count", len(swept))
	}
	return swept, nil
}

// Run sweeps on a fixed interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepStale(ctx, maxAge); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reservation sweep failed", "event", "reservation_sweep_failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
