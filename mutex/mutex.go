// Package mutex provides named mutual exclusion over durable shared state.
// A lock is a row keyed by resource name; any process sharing the store
// contends for the same row, and a holder that dies is reclaimed once its
// acquisition is older than the staleness threshold.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/internal/retry"
)

// Resource names shared by every process.
const (
	ResourceAllocation  = "alias-allocation"
	ResourceReservation = "reservation-table"
	ResourceCounter     = "sequence-counter"
)

// ErrLockTimeout is returned when the lock is still held after the retry
// policy is exhausted.
var ErrLockTimeout = errors.New("mutex: lock acquisition timed out")

var errHeld = errors.New("mutex: held")

// Backend persists lock ownership.
type Backend interface {
	TryAcquireLock(ctx context.Context, resource, token string, now time.Time, staleAfter time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, token string) error
}

// Token identifies one successful acquisition.
type Token struct {
	Resource   string
	Value      string
	AcquiredAt time.Time
}

// Locker acquires and releases named locks.
type Locker struct {
	backend    Backend
	staleAfter time.Duration
	policy     retry.Policy
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Locker)

func WithStaleAfter(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

func WithPolicy(p retry.Policy) Option {
	return func(l *Locker) { l.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Locker) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLocker(backend Backend, opts ...Option) *Locker {
	l := &Locker{
		backend:    backend,
		staleAfter: 15 * time.Second,
		policy:     retry.LockPolicy(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     observability.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the named lock, retrying under contention. Store errors and
// exhausted retries are both reported; only the latter wraps ErrLockTimeout.
func (l *Locker) Acquire(ctx context.Context, resource string) (Token, error) {
	token := Token{Resource: resource, Value: uuid.NewString()}

	err := l.policy.Do(ctx, func() error {
		now := l.now()
		ok, err := l.backend.TryAcquireLock(ctx, resource, token.Value, now, l.staleAfter)
		if err != nil {
			return err
		}
		if !ok {
			return errHeld
		}
		token.AcquiredAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, errHeld) {
			return Token{}, fmt.Errorf("%w: %s", ErrLockTimeout, resource)
		}
		return Token{}, fmt.Errorf("acquire %s: %w", resource, err)
	}
	return token, nil
}

// Release gives the lock back. It runs with its own short deadline so a
// canceled caller still frees the lock.
func (l *Locker) Release(ctx context.Context, token Token) {
	if token.Value == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.backend.ReleaseLock(releaseCtx, token.Resource, token.Value); err != nil {
		l.logger.Warn("lock release failed", "event", "lock_release_failed", "resource", token.Resource, "error", err)
	}
	if held := l.now().Sub(token.AcquiredAt); held > l.staleAfter {
		l.logger.Warn("lock held past staleness threshold", "event", "lock_overheld", "resource", token.Resource, "held_ms", held.Milliseconds())
	}
}

// WithLock runs fn while holding resource.
func (l *Locker) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer l.Release(ctx, token)
	return fn(ctx)
}
