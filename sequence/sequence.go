// Package sequence mints monotonically increasing alias suffixes.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/mutex"
)

// DefaultName is the counter backing alias sequence numbers.
const DefaultName = "alias"

// Store persists counters.
type Store interface {
	IncrementCounter(ctx context.Context, name string) (int64, error)
	ReadCounter(ctx context.Context, name string) (int64, error)
	WriteCounter(ctx context.Context, name string, value int64) error
}

// Counter hands out the next value of a named durable counter.
type Counter struct {
	name   string
	store  Store
	locker *mutex.Locker
	logger *slog.Logger
}

func NewCounter(store Store, locker *mutex.Locker, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Counter{name: DefaultName, store: store, locker: locker, logger: logger}
}

// Named returns a counter over a different record sharing the same store.
func (c *Counter) Named(name string) *Counter {
	clone := *c
	clone.name = name
	return &clone
}

// Next returns the incremented value. When the counter lock cannot be taken
// it falls back to an unlocked read/increment/write; two processes in that
// mode can mint the same value, which callers tolerate through reservation.
func (c *Counter) Next(ctx context.Context) (int64, error) {
	var value int64
	err := c.locker.WithLock(ctx, mutex.ResourceCounter, func(ctx context.Context) error {
		var err error
		value, err = c.store.IncrementCounter(ctx, c.name)
		return err
	})
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, mutex.ErrLockTimeout) {
		return 0, fmt.Errorf("next %s: %w", c.name, err)
	}

	c.logger.Warn("counter lock unavailable, incrementing without lock", "event", "counter_degraded", "counter", c.name)
	last, err := c.store.ReadCounter(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.name, err)
	}
	value = last + 1
	if err := c.store.WriteCounter(ctx, c.name, value); err != nil {
		return 0, fmt.Errorf("write %s: %w", c.name, err)
	}
	return value, nil
}
