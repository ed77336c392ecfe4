// Package retry holds the single retry policy shared by lock acquisition,
// provider calls and number acquisition.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation. A zero MaxAttempts means retry until
// the context ends.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each interval (0..1).
	Jitter float64
}

// LockPolicy is used when contending for a named lock: many short waits.
func LockPolicy() Policy {
	return Policy{
		MaxAttempts:     40,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		Multiplier:      1.5,
		Jitter:          0.3,
	}
}

// ProviderPolicy is used for calls to the phone provider.
func ProviderPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Permanent marks err as terminal; Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	value, err := backoff.Retry(ctx, backoff.Operation[T](op), opts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return value, permanent.Unwrap()
		}
	}
	return value, err
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}
