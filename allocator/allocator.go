// Package allocator hands out unique email aliases to signup attempts and
// tracks which aliases are in use.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/mutex"
	"github.com/izavyalov-dev/signup-broker/state"
)

// DefaultMaxMintAttempts bounds the mint loop before the allocator gives up
// on uniqueness.
const DefaultMaxMintAttempts = 64

// Source records which allocation step produced an alias.
type Source string

const (
	SourceReuse     Source = "reuse"
	SourceGap       Source = "gap"
	SourceMint      Source = "mint"
	SourceExhausted Source = "exhausted"
)

// Alias is an allocated identifier.
type Alias struct {
	Address  string `json:"address"`
	Sequence int64  `json:"sequence"`
	Source   Source `json:"source"`
}

// Sequencer mints fresh sequence numbers.
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// Allocator picks aliases: reuse pool first, then gaps below the highest
// consumed number, then freshly minted numbers.
type Allocator struct {
	format          Format
	store           Store
	registry        *Registry
	locker          *mutex.Locker
	sequencer       Sequencer
	maxMintAttempts int
	now             func() time.Time
	logger          *slog.Logger
	metrics         *observability.Metrics
}

type Config struct {
	Format          Format
	MaxMintAttempts int
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

func New(cfg Config, store Store, registry *Registry, locker *mutex.Locker, sequencer Sequencer) *Allocator {
	if cfg.MaxMintAttempts <= 0 {
		cfg.MaxMintAttempts = DefaultMaxMintAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	return &Allocator{
		format:          cfg.Format,
		store:           store,
		registry:        registry,
		locker:          locker,
		sequencer:       sequencer,
		maxMintAttempts: cfg.MaxMintAttempts,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}
}

func (a *Allocator) Format() Format { return a.format }

func (a *Allocator) Registry() *Registry { return a.registry }

// Allocate returns a reserved alias. The whole decision runs under the
// allocation lock.
func (a *Allocator) Allocate(ctx context.Context) (Alias, error) {
	var alias Alias
	err := a.locker.WithLock(ctx, mutex.ResourceAllocation, func(ctx context.Context) error {
		var err error
		alias, err = a.allocateLocked(ctx)
		return err
	})
	if err != nil {
		return Alias{}, fmt.Errorf("allocate alias: %w", err)
	}
	a.metrics.IncAllocation(string(alias.Source))
	return alias, nil
}

func (a *Allocator) allocateLocked(ctx context.Context) (Alias, error) {
	if alias, ok, err := a.fromReusePool(ctx); err != nil || ok {
		return alias, err
	}
	if alias, ok, err := a.fromGaps(ctx); err != nil || ok {
		return alias, err
	}
	return a.mint(ctx)
}

func (a *Allocator) fromReusePool(ctx context.Context) (Alias, bool, error) {
	for {
		address, ok, err := a.store.PopReusable(ctx)
		if err != nil {
			return Alias{}, false, err
		}
		if !ok {
			return Alias{}, false, nil
		}
		seq, err := a.format.Sequence(address)
		if err != nil {
			a.logger.Warn("dropping foreign alias from reuse pool", "event", "reuse_pool_foreign", "alias", address)
			continue
		}
		reserved, err := a.registry.Reserve(ctx, address)
		if err != nil {
			return Alias{}, false, err
		}
		if reserved {
			return Alias{Address: address, Sequence: seq, Source: SourceReuse}, true, nil
		}
	}
}

func (a *Allocator) fromGaps(ctx context.Context) (Alias, bool, error) {
	consumed, err := a.store.ConsumedSequences(ctx)
	if err != nil {
		return Alias{}, false, err
	}
	for _, n := range MissingSequences(consumed) {
		address := a.format.Alias(n)
		reserved, err := a.registry.Reserve(ctx, address)
		if err != nil {
			return Alias{}, false, err
		}
		if reserved {
			return Alias{Address: address, Sequence: n, Source: SourceGap}, true, nil
		}
	}
	return Alias{}, false, nil
}

func (a *Allocator) mint(ctx context.Context) (Alias, error) {
	var last Alias
	for i := 0; i < a.maxMintAttempts; i++ {
		n, err := a.sequencer.Next(ctx)
		if err != nil {
			return Alias{}, err
		}
		last = Alias{Address: a.format.Alias(n), Sequence: n, Source: SourceMint}
		reserved, err := a.registry.Reserve(ctx, last.Address)
		if err != nil {
			return Alias{}, err
		}
		if reserved {
			return last, nil
		}
	}
	a.logger.Warn("no free alias after mint attempts, reusing last candidate",
		"event", "allocator_exhausted",
		"alias", last.Address,
		"attempts", a.maxMintAttempts,
	)
	last.Source = SourceExhausted
	return last, nil
}

// Consume records a successful attempt: the alias is never issued again.
func (a *Allocator) Consume(ctx context.Context, address string) error {
	seq, err := a.format.Sequence(address)
	if err != nil {
		return err
	}
	current, err := a.registry.Disposition(ctx, address)
	if err != nil {
		return err
	}
	if err := state.ValidateDisposition(address, current, state.DispositionConsumed); err != nil {
		if current != state.DispositionAvailable {
			return err
		}
		// The reservation expired before the success arrived; the success
		// still has to be recorded.
		a.logger.Warn("consuming alias without a live reservation", "event", "alias_consumed_unreserved", "alias", address)
	}
	if _, err := a.store.RecordConsumed(ctx, address, seq, a.now()); err != nil {
		return fmt.Errorf("record consumed %s: %w", address, err)
	}
	return a.registry.Release(ctx, address)
}

// Abandon releases the alias and queues it for reuse.
func (a *Allocator) Abandon(ctx context.Context, address string) error {
	if _, err := a.format.Sequence(address); err != nil {
		return err
	}
	current, err := a.registry.Disposition(ctx, address)
	if err != nil {
		return err
	}
	if current == state.DispositionConsumed {
		return state.ValidateDisposition(address, current, state.DispositionAbandoned)
	}
	if err := a.registry.Release(ctx, address); err != nil {
		return err
	}
	if err := a.store.PushReusable(ctx, address, a.now()); err != nil {
		return fmt.Errorf("queue %s for reuse: %w", address, err)
	}
	return nil
}

// MissingSequences returns the integers in [1, max(consumed)) that are not in
// consumed, ascending. consumed may be unsorted and contain duplicates.
func MissingSequences(consumed []int64) []int64 {
	if len(consumed) == 0 {
		return nil
	}
	present := make(map[int64]struct{}, len(consumed))
	var highest int64
	for _, n := range consumed {
		present[n] = struct{}{}
		if n > highest {
			highest = n
		}
	}
	var missing []int64
	for n := int64(1); n < highest; n++ {
		if _, ok := present[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// IsExhausted reports whether alias was returned without a reservation.
func IsExhausted(alias Alias) bool {
	return alias.Source == SourceExhausted
}
