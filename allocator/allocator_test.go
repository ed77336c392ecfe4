package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/signup-broker/internal/retry"
	"github.com/izavyalov-dev/signup-broker/mutex"
	"github.com/izavyalov-dev/signup-broker/sequence"
	"github.com/izavyalov-dev/signup-broker/state"
	"github.com/izavyalov-dev/signup-broker/state/memory"
)

var testFormat = Format{Local: "signup", Tag: "fk", Domain: "example.com"}

type fixture struct {
	store     *memory.Store
	locker    *mutex.Locker
	registry  *Registry
	counter   *sequence.Counter
	allocator *Allocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	locker := mutex.NewLocker(store, mutex.WithPolicy(retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}))
	registry := NewRegistry(store, locker, nil, nil)
	counter := sequence.NewCounter(store, locker, nil)
	alloc := New(Config{Format: testFormat}, store, registry, locker, counter)
	return &fixture{store: store, locker: locker, registry: registry, counter: counter, allocator: alloc}
}

func (f *fixture) consume(t *testing.T, seqs ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, n := range seqs {
		_, err := f.store.RecordConsumed(ctx, testFormat.Alias(n), n, time.Now())
		require.NoError(t, err)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	format, err := ParseBaseAddress("signup+old@example.com", "fk")
	require.NoError(t, err)
	require.Equal(t, testFormat, format)

	alias := format.Alias(42)
	require.Equal(t, "signup+fk42@example.com", alias)

	n, err := format.Sequence(alias)
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
}

func TestFormatRejectsForeignAliases(t *testing.T) {
	for _, alias := range []string{
		"signup@example.com",
		"signup+fk@example.com",
		"signup+fkx1@example.com",
		"other+fk1@example.com",
		"signup+fk1@example.org",
		"signup+fk0@example.com",
	} {
		_, err := testFormat.Sequence(alias)
		assert.ErrorIs(t, err, ErrMalformedAlias, alias)
	}

	_, err := ParseBaseAddress("no-domain", "fk")
	require.Error(t, err)
}

func TestMissingSequences(t *testing.T) {
	require.Equal(t, []int64{4}, MissingSequences([]int64{6, 1, 3, 2, 5, 5}))
	require.Equal(t, []int64{1, 2}, MissingSequences([]int64{3}))
	require.Nil(t, MissingSequences(nil))
	require.Nil(t, MissingSequences([]int64{1, 2}))
}

func TestAllocateMintsWhenNothingToReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, "signup+fk1@example.com", first.Address)
	require.Equal(t, SourceMint, first.Source)

	second, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)

	reserved, err := f.registry.IsReserved(ctx, first.Address)
	require.NoError(t, err)
	require.True(t, reserved)
}

func TestAllocateFillsGapsBeforeMinting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.consume(t, 1, 2, 3, 5, 6)
	require.NoError(t, f.store.WriteCounter(ctx, sequence.DefaultName, 6))

	gap, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), gap.Sequence)
	require.Equal(t, SourceGap, gap.Source)

	minted, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Greater(t, minted.Sequence, int64(6))
	require.Equal(t, SourceMint, minted.Source)
}

func TestAllocateSkipsConsumedMintCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Counter lost its state; consumed records still protect 1..3.
	f.consume(t, 1, 2, 3)

	alias, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), alias.Sequence)
}

func TestAllocatePrefersReusePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.consume(t, 1, 2, 3, 5, 6)
	require.NoError(t, f.store.WriteCounter(ctx, sequence.DefaultName, 9))
	require.NoError(t, f.store.PushReusable(ctx, testFormat.Alias(8), time.Now()))
	require.NoError(t, f.store.PushReusable(ctx, testFormat.Alias(7), time.Now()))

	first, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceReuse, first.Source)
	require.Equal(t, int64(8), first.Sequence)

	second, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), second.Sequence)

	third, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceGap, third.Source)
	require.Equal(t, int64(4), third.Sequence)
}

func TestAllocateDropsUnusableReuseEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.consume(t, 1)
	require.NoError(t, f.store.WriteCounter(ctx, sequence.DefaultName, 2))
	reserved, err := f.registry.Reserve(ctx, testFormat.Alias(2))
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, f.store.PushReusable(ctx, testFormat.Alias(1), time.Now()))
	require.NoError(t, f.store.PushReusable(ctx, testFormat.Alias(2), time.Now()))
	require.NoError(t, f.store.PushReusable(ctx, "someone@else.com", time.Now()))

	alias, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceMint, alias.Source)
	require.Equal(t, int64(3), alias.Sequence)

	_, ok, err := f.store.PopReusable(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllocateIsUniqueUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.consume(t, 2, 5)
	require.NoError(t, f.store.PushReusable(ctx, testFormat.Alias(9), time.Now()))

	const workers = 16
	results := make(chan Alias, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alias, err := f.allocator.Allocate(ctx)
			assert.NoError(t, err)
			results <- alias
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for alias := range results {
		require.False(t, seen[alias.Address], "duplicate alias %s", alias.Address)
		require.NotEqual(t, SourceExhausted, alias.Source)
		seen[alias.Address] = true
	}
	require.Len(t, seen, workers)
}

func TestAllocateReturnsLastCandidateWhenExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocator = New(Config{Format: testFormat, MaxMintAttempts: 2}, f.store, f.registry, f.locker, f.counter)
	for n := int64(1); n <= 2; n++ {
		ok, err := f.registry.Reserve(ctx, testFormat.Alias(n))
		require.NoError(t, err)
		require.True(t, ok)
	}

	alias, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.True(t, IsExhausted(alias))
	require.Equal(t, int64(2), alias.Sequence)
}

func TestConsumeRemovesAliasFromCirculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alias, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, f.allocator.Consume(ctx, alias.Address))

	disposition, err := f.registry.Disposition(ctx, alias.Address)
	require.NoError(t, err)
	require.Equal(t, state.DispositionConsumed, disposition)

	ok, err := f.registry.Reserve(ctx, alias.Address)
	require.NoError(t, err)
	require.False(t, ok)

	err = f.allocator.Abandon(ctx, alias.Address)
	require.True(t, state.IsTransitionError(err))

	err = f.allocator.Consume(ctx, alias.Address)
	require.True(t, state.IsTransitionError(err))
}

func TestAbandonQueuesAliasForReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	_, err = f.allocator.Allocate(ctx)
	require.NoError(t, err)

	require.NoError(t, f.allocator.Abandon(ctx, first.Address))
	reserved, err := f.registry.IsReserved(ctx, first.Address)
	require.NoError(t, err)
	require.False(t, reserved)

	again, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Address, again.Address)
	require.Equal(t, SourceReuse, again.Source)
}

func TestConsumeAfterReservationExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alias := testFormat.Alias(3)

	require.NoError(t, f.allocator.Consume(ctx, alias))
	consumed, err := f.store.IsConsumed(ctx, alias)
	require.NoError(t, err)
	require.True(t, consumed)
}
