package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/signup-broker/state"
)

func TestReserveSucceedsForExactlyOneCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alias := testFormat.Alias(7)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.registry.Reserve(ctx, alias)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestReleaseMakesAliasReservableAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alias := testFormat.Alias(1)

	ok, err := f.registry.Reserve(ctx, alias)
	require.NoError(t, err)
	require.True(t, ok)

	disposition, err := f.registry.Disposition(ctx, alias)
	require.NoError(t, err)
	require.Equal(t, state.DispositionReserved, disposition)

	require.NoError(t, f.registry.Release(ctx, alias))
	require.NoError(t, f.registry.Release(ctx, alias))

	ok, err = f.registry.Reserve(ctx, alias)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepStaleReturnsAliasesToAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.registry.SetClock(func() time.Time { return now })

	stale, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	fresh, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)

	now = now.Add(3 * time.Minute)
	swept, err := f.registry.SweepStale(ctx, DefaultReservationTTL)
	require.NoError(t, err)
	require.Equal(t, []string{stale.Address}, swept)

	reserved, err := f.registry.IsReserved(ctx, fresh.Address)
	require.NoError(t, err)
	require.True(t, reserved)

	next, err := f.allocator.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, stale.Address, next.Address)
	require.Equal(t, SourceReuse, next.Source)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	f.registry.SetClock(func() time.Time { return now })

	ok, err := f.registry.Reserve(ctx, testFormat.Alias(1))
	require.NoError(t, err)
	require.True(t, ok)
	f.registry.SetClock(func() time.Time { return now.Add(time.Hour) })

	done := make(chan struct{})
	go func() {
		f.registry.Run(ctx, 5*time.Millisecond, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		reserved, err := f.registry.IsReserved(context.Background(), testFormat.Alias(1))
		return err == nil && !reserved
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
