package leasequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/signup-broker/internal/retry"
	"github.com/izavyalov-dev/signup-broker/state/memory"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released map[string]int
	failing  map[string]bool
}

func newFakeReleaser() *fakeReleaser {
	return &fakeReleaser{released: map[string]int{}, failing: map[string]bool{}}
}

func (f *fakeReleaser) ReleaseNumber(ctx context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[leaseID] {
		return errors.New("provider unavailable")
	}
	f.released[leaseID]++
	return nil
}

func (f *fakeReleaser) setFailing(leaseID string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[leaseID] = failing
}

func (f *fakeReleaser) count(leaseID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[leaseID]
}

func newTestQueue(store Store, releaser Releaser, now *time.Time) *Queue {
	q := New(Config{
		MinimumHold: 2 * time.Minute,
		ReleasePolicy: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
	}, store, releaser)
	q.SetClock(func() time.Time { return *now })
	return q
}

func TestEnqueueNeverSchedulesBeforeNow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(memory.NewStore(), newFakeReleaser(), &now)

	lease, err := q.Enqueue(ctx, "fresh", now.Add(-30*time.Second), "user-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(90*time.Second), lease.EarliestReleaseAt)

	old, err := q.Enqueue(ctx, "old", now.Add(-time.Hour), "user-1")
	require.NoError(t, err)
	require.Equal(t, now, old.EarliestReleaseAt)

	_, err = q.Enqueue(ctx, "", now, "user-1")
	require.Error(t, err)
}

func TestSweepHonoursMinimumHold(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := start
	releaser := newFakeReleaser()
	q := newTestQueue(memory.NewStore(), releaser, &now)

	_, err := q.Enqueue(ctx, "lease-1", start, "user-1")
	require.NoError(t, err)

	for _, offset := range []time.Duration{0, time.Minute, 2*time.Minute - time.Millisecond} {
		now = start.Add(offset)
		released, err := q.Sweep(ctx)
		require.NoError(t, err)
		require.Zero(t, released)
		require.Zero(t, releaser.count("lease-1"))
	}

	now = start.Add(2 * time.Minute)
	released, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	now = now.Add(time.Hour)
	released, err = q.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, 1, releaser.count("lease-1"))
}

func TestSweepKeepsFailedLeasesQueued(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := start
	store := memory.NewStore()
	releaser := newFakeReleaser()
	releaser.setFailing("lease-1", true)
	q := newTestQueue(store, releaser, &now)

	_, err := q.Enqueue(ctx, "lease-1", start, "user-1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "lease-2", start, "user-2")
	require.NoError(t, err)

	now = start.Add(3 * time.Minute)
	released, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	releaser.setFailing("lease-1", false)
	now = now.Add(10 * time.Second)
	released, err = q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Equal(t, 1, releaser.count("lease-1"))
}

func TestClaimedLeasesAreHiddenFromOtherSweepers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	q := newTestQueue(store, newFakeReleaser(), &now)

	_, err := q.Enqueue(ctx, "lease-1", now.Add(-time.Hour), "user-1")
	require.NoError(t, err)

	first, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.ClaimDueLeases(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second)

	third, err := store.ClaimDueLeases(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, third, 1)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	releaser := newFakeReleaser()
	q := New(Config{MinimumHold: time.Millisecond}, memory.NewStore(), releaser)

	_, err := q.Enqueue(ctx, "lease-1", time.Now().Add(-time.Minute), "user-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		q.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return releaser.count("lease-1") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
