package leasequeue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/signup-broker/state"
)

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := r.NewClient(&r.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	store := NewRedisStore(rdb, "test-leases-"+uuid.NewString())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, store.prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
	})
	return store
}

func TestRedisStoreLifecycle(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	lease := state.PhoneLease{
		LeaseID:           "lease-1",
		UserID:            "user-1",
		AcquiredAt:        now.Add(-3 * time.Minute),
		EarliestReleaseAt: now.Add(-time.Minute),
	}
	require.NoError(t, store.EnqueueLease(ctx, lease))

	earlier := lease
	earlier.EarliestReleaseAt = now.Add(-2 * time.Minute)
	require.NoError(t, store.EnqueueLease(ctx, earlier))

	claimed, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "user-1", claimed[0].UserID)
	require.True(t, claimed[0].EarliestReleaseAt.Equal(lease.EarliestReleaseAt))

	again, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, store.FailLease(ctx, "lease-1", "timeout", now))
	retried, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, 1, retried[0].ReleaseAttempts)
	require.NotNil(t, retried[0].LastError)

	require.NoError(t, store.CompleteLease(ctx, "lease-1"))
	require.ErrorIs(t, store.CompleteLease(ctx, "lease-1"), state.ErrNotFound)

	pending, err := store.PendingLeases(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestRedisStoreWithQueue(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)
	now := start
	releaser := newFakeReleaser()
	q := newTestQueue(store, releaser, &now)

	_, err := q.Enqueue(ctx, "lease-1", start, "user-1")
	require.NoError(t, err)

	released, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	now = start.Add(2 * time.Minute)
	released, err = q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Equal(t, 1, releaser.count("lease-1"))
}

func TestReleaseScoreNeverRoundsEarlier(t *testing.T) {
	exact := time.UnixMilli(1_700_000_000_123)
	require.Equal(t, int64(1_700_000_000_123), releaseScore(exact))

	partial := exact.Add(400 * time.Microsecond)
	score := releaseScore(partial)
	require.Equal(t, int64(1_700_000_000_124), score)
	require.False(t, time.UnixMilli(score).Before(partial))
}
