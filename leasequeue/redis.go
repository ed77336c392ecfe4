package leasequeue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/izavyalov-dev/signup-broker/state"
)

// RedisStore keeps the lease queue in a sorted set scored by release time
// (unix millis), with one hash per lease for its attributes.
type RedisStore struct {
	rdb    *r.Client
	prefix string
}

func NewRedisStore(rdb *r.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "phone-leases"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) dueKey() string { return s.prefix + ":due" }

func (s *RedisStore) leaseKey(id string) string { return s.prefix + ":lease:" + id }

// Keeps the later release time when a lease is enqueued twice.
var enqueueScript = r.NewScript(`
local earliest = ARGV[2]
local current = redis.call('HGET', KEYS[2], 'earliest_release_at')
if current and tonumber(current) > tonumber(earliest) then
  earliest = current
end
redis.call('HSET', KEYS[2], 'user_id', ARGV[3], 'acquired_at', ARGV[4], 'earliest_release_at', earliest)
redis.call('ZADD', KEYS[1], earliest, ARGV[1])
return earliest
`)

// Pushes due members past the visibility window so a concurrent sweeper
// cannot claim them too.
var claimScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZADD', KEYS[1], ARGV[3], id)
end
return ids
`)

func (s *RedisStore) EnqueueLease(ctx context.Context, lease state.PhoneLease) error {
	if lease.LeaseID == "" {
		return fmt.Errorf("lease id required")
	}
	if lease.EarliestReleaseAt.IsZero() {
		return fmt.Errorf("earliest release time required")
	}
	return enqueueScript.Run(ctx, s.rdb,
		[]string{s.dueKey(), s.leaseKey(lease.LeaseID)},
		lease.LeaseID,
		releaseScore(lease.EarliestReleaseAt),
		lease.UserID,
		lease.AcquiredAt.UnixMilli(),
	).Err()
}

func (s *RedisStore) ClaimDueLeases(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]state.PhoneLease, error) {
	if limit <= 0 {
		limit = DefaultSweepBatch
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	inflightUntil := now.Add(visibility).UTC()
	ids, err := claimScript.Run(ctx, s.rdb, []string{s.dueKey()},
		now.UnixMilli(), limit, inflightUntil.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, err
	}

	leases := make([]state.PhoneLease, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, s.leaseKey(id)).Result()
		if err != nil {
			return nil, err
		}
		lease, err := decodeLease(id, fields)
		if err != nil {
			return nil, err
		}
		lease.InflightUntil = &inflightUntil
		leases = append(leases, lease)
	}
	sort.SliceStable(leases, func(i, j int) bool {
		return leases[i].EarliestReleaseAt.Before(leases[j].EarliestReleaseAt)
	})
	return leases, nil
}

func (s *RedisStore) CompleteLease(ctx context.Context, leaseID string) error {
	pipe := s.rdb.TxPipeline()
	removed := pipe.ZRem(ctx, s.dueKey(), leaseID)
	pipe.Del(ctx, s.leaseKey(leaseID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: lease %s", state.ErrNotFound, leaseID)
	}
	return nil
}

// FailLease records the error and makes the lease due again immediately.
func (s *RedisStore) FailLease(ctx context.Context, leaseID string, reason string, now time.Time) error {
	exists, err := s.rdb.Exists(ctx, s.leaseKey(leaseID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: lease %s", state.ErrNotFound, leaseID)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, s.leaseKey(leaseID), "release_attempts", 1)
	pipe.HSet(ctx, s.leaseKey(leaseID), "last_error", reason)
	pipe.ZAdd(ctx, s.dueKey(), r.Z{Score: float64(now.UnixMilli()), Member: leaseID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PendingLeases(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.dueKey()).Result()
	return int(n), err
}

func decodeLease(id string, fields map[string]string) (state.PhoneLease, error) {
	if len(fields) == 0 {
		return state.PhoneLease{}, fmt.Errorf("%w: lease %s has no attributes", state.ErrNotFound, id)
	}
	lease := state.PhoneLease{LeaseID: id, UserID: fields["user_id"]}
	var err error
	if lease.AcquiredAt, err = parseMillis(fields["acquired_at"]); err != nil {
		return lease, fmt.Errorf("lease %s acquired_at: %w", id, err)
	}
	if lease.EarliestReleaseAt, err = parseMillis(fields["earliest_release_at"]); err != nil {
		return lease, fmt.Errorf("lease %s earliest_release_at: %w", id, err)
	}
	if raw := fields["release_attempts"]; raw != "" {
		if lease.ReleaseAttempts, err = strconv.Atoi(raw); err != nil {
			return lease, fmt.Errorf("lease %s release_attempts: %w", id, err)
		}
	}
	if reason, ok := fields["last_error"]; ok {
		lease.LastError = &reason
	}
	return lease, nil
}

// releaseScore rounds up to the next millisecond so a lease never becomes due
// before its earliest release time.
func releaseScore(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
