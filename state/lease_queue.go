package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueLease publishes a phone lease for deferred release. Re-enqueueing a
// known lease id keeps the later release time.
func (s *Store) EnqueueLease(ctx context.Context, lease PhoneLease) error {
	if lease.LeaseID == "" {
		return errors.New("lease id required")
	}
	if lease.EarliestReleaseAt.IsZero() {
		return errors.New("earliest release time required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO phone_lease_queue (lease_id, user_id, acquired_at, earliest_release_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (lease_id)
DO UPDATE SET earliest_release_at = GREATEST(phone_lease_queue.earliest_release_at, EXCLUDED.earliest_release_at),
              updated_at = NOW()
`, lease.LeaseID, lease.UserID, utc(lease.AcquiredAt), lease.EarliestReleaseAt.UTC())
	return err
}

// ClaimDueLeases returns up to limit leases whose release time has passed and
// hides them from other sweepers for the visibility window.
func (s *Store) ClaimDueLeases(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]PhoneLease, error) {
	if limit <= 0 {
		limit = 25
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now = utc(now)

	var claimed []PhoneLease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT lease_id, user_id, acquired_at, earliest_release_at, release_attempts, last_error
FROM phone_lease_queue
WHERE earliest_release_at <= $1
  AND (inflight_until IS NULL OR inflight_until <= $1)
ORDER BY earliest_release_at ASC, lease_id ASC
FOR UPDATE SKIP LOCKED
LIMIT $2
`, now, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var lease PhoneLease
			if err := rows.Scan(&lease.LeaseID, &lease.UserID, &lease.AcquiredAt, &lease.EarliestReleaseAt, &lease.ReleaseAttempts, &lease.LastError); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, lease)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		inflightUntil := now.Add(visibility)
		for i := range claimed {
			if _, err := tx.ExecContext(ctx, `
UPDATE phone_lease_queue
SET inflight_until = $2,
    updated_at = NOW()
WHERE lease_id = $1
`, claimed[i].LeaseID, inflightUntil); err != nil {
				return err
			}
			claimed[i].InflightUntil = &inflightUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteLease removes a released lease from the queue.
func (s *Store) CompleteLease(ctx context.Context, leaseID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM phone_lease_queue WHERE lease_id = $1`, leaseID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: lease %s", ErrNotFound, leaseID)
	}
	return nil
}

// FailLease records a failed release and makes the lease visible to the next
// sweep.
func (s *Store) FailLease(ctx context.Context, leaseID string, reason string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE phone_lease_queue
SET release_attempts = release_attempts + 1,
    last_error = $2,
    last_attempt_at = $3,
    inflight_until = NULL,
    updated_at = NOW()
WHERE lease_id = $1
`, leaseID, reason, utc(now))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: lease %s", ErrNotFound, leaseID)
	}
	return nil
}

// PendingLeases counts leases still waiting for release.
func (s *Store) PendingLeases(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phone_lease_queue`).Scan(&n)
	return n, err
}
