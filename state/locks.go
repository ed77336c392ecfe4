package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryAcquireLock takes the named lock for token. An existing holder whose
// acquisition is older than staleAfter is replaced. Returns false when a live
// holder exists.
func (s *Store) TryAcquireLock(ctx context.Context, resource, token string, now time.Time, staleAfter time.Duration) (bool, error) {
	if resource == "" || token == "" {
		return false, errors.New("resource and token required")
	}
	now = utc(now)
	staleBefore := now.Add(-staleAfter)

	var holder string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO locks (resource, token, acquired_at)
VALUES ($1, $2, $3)
ON CONFLICT (resource)
DO UPDATE SET token = EXCLUDED.token,
              acquired_at = EXCLUDED.acquired_at
WHERE locks.acquired_at <= $4
RETURNING token
`, resource, token, now, staleBefore).Scan(&holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	return holder == token, nil
}

// ReleaseLock drops the lock if token still holds it. Releasing a lock that
// was reclaimed by someone else is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, resource, token string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM locks
WHERE resource = $1 AND token = $2
`, resource, token)
	return err
}
