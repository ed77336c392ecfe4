package state

import (
	"context"
	"database/sql"
	"errors"
)

// IncrementCounter bumps the named counter by one and returns the new value.
// A missing counter starts at zero.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO sequence_counters (name, value)
VALUES ($1, 1)
ON CONFLICT (name)
DO UPDATE SET value = sequence_counters.value + 1,
              updated_at = NOW()
RETURNING value
`, name).Scan(&value)
	return value, err
}

// ReadCounter returns the counter's last value, zero when absent.
func (s *Store) ReadCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sequence_counters WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// WriteCounter overwrites the counter. The value never moves backwards.
func (s *Store) WriteCounter(ctx context.Context, name string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sequence_counters (name, value)
VALUES ($1, $2)
ON CONFLICT (name)
DO UPDATE SET value = GREATEST(sequence_counters.value, EXCLUDED.value),
              updated_at = NOW()
`, name, value)
	return err
}
