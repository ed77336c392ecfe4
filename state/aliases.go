package state

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"
)

// InsertReservation records alias as reserved. Returns false when the alias
// is already reserved.
func (s *Store) InsertReservation(ctx context.Context, alias string, at time.Time) (bool, error) {
	if alias == "" {
		return false, errors.New("alias required")
	}
	result, err := s.db.ExecContext(ctx, `
INSERT INTO alias_reservations (alias, reserved_at)
VALUES ($1, $2)
ON CONFLICT (alias) DO NOTHING
`, alias, utc(at))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// DeleteReservation removes the reservation; reports whether one existed.
func (s *Store) DeleteReservation(ctx context.Context, alias string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alias_reservations WHERE alias = $1`, alias)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) HasReservation(ctx context.Context, alias string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM alias_reservations WHERE alias = $1)`, alias).Scan(&exists)
	return exists, err
}

// ExpireReservations deletes every reservation taken at or before cutoff and
// returns the freed aliases oldest first.
func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
DELETE FROM alias_reservations
WHERE reserved_at <= $1
RETURNING alias, reserved_at
`, utc(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.Alias, &r.ReservedAt); err != nil {
			return nil, err
		}
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedAliases(expired), nil
}

// ListReservations returns all live reservations ordered by age.
func (s *Store) ListReservations(ctx context.Context) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT alias, reserved_at
FROM alias_reservations
ORDER BY reserved_at ASC, alias ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.Alias, &r.ReservedAt); err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func (s *Store) IsConsumed(ctx context.Context, alias string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM consumed_aliases WHERE alias = $1)`, alias).Scan(&exists)
	return exists, err
}

// RecordConsumed appends alias to the consumed log. Returns false when it was
// already recorded.
func (s *Store) RecordConsumed(ctx context.Context, alias string, sequence int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
INSERT INTO consumed_aliases (alias, sequence, consumed_at)
VALUES ($1, $2, $3)
ON CONFLICT (alias) DO NOTHING
`, alias, sequence, utc(at))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ConsumedSequences returns the distinct consumed sequence numbers ascending.
func (s *Store) ConsumedSequences(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sequence FROM consumed_aliases ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		seqs = append(seqs, n)
	}
	return seqs, rows.Err()
}

// PushReusable appends alias to the tail of the reuse pool. An alias already
// waiting in the pool keeps its position.
func (s *Store) PushReusable(ctx context.Context, alias string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alias_reuse_pool (alias, abandoned_at)
VALUES ($1, $2)
ON CONFLICT (alias) DO NOTHING
`, alias, utc(at))
	return err
}

// PopReusable removes and returns the oldest alias in the reuse pool.
func (s *Store) PopReusable(ctx context.Context) (string, bool, error) {
	var alias string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
SELECT alias
FROM alias_reuse_pool
ORDER BY id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1
`).Scan(&alias); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM alias_reuse_pool WHERE alias = $1`, alias)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return alias, true, nil
}

func sortedAliases(reservations []Reservation) []string {
	SortReservations(reservations)
	aliases := make([]string, 0, len(reservations))
	for _, r := range reservations {
		aliases = append(aliases, r.Alias)
	}
	return aliases
}

// SortReservations orders reservations oldest first, alias as tiebreak.
func SortReservations(reservations []Reservation) {
	slices.SortFunc(reservations, func(a, b Reservation) int {
		if c := a.ReservedAt.Compare(b.ReservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Alias, b.Alias)
	})
}
