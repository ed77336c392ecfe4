package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row cannot be located.
	ErrNotFound = errors.New("state: not found")
	// ErrDuplicateReference is returned when a top-up reference was already used.
	ErrDuplicateReference = errors.New("state: reference already used")
	// ErrAmountOverflow is returned when a ledger amount does not fit in an int64.
	ErrAmountOverflow = errors.New("state: amount out of range")
)

// Store is the Postgres-backed implementation of every durable shape the
// coordinator needs: locks, counters, reservations, the reuse pool, the
// consumed-alias log, the phone lease queue and ledger accounts.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
