package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// EnsureAccount returns the user's account, creating it with defaultFee and a
// zero balance when missing.
func (s *Store) EnsureAccount(ctx context.Context, userID string, defaultFee int64) (Account, error) {
	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		account, err = lockAccount(ctx, tx, userID, defaultFee)
		return err
	})
	return account, err
}

// GetAccount reads the account without locking.
func (s *Store) GetAccount(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, unit_fee, balance, updated_at
FROM ledger_accounts
WHERE user_id = $1
`, userID).Scan(&account.UserID, &account.UnitFee, &account.Balance, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, userID)
		}
		return Account{}, err
	}
	return account, nil
}

// DebitUnits subtracts units*fee when the balance covers it. The check and
// the update happen under one row lock.
func (s *Store) DebitUnits(ctx context.Context, userID string, units int, defaultFee int64) (Account, bool, error) {
	if units <= 0 {
		return Account{}, false, errors.New("units must be > 0")
	}

	var account Account
	var debited bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		account, err = lockAccount(ctx, tx, userID, defaultFee)
		if err != nil {
			return err
		}
		cost, ok := UnitsCost(units, account.UnitFee)
		if !ok || account.Balance < cost {
			return nil
		}
		account, err = applyDelta(ctx, tx, userID, -cost)
		debited = err == nil
		return err
	})
	return account, debited, err
}

// CreditUnits adds units*fee back to the balance under a row lock.
func (s *Store) CreditUnits(ctx context.Context, userID string, units int, defaultFee int64) (Account, error) {
	if units <= 0 {
		return Account{}, errors.New("units must be > 0")
	}

	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockAccount(ctx, tx, userID, defaultFee)
		if err != nil {
			return err
		}
		refund, ok := UnitsCost(units, current.UnitFee)
		if !ok || current.Balance > math.MaxInt64-refund {
			return fmt.Errorf("%w: credit %d units at %d", ErrAmountOverflow, units, current.UnitFee)
		}
		account, err = applyDelta(ctx, tx, userID, refund)
		return err
	})
	return account, err
}

// SetUnitFee changes the per-attempt fee.
func (s *Store) SetUnitFee(ctx context.Context, userID string, fee int64, defaultFee int64) (Account, error) {
	if fee < 0 {
		return Account{}, errors.New("fee must be >= 0")
	}

	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		account, err = lockAccount(ctx, tx, userID, defaultFee)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
UPDATE ledger_accounts
SET unit_fee = $2, updated_at = NOW()
WHERE user_id = $1
RETURNING user_id, unit_fee, balance, updated_at
`, userID, fee).Scan(&account.UserID, &account.UnitFee, &account.Balance, &account.UpdatedAt)
	})
	return account, err
}

// TopUp credits amount to the balance once per payment reference.
func (s *Store) TopUp(ctx context.Context, userID string, amount int64, reference string, defaultFee int64) (Account, error) {
	if amount <= 0 {
		return Account{}, errors.New("amount must be > 0")
	}
	if reference == "" {
		return Account{}, errors.New("reference required")
	}

	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockAccount(ctx, tx, userID, defaultFee); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
INSERT INTO ledger_topups (reference, user_id, amount)
VALUES ($1, $2, $3)
ON CONFLICT (reference) DO NOTHING
`, reference, userID, amount)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
		}
		account, err = applyDelta(ctx, tx, userID, amount)
		return err
	})
	return account, err
}

func lockAccount(ctx context.Context, tx *sql.Tx, userID string, defaultFee int64) (Account, error) {
	if userID == "" {
		return Account{}, errors.New("user id required")
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_accounts (user_id, unit_fee, balance)
VALUES ($1, $2, 0)
ON CONFLICT (user_id) DO NOTHING
`, userID, defaultFee); err != nil {
		return Account{}, err
	}

	var account Account
	err := tx.QueryRowContext(ctx, `
SELECT user_id, unit_fee, balance, updated_at
FROM ledger_accounts
WHERE user_id = $1
FOR UPDATE
`, userID).Scan(&account.UserID, &account.UnitFee, &account.Balance, &account.UpdatedAt)
	return account, err
}

func applyDelta(ctx context.Context, tx *sql.Tx, userID string, delta int64) (Account, error) {
	var account Account
	err := tx.QueryRowContext(ctx, `
UPDATE ledger_accounts
SET balance = balance + $2, updated_at = NOW()
WHERE user_id = $1
RETURNING user_id, unit_fee, balance, updated_at
`, userID, delta).Scan(&account.UserID, &account.UnitFee, &account.Balance, &account.UpdatedAt)
	return account, err
}
