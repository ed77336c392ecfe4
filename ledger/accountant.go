// Package ledger keeps the per-user margin balance: debited up front for a
// batch, credited back once per attempt that does not succeed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/state"
)

// DefaultUnitFee is the fee (minor units) given to accounts created
// implicitly.
const DefaultUnitFee int64 = 250

var ErrInvalidUnits = errors.New("ledger: units must be positive")

// Store performs atomic read-modify-write operations on account rows.
type Store interface {
	EnsureAccount(ctx context.Context, userID string, defaultFee int64) (state.Account, error)
	GetAccount(ctx context.Context, userID string) (state.Account, error)
	DebitUnits(ctx context.Context, userID string, units int, defaultFee int64) (state.Account, bool, error)
	CreditUnits(ctx context.Context, userID string, units int, defaultFee int64) (state.Account, error)
	SetUnitFee(ctx context.Context, userID string, fee int64, defaultFee int64) (state.Account, error)
	TopUp(ctx context.Context, userID string, amount int64, reference string, defaultFee int64) (state.Account, error)
}

// Tally receives units folded into a batch's failure count.
type Tally interface {
	MarkFailed(n int)
}

type Config struct {
	DefaultUnitFee int64
	// VerifyBalance re-reads the account after each credit and logs a
	// mismatch.
	VerifyBalance bool
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Accountant applies batch debits, refunds and reconciliation.
type Accountant struct {
	store      Store
	defaultFee int64
	verify     bool
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewAccountant(cfg Config, store Store) *Accountant {
	if cfg.DefaultUnitFee <= 0 {
		cfg.DefaultUnitFee = DefaultUnitFee
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	return &Accountant{
		store:      store,
		defaultFee: cfg.DefaultUnitFee,
		verify:     cfg.VerifyBalance,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// TryDebit subtracts units*fee if the balance covers it and reports whether
// it did.
func (a *Accountant) TryDebit(ctx context.Context, userID string, units int) (bool, error) {
	if units <= 0 {
		return false, ErrInvalidUnits
	}
	account, ok, err := a.store.DebitUnits(ctx, userID, units, a.defaultFee)
	if err != nil {
		return false, fmt.Errorf("debit %d units for %s: %w", units, userID, err)
	}
	logger := observability.WithUser(a.logger, userID)
	if !ok {
		a.metrics.IncLedger("debit_rejected")
		logger.Info("debit rejected, balance too low",
			"event", "ledger_debit_rejected",
			"units", units,
			"unit_fee", account.UnitFee,
			"balance", account.Balance,
		)
		return false, nil
	}
	a.metrics.IncLedger("debit")
	logger.Info("units debited",
		"event", "ledger_debit",
		"units", units,
		"unit_fee", account.UnitFee,
		"balance", account.Balance,
	)
	return true, nil
}

// Credit returns units*fee to the balance. Callers guarantee it runs once per
// non-successful attempt.
func (a *Accountant) Credit(ctx context.Context, userID string, units int, reason string) error {
	if units <= 0 {
		return ErrInvalidUnits
	}
	account, err := a.store.CreditUnits(ctx, userID, units, a.defaultFee)
	if err != nil {
		return fmt.Errorf("credit %d units to %s: %w", units, userID, err)
	}
	a.metrics.IncLedger("credit")
	logger := observability.WithUser(a.logger, userID)
	logger.Info("units credited",
		"event", "ledger_credit",
		"units", units,
		"reason", reason,
		"balance", account.Balance,
	)
	if a.verify {
		a.verifyBalance(ctx, logger, account)
	}
	return nil
}

// A concurrent mutation between the credit and this read also shows up as a
// mismatch; it is only logged.
func (a *Accountant) verifyBalance(ctx context.Context, logger *slog.Logger, expected state.Account) {
	current, err := a.store.GetAccount(ctx, expected.UserID)
	if err != nil {
		logger.Warn("balance verification read failed", "event", "ledger_verify_failed", "error", err)
		return
	}
	if current.Balance != expected.Balance {
		a.metrics.IncLedger("verify_mismatch")
		logger.Warn("balance differs from committed value",
			"event", "ledger_balance_mismatch",
			"expected", expected.Balance,
			"actual", current.Balance,
		)
	}
}

// ReconcileUnreported refunds count attempts that never reported an outcome
// and folds them into the batch's failure tally.
func (a *Accountant) ReconcileUnreported(ctx context.Context, userID string, count int, tally Tally) error {
	if count <= 0 {
		return nil
	}
	if err := a.Credit(ctx, userID, count, "unreported"); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if tally != nil {
		tally.MarkFailed(count)
	}
	a.metrics.IncLedger("reconcile")
	observability.WithUser(a.logger, userID).Info("unreported attempts reconciled",
		"event", "ledger_reconciled",
		"count", count,
	)
	return nil
}

// Account returns the user's account, creating it with defaults if needed.
func (a *Accountant) Account(ctx context.Context, userID string) (state.Account, error) {
	account, err := a.store.EnsureAccount(ctx, userID, a.defaultFee)
	if err != nil {
		return state.Account{}, fmt.Errorf("load account %s: %w", userID, err)
	}
	return account, nil
}

// Capacity is how many attempts the current balance pays for.
func (a *Accountant) Capacity(ctx context.Context, userID string) (int64, error) {
	account, err := a.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Capacity(), nil
}

func (a *Accountant) SetUnitFee(ctx context.Context, userID string, fee int64) (state.Account, error) {
	account, err := a.store.SetUnitFee(ctx, userID, fee, a.defaultFee)
	if err != nil {
		return state.Account{}, fmt.Errorf("set fee for %s: %w", userID, err)
	}
	a.metrics.IncLedger("set_fee")
	observability.WithUser(a.logger, userID).Info("unit fee changed", "event", "ledger_fee_changed", "unit_fee", fee)
	return account, nil
}

// TopUp credits a payment. A reference is accepted once; reuse returns
// state.ErrDuplicateReference.
func (a *Accountant) TopUp(ctx context.Context, userID string, amount int64, reference string) (state.Account, error) {
	account, err := a.store.TopUp(ctx, userID, amount, reference, a.defaultFee)
	if err != nil {
		if errors.Is(err, state.ErrDuplicateReference) {
			observability.WithUser(a.logger, userID).Warn("top-up reference reused",
				"event", "ledger_topup_duplicate",
				"reference", reference,
			)
		}
		return state.Account{}, fmt.Errorf("top up %s: %w", userID, err)
	}
	a.metrics.IncLedger("topup")
	observability.WithUser(a.logger, userID).Info("balance topped up",
		"event", "ledger_topup",
		"amount", amount,
		"balance", account.Balance,
	)
	return account, nil
}
