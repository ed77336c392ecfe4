package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/izavyalov-dev/signup-broker/state"
)

func (s *Store) EnsureAccount(ctx context.Context, userID string, defaultFee int64) (state.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(userID, defaultFee)
}

func (s *Store) GetAccount(ctx context.Context, userID string) (state.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return state.Account{}, fmt.Errorf("%w: account %s", state.ErrNotFound, userID)
	}
	return account, nil
}

func (s *Store) DebitUnits(ctx context.Context, userID string, units int, defaultFee int64) (state.Account, bool, error) {
	if units <= 0 {
		return state.Account{}, false, errors.New("units must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.accountLocked(userID, defaultFee)
	if err != nil {
		return state.Account{}, false, err
	}
	cost, ok := state.UnitsCost(units, account.UnitFee)
	if !ok || account.Balance < cost {
		return account, false, nil
	}
	return s.applyLocked(account, -cost), true, nil
}

func (s *Store) CreditUnits(ctx context.Context, userID string, units int, defaultFee int64) (state.Account, error) {
	if units <= 0 {
		return state.Account{}, errors.New("units must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.accountLocked(userID, defaultFee)
	if err != nil {
		return state.Account{}, err
	}
	refund, ok := state.UnitsCost(units, account.UnitFee)
	if !ok || account.Balance > math.MaxInt64-refund {
		return state.Account{}, fmt.Errorf("%w: credit %d units at %d", state.ErrAmountOverflow, units, account.UnitFee)
	}
	return s.applyLocked(account, refund), nil
}

func (s *Store) SetUnitFee(ctx context.Context, userID string, fee int64, defaultFee int64) (state.Account, error) {
	if fee < 0 {
		return state.Account{}, errors.New("fee must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.accountLocked(userID, defaultFee)
	if err != nil {
		return state.Account{}, err
	}
	account.UnitFee = fee
	account.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = account
	return account, nil
}

func (s *Store) TopUp(ctx context.Context, userID string, amount int64, reference string, defaultFee int64) (state.Account, error) {
	if amount <= 0 {
		return state.Account{}, errors.New("amount must be > 0")
	}
	if reference == "" {
		return state.Account{}, errors.New("reference required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.accountLocked(userID, defaultFee)
	if err != nil {
		return state.Account{}, err
	}
	if _, used := s.topups[reference]; used {
		return state.Account{}, fmt.Errorf("%w: %s", state.ErrDuplicateReference, reference)
	}
	s.topups[reference] = userID
	return s.applyLocked(account, amount), nil
}

func (s *Store) accountLocked(userID string, defaultFee int64) (state.Account, error) {
	if userID == "" {
		return state.Account{}, errors.New("user id required")
	}
	account, ok := s.accounts[userID]
	if !ok {
		account = state.Account{UserID: userID, UnitFee: defaultFee, UpdatedAt: time.Now().UTC()}
		s.accounts[userID] = account
	}
	return account, nil
}

func (s *Store) applyLocked(account state.Account, delta int64) state.Account {
	account.Balance += delta
	account.UpdatedAt = time.Now().UTC()
	s.accounts[account.UserID] = account
	return account
}
