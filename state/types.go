package state

import (
	"math"
	"math/bits"
	"time"
)

// Reservation marks an alias as held by one in-flight attempt.
type Reservation struct {
	Alias      string    `json:"alias"`
	ReservedAt time.Time `json:"reserved_at"`
}

// PhoneLease is a rented phone number waiting for deferred release.
type PhoneLease struct {
	LeaseID           string     `json:"lease_id"`
	UserID            string     `json:"user_id"`
	AcquiredAt        time.Time  `json:"acquired_at"`
	EarliestReleaseAt time.Time  `json:"earliest_release_at"`
	ReleaseAttempts   int        `json:"release_attempts"`
	LastError         *string    `json:"last_error,omitempty"`
	InflightUntil     *time.Time `json:"inflight_until,omitempty"`
}

// Account is a user's margin ledger row. Amounts are minor currency units.
type Account struct {
	UserID    string    `json:"user_id"`
	UnitFee   int64     `json:"unit_fee"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Capacity is the number of attempts the balance can currently cover.
func (a Account) Capacity() int64 {
	if a.UnitFee <= 0 || a.Balance <= 0 {
		return 0
	}
	return a.Balance / a.UnitFee
}

// UnitsCost returns units*fee. It reports false when either is negative or
// the product does not fit in an int64.
func UnitsCost(units int, fee int64) (int64, bool) {
	if units < 0 || fee < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(units), uint64(fee))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}
