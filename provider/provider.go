// Package provider describes the phone-number rental service the
// coordinator consumes.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoNumbers means the provider has no stock right now; retrying later
	// may succeed.
	ErrNoNumbers = errors.New("provider: no numbers available")
	// ErrRejected means the provider refused the request outright (bad key,
	// unknown service, insufficient provider balance). Retrying will not help.
	ErrRejected = errors.New("provider: request rejected")
)

// Number is a rented phone number. LeaseID is the provider's activation id.
type Number struct {
	LeaseID    string    `json:"lease_id"`
	Phone      string    `json:"phone"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Client rents and returns numbers.
type Client interface {
	AcquireNumber(ctx context.Context) (Number, error)
	ReleaseNumber(ctx context.Context, leaseID string) error
}
