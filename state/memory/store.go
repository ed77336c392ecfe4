// Package memory is an in-process implementation of the coordinator's
// durable shapes. It gives single-process deployments and tests the same
// semantics as the Postgres store without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/izavyalov-dev/signup-broker/state"
)

type lockHolder struct {
	token      string
	acquiredAt time.Time
}

type consumedAlias struct {
	sequence   int64
	consumedAt time.Time
}

// Store keeps everything behind one mutex.
type Store struct {
	mu sync.Mutex

	locks        map[string]lockHolder
	counters     map[string]int64
	reservations map[string]time.Time
	consumed     map[string]consumedAlias
	reusePool    []string
	leases       map[string]state.PhoneLease
	accounts     map[string]state.Account
	topups       map[string]string
}

func NewStore() *Store {
	return &Store{
		locks:        make(map[string]lockHolder),
		counters:     make(map[string]int64),
		reservations: make(map[string]time.Time),
		consumed:     make(map[string]consumedAlias),
		leases:       make(map[string]state.PhoneLease),
		accounts:     make(map[string]state.Account),
		topups:       make(map[string]string),
	}
}

func (s *Store) TryAcquireLock(ctx context.Context, resource, token string, now time.Time, staleAfter time.Duration) (bool, error) {
	if resource == "" || token == "" {
		return false, errors.New("resource and token required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.locks[resource]; ok && now.Sub(holder.acquiredAt) < staleAfter {
		return holder.token == token, nil
	}
	s.locks[resource] = lockHolder{token: token, acquiredAt: now}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, resource, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.locks[resource]; ok && holder.token == token {
		delete(s.locks, resource)
	}
	return nil
}

func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[name]++
	return s.counters[name], nil
}

func (s *Store) ReadCounter(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name], nil
}

func (s *Store) WriteCounter(ctx context.Context, name string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value > s.counters[name] {
		s.counters[name] = value
	}
	return nil
}

func (s *Store) InsertReservation(ctx context.Context, alias string, at time.Time) (bool, error) {
	if alias == "" {
		return false, errors.New("alias required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[alias]; ok {
		return false, nil
	}
	s.reservations[alias] = at
	return true, nil
}

func (s *Store) DeleteReservation(ctx context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.reservations[alias]
	delete(s.reservations, alias)
	return ok, nil
}

func (s *Store) HasReservation(ctx context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.reservations[alias]
	return ok, nil
}

func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []state.Reservation
	for alias, at := range s.reservations {
		if !at.After(cutoff) {
			expired = append(expired, state.Reservation{Alias: alias, ReservedAt: at})
			delete(s.reservations, alias)
		}
	}
	state.SortReservations(expired)
	aliases := make([]string, 0, len(expired))
	for _, r := range expired {
		aliases = append(aliases, r.Alias)
	}
	return aliases, nil
}

func (s *Store) ListReservations(ctx context.Context) ([]state.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservations := make([]state.Reservation, 0, len(s.reservations))
	for alias, at := range s.reservations {
		reservations = append(reservations, state.Reservation{Alias: alias, ReservedAt: at})
	}
	state.SortReservations(reservations)
	return reservations, nil
}

func (s *Store) IsConsumed(ctx context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.consumed[alias]
	return ok, nil
}

func (s *Store) RecordConsumed(ctx context.Context, alias string, sequence int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumed[alias]; ok {
		return false, nil
	}
	s.consumed[alias] = consumedAlias{sequence: sequence, consumedAt: at}
	return true, nil
}

func (s *Store) ConsumedSequences(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, 0, len(s.consumed))
	for _, c := range s.consumed {
		seqs = append(seqs, c.sequence)
	}
	slices.Sort(seqs)
	return slices.Compact(seqs), nil
}

func (s *Store) PushReusable(ctx context.Context, alias string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.reusePool, alias) {
		return nil
	}
	s.reusePool = append(s.reusePool, alias)
	return nil
}

func (s *Store) PopReusable(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reusePool) == 0 {
		return "", false, nil
	}
	alias := s.reusePool[0]
	s.reusePool = s.reusePool[1:]
	return alias, true, nil
}

func (s *Store) EnqueueLease(ctx context.Context, lease state.PhoneLease) error {
	if lease.LeaseID == "" {
		return errors.New("lease id required")
	}
	if lease.EarliestReleaseAt.IsZero() {
		return errors.New("earliest release time required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[lease.LeaseID]; ok {
		if lease.EarliestReleaseAt.Before(existing.EarliestReleaseAt) {
			lease.EarliestReleaseAt = existing.EarliestReleaseAt
		}
		lease.ReleaseAttempts = existing.ReleaseAttempts
		lease.LastError = existing.LastError
	}
	lease.InflightUntil = nil
	s.leases[lease.LeaseID] = lease
	return nil
}

func (s *Store) ClaimDueLeases(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]state.PhoneLease, error) {
	if limit <= 0 {
		limit = 25
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []state.PhoneLease
	for _, lease := range s.leases {
		if lease.EarliestReleaseAt.After(now) {
			continue
		}
		if lease.InflightUntil != nil && lease.InflightUntil.After(now) {
			continue
		}
		due = append(due, lease)
	}
	slices.SortFunc(due, func(a, b state.PhoneLease) int {
		if c := a.EarliestReleaseAt.Compare(b.EarliestReleaseAt); c != 0 {
			return c
		}
		if a.LeaseID < b.LeaseID {
			return -1
		}
		return 1
	})
	if len(due) > limit {
		due = due[:limit]
	}

	inflightUntil := now.Add(visibility)
	for i := range due {
		due[i].InflightUntil = &inflightUntil
		s.leases[due[i].LeaseID] = due[i]
	}
	return due, nil
}

func (s *Store) CompleteLease(ctx context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[leaseID]; !ok {
		return fmt.Errorf("%w: lease %s", state.ErrNotFound, leaseID)
	}
	delete(s.leases, leaseID)
	return nil
}

func (s *Store) FailLease(ctx context.Context, leaseID string, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: lease %s", state.ErrNotFound, leaseID)
	}
	lease.ReleaseAttempts++
	lease.LastError = &reason
	lease.InflightUntil = nil
	s.leases[leaseID] = lease
	return nil
}

func (s *Store) PendingLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases), nil
}
