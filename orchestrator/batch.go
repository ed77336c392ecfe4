package orchestrator

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/izavyalov-dev/signup-broker/protocol"
)

// BatchRun is the per-batch context shared by the attempts of one run. It
// lives in memory for the lifetime of the coordinator process.
type BatchRun struct {
	ID        string
	UserID    string
	Total     int
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	succeeded  int
	failed     int
	active     map[string]activeAttempt
	reported   map[int]protocol.Outcome
	stopped    bool
	finishedAt *time.Time
	// settling counts claimed outcomes whose side effects are still running.
	settling sync.WaitGroup
}

type activeAttempt struct {
	attempt   int
	leaseID   string
	startedAt time.Time
	// owned is false when the allocator handed out the alias without a
	// reservation; settling it must not touch another holder's reservation.
	owned bool
}

func newBatchRun(parent context.Context, id, userID string, total int, now time.Time) *BatchRun {
	ctx, cancel := context.WithCancel(parent)
	return &BatchRun{
		ID:        id,
		UserID:    userID,
		Total:     total,
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		active:    make(map[string]activeAttempt),
		reported:  make(map[int]protocol.Outcome),
	}
}

// Done is closed once the batch has been reconciled.
func (b *BatchRun) Done() <-chan struct{} { return b.done }

func (b *BatchRun) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
}

func (b *BatchRun) stopRequested() bool {
	return b.ctx.Err() != nil
}

func (b *BatchRun) running() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *BatchRun) track(alias string, a activeAttempt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[alias] = a
}

func (b *BatchRun) setLease(alias, leaseID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.active[alias]; ok {
		a.leaseID = leaseID
		b.active[alias] = a
	}
}

// claim records the first terminal outcome for the attempt running on alias.
// Outcomes are keyed by attempt because a failed alias can be reissued to a
// later attempt of the same batch. An attempt of 0 means whichever attempt
// currently holds alias. It returns false for duplicates, for stale attempts
// and for aliases this batch is not running.
func (b *BatchRun) claim(alias string, attempt int, outcome protocol.Outcome) (activeAttempt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.active[alias]
	if !ok {
		return activeAttempt{}, false
	}
	if attempt != 0 && a.attempt != attempt {
		return activeAttempt{}, false
	}
	if _, seen := b.reported[a.attempt]; seen {
		return activeAttempt{}, false
	}
	if b.succeeded+b.failed >= b.Total {
		return activeAttempt{}, false
	}
	b.reported[a.attempt] = outcome
	delete(b.active, alias)
	b.settling.Add(1)
	if outcome == protocol.OutcomeSuccess {
		b.succeeded++
	} else {
		b.failed++
	}
	return a, true
}

// unclaimFailure hands a failed unit back to final reconciliation when its
// refund could not be written.
func (b *BatchRun) unclaimFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed > 0 {
		b.failed--
	}
}

// drain closes the batch to further reports and returns the in-flight
// aliases whose reservations this batch holds.
func (b *BatchRun) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var owned []string
	for _, alias := range slices.Sorted(maps.Keys(b.active)) {
		a := b.active[alias]
		b.reported[a.attempt] = protocol.OutcomeFailure
		if a.owned {
			owned = append(owned, alias)
		}
	}
	clear(b.active)
	return owned
}

// unreported is the number of units with no recorded outcome: attempts that
// were in flight at drain time and attempts that never launched.
func (b *BatchRun) unreported() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Total - b.succeeded - b.failed
}

// MarkFailed folds reconciled units into the failure count.
func (b *BatchRun) MarkFailed(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed += n
}

func (b *BatchRun) finish(at time.Time) {
	b.mu.Lock()
	b.finishedAt = &at
	b.mu.Unlock()
	close(b.done)
}

func (b *BatchRun) Summary() protocol.BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	summary := protocol.BatchSummary{
		BatchID:   b.ID,
		UserID:    b.UserID,
		Total:     b.Total,
		Succeeded: b.succeeded,
		Failed:    b.failed,
		Active:    len(b.active),
		Running:   b.finishedAt == nil,
		Stopped:   b.stopped,
		StartedAt: b.StartedAt,
	}
	if b.finishedAt != nil {
		at := *b.finishedAt
		summary.FinishedAt = &at
	}
	return summary
}
