package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/signup-broker/allocator"
	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/internal/retry"
	"github.com/izavyalov-dev/signup-broker/protocol"
	"github.com/izavyalov-dev/signup-broker/provider"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBatchRunning is returned when the user already has a batch in flight.
	ErrBatchRunning  = errors.New("batch already running")
	ErrBatchNotFound = errors.New("batch not found")
)

// Dependencies are the collaborators a Service drives. Reporter and IDs are
// optional.
type Dependencies struct {
	Aliases  Aliases
	Sweeper  StaleSweeper
	Leases   Leases
	Ledger   Ledger
	Provider provider.Client
	Driver   Driver
	Reporter BatchReporter
	IDs      IDGenerator
}

// Service coordinates batches: ledger admission, a bounded pool of attempts,
// outcome settlement and final reconciliation.
type Service struct {
	cfg      Config
	aliases  Aliases
	sweeper  StaleSweeper
	leases   Leases
	ledger   Ledger
	provider provider.Client
	driver   Driver
	reporter BatchReporter
	ids      IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	batches map[string]*BatchRun
	wg      sync.WaitGroup
}

// NewService constructs a coordinator with defaults for unset options.
func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.LaunchStagger < 0 {
		cfg.LaunchStagger = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.ReservationTTL > 0 && cfg.AttemptTimeout > cfg.ReservationTTL-ReservationMargin {
		// A live attempt must not outlast its alias reservation.
		cfg.AttemptTimeout = max(cfg.ReservationTTL-ReservationMargin, time.Minute)
	}
	if cfg.AcquirePolicy == (retry.Policy{}) {
		cfg.AcquirePolicy = retry.ProviderPolicy()
	}
	if cfg.LedgerPolicy == (retry.Policy{}) {
		cfg.LedgerPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}
	}
	if cfg.LeasePolicy == (retry.Policy{}) {
		cfg.LeasePolicy = retry.Policy{MaxAttempts: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if deps.Reporter == nil {
		deps.Reporter = NoopBatchReporter{}
	}
	if deps.IDs == nil {
		deps.IDs = RandomIDGenerator{}
	}
	return &Service{
		cfg:      cfg,
		aliases:  deps.Aliases,
		sweeper:  deps.Sweeper,
		leases:   deps.Leases,
		ledger:   deps.Ledger,
		provider: deps.Provider,
		driver:   deps.Driver,
		reporter: deps.Reporter,
		ids:      deps.IDs,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		batches:  make(map[string]*BatchRun),
	}
}

// StartBatch debits the ledger for req.Total units and launches the batch in
// the background. A batch the balance cannot cover is rejected with
// ErrInsufficientBalance and a response carrying the reason.
func (s *Service) StartBatch(ctx context.Context, req protocol.StartBatchRequest) (protocol.StartBatchResponse, error) {
	if req.UserID == "" || req.Total <= 0 {
		return protocol.StartBatchResponse{Reason: "user_id and a positive total are required"},
			fmt.Errorf("%w: user_id and a positive total are required", ErrInvalidRequest)
	}
	if req.Total > s.cfg.MaxBatchSize {
		reason := fmt.Sprintf("total exceeds the maximum batch size of %d", s.cfg.MaxBatchSize)
		return protocol.StartBatchResponse{Reason: reason}, fmt.Errorf("%w: %s", ErrInvalidRequest, reason)
	}
	concurrency := req.Concurrency
	if concurrency <= 0 || concurrency > s.cfg.MaxConcurrency {
		concurrency = s.cfg.MaxConcurrency
	}
	logger := observability.WithUser(s.logger, req.UserID)

	s.mu.Lock()
	previous := s.batches[req.UserID]
	if previous != nil && previous.running() {
		s.mu.Unlock()
		return protocol.StartBatchResponse{Reason: ErrBatchRunning.Error()}, ErrBatchRunning
	}
	run := newBatchRun(context.WithoutCancel(ctx), s.ids.BatchID(), req.UserID, req.Total, s.now())
	s.batches[req.UserID] = run
	s.mu.Unlock()

	if s.sweeper != nil {
		if _, err := s.sweeper.SweepStale(ctx, s.cfg.ReservationTTL); err != nil {
			logger.Warn("stale reservation sweep failed", "event", "reservation_sweep_failed", "error", err)
		}
	}

	ok, err := s.ledger.TryDebit(ctx, req.UserID, req.Total)
	if err != nil {
		s.discard(run, previous)
		return protocol.StartBatchResponse{Reason: "ledger unavailable"}, fmt.Errorf("start batch: %w", err)
	}
	if !ok {
		s.discard(run, previous)
		s.metrics.IncBatch("rejected")
		logger.Info("batch rejected", "event", "batch_rejected", "total", req.Total)
		return protocol.StartBatchResponse{Reason: ErrInsufficientBalance.Error()}, ErrInsufficientBalance
	}

	s.metrics.IncBatch("started")
	observability.WithBatch(logger, run.ID).Info("batch started",
		"event", "batch_started",
		"total", req.Total,
		"concurrency", concurrency,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(run, concurrency)
	}()

	summary := run.Summary()
	return protocol.StartBatchResponse{Accepted: true, Batch: &summary}, nil
}

// discard drops a run that was never admitted and puts back the user's
// previous batch, if any.
func (s *Service) discard(run, previous *BatchRun) {
	s.mu.Lock()
	if s.batches[run.UserID] == run {
		if previous != nil {
			s.batches[run.UserID] = previous
		} else {
			delete(s.batches, run.UserID)
		}
	}
	s.mu.Unlock()
	run.cancel()
	run.finish(s.now())
}

func (s *Service) execute(run *BatchRun, concurrency int) {
	var g errgroup.Group
	g.SetLimit(concurrency)

launch:
	for attempt := 1; attempt <= run.Total; attempt++ {
		if attempt > 1 && s.cfg.LaunchStagger > 0 {
			timer := time.NewTimer(s.cfg.LaunchStagger)
			select {
			case <-timer.C:
			case <-run.ctx.Done():
				timer.Stop()
				break launch
			}
		}
		if run.stopRequested() {
			break
		}
		g.Go(func() error {
			s.runAttempt(run, attempt)
			return nil
		})
	}
	_ = g.Wait()
	s.finalize(run)
}

func (s *Service) runAttempt(run *BatchRun, attempt int) {
	ctx := run.ctx
	if ctx.Err() != nil {
		return
	}
	logger := observability.WithBatch(observability.WithUser(s.logger, run.UserID), run.ID).With("attempt", attempt)

	alias, err := s.aliases.Allocate(ctx)
	if err != nil {
		if !run.stopRequested() {
			logger.Error("alias allocation failed", "event", "alias_allocation_failed", "error", err)
		}
		return
	}
	owned := !allocator.IsExhausted(alias)
	run.track(alias.Address, activeAttempt{attempt: attempt, startedAt: s.now(), owned: owned})
	logger = observability.WithAlias(logger, alias.Address)

	number, err := retry.DoValue(ctx, s.cfg.AcquirePolicy, func() (provider.Number, error) {
		n, err := s.provider.AcquireNumber(ctx)
		if errors.Is(err, provider.ErrRejected) {
			return n, retry.Permanent(err)
		}
		return n, err
	})
	if err != nil {
		if run.stopRequested() {
			return
		}
		logger.Warn("phone number unavailable", "event", "number_acquire_failed", "error", err)
		_, _ = s.settle(run, alias.Address, attempt, protocol.OutcomeFailure, "number_unavailable")
		return
	}
	if number.AcquiredAt.IsZero() {
		number.AcquiredAt = s.now()
	}
	run.setLease(alias.Address, number.LeaseID)
	logger = observability.WithLease(logger, number.LeaseID)

	// The number is rented at this point; queue its release even if the batch
	// is being stopped.
	enqueueCtx := context.WithoutCancel(ctx)
	err = s.cfg.LeasePolicy.Do(enqueueCtx, func() error {
		_, err := s.leases.Enqueue(enqueueCtx, number.LeaseID, number.AcquiredAt, run.UserID)
		return err
	})
	if err != nil {
		logger.Error("phone lease not queued for release", "event", "lease_enqueue_failed", "error", err)
		_, _ = s.settle(run, alias.Address, attempt, protocol.OutcomeFailure, "lease_enqueue_failed")
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	issued := s.now()
	assignment := protocol.Assignment{
		Type:      "Assignment",
		BatchID:   run.ID,
		UserID:    run.UserID,
		Attempt:   attempt,
		Alias:     alias.Address,
		Phone:     number.Phone,
		LeaseID:   number.LeaseID,
		IssuedAt:  issued,
		TimeoutAt: issued.Add(s.cfg.AttemptTimeout),
	}
	logger.Info("attempt launched", "event", "attempt_launched")

	outcome, err := s.driver.Run(attemptCtx, assignment)
	if err != nil {
		if run.stopRequested() {
			logger.Info("attempt interrupted by stop", "event", "attempt_interrupted")
			return
		}
		logger.Warn("attempt did not complete", "event", "attempt_error", "error", err)
		outcome = protocol.OutcomeFailure
	}
	if !outcome.Valid() {
		outcome = protocol.OutcomeFailure
	}
	_, _ = s.settle(run, alias.Address, attempt, outcome, "driver")
}

// settle applies the first outcome reported for an attempt. Later reports
// return false and change nothing.
func (s *Service) settle(run *BatchRun, alias string, attempt int, outcome protocol.Outcome, source string) (bool, error) {
	claimed, ok := run.claim(alias, attempt, outcome)
	if !ok {
		return false, nil
	}
	defer run.settling.Done()

	ctx := context.WithoutCancel(run.ctx)
	logger := observability.WithAlias(observability.WithBatch(observability.WithUser(s.logger, run.UserID), run.ID), alias).
		With("attempt", claimed.attempt)
	s.metrics.AddOutcome(string(outcome), 1)

	if outcome == protocol.OutcomeSuccess {
		if err := s.aliases.Consume(ctx, alias); err != nil {
			logger.Error("recording consumed alias failed", "event", "alias_consume_failed", "error", err)
			return true, err
		}
		logger.Info("attempt succeeded", "event", "attempt_succeeded", "source", source)
		return true, nil
	}

	if claimed.owned {
		if err := s.aliases.Abandon(ctx, alias); err != nil {
			logger.Warn("returning alias to reuse pool failed", "event", "alias_abandon_failed", "error", err)
		}
	}
	err := s.cfg.LedgerPolicy.Do(ctx, func() error {
		return s.ledger.Credit(ctx, run.UserID, 1, "attempt_failed")
	})
	if err != nil {
		run.unclaimFailure()
		logger.Error("refund failed, deferring to reconciliation", "event", "refund_deferred", "error", err)
		return true, err
	}
	logger.Info("attempt failed", "event", "attempt_failed", "source", source)
	return true, nil
}

func (s *Service) finalize(run *BatchRun) {
	logger := observability.WithBatch(observability.WithUser(s.logger, run.UserID), run.ID)
	inflight := run.drain()
	run.settling.Wait()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), time.Minute)
	defer cancel()

	for _, alias := range inflight {
		if err := s.aliases.Abandon(ctx, alias); err != nil {
			observability.WithAlias(logger, alias).Warn("releasing in-flight alias failed", "event", "alias_abandon_failed", "error", err)
		}
	}

	unreported := run.unreported()
	if unreported > 0 {
		err := s.cfg.LedgerPolicy.Do(ctx, func() error {
			return s.ledger.ReconcileUnreported(ctx, run.UserID, unreported, run)
		})
		if err != nil {
			logger.Error("reconciliation failed", "event", "reconcile_failed", "units", unreported, "error", err)
		} else {
			s.metrics.AddOutcome("unreported", unreported)
		}
	}

	run.finish(s.now())
	summary := run.Summary()
	result := "completed"
	if summary.Stopped {
		result = "stopped"
	}
	s.metrics.IncBatch(result)
	logger.Info("batch finished",
		"event", "batch_finished",
		"result", result,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"reconciled", unreported,
	)

	if err := s.reporter.ReportBatch(ctx, summary); err != nil {
		logger.Warn("batch report not published", "event", "batch_report_failed", "error", err)
	}
}

// ReportOutcome records a collaborator's outcome report. The ack says whether
// this report was the one that counted.
func (s *Service) ReportOutcome(ctx context.Context, msg protocol.ReportOutcome) (protocol.ReportOutcomeAck, error) {
	ack := protocol.ReportOutcomeAck{Type: "ReportOutcomeAck", Alias: msg.Alias}
	if msg.UserID == "" || msg.Alias == "" || !msg.Outcome.Valid() {
		return ack, fmt.Errorf("%w: user_id, alias and outcome (success|failure) are required", ErrInvalidRequest)
	}
	run := s.batch(msg.UserID)
	if run == nil {
		return ack, ErrBatchNotFound
	}
	logger := observability.WithAlias(observability.WithBatch(observability.WithUser(s.logger, msg.UserID), run.ID), msg.Alias)
	if msg.BatchID != "" && msg.BatchID != run.ID {
		logger.Warn("outcome report for a previous batch ignored", "event", "outcome_report_ignored", "report_batch_id", msg.BatchID)
		return ack, nil
	}

	accepted, err := s.settle(run, msg.Alias, msg.Attempt, msg.Outcome, "report")
	ack.Accepted = accepted
	if !accepted {
		logger.Warn("duplicate or unknown outcome report ignored",
			"event", "outcome_report_ignored",
			"outcome", msg.Outcome,
			"attempt", msg.Attempt,
		)
	}
	return ack, err
}

// StopBatch cancels the user's batch and waits for it to be reconciled.
func (s *Service) StopBatch(ctx context.Context, userID string) (protocol.BatchSummary, error) {
	run := s.batch(userID)
	if run == nil {
		return protocol.BatchSummary{}, ErrBatchNotFound
	}
	if run.running() {
		run.stop()
		observability.WithBatch(observability.WithUser(s.logger, userID), run.ID).Info("batch stop requested", "event", "batch_stop_requested")
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return run.Summary(), ctx.Err()
	}
	return run.Summary(), nil
}

// Summary returns the user's current or most recent batch.
func (s *Service) Summary(ctx context.Context, userID string) (protocol.BatchSummary, error) {
	run := s.batch(userID)
	if run == nil {
		return protocol.BatchSummary{}, ErrBatchNotFound
	}
	return run.Summary(), nil
}

func (s *Service) batch(userID string) *BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[userID]
}

func (s *Service) Account(ctx context.Context, userID string) (protocol.AccountInfo, error) {
	if userID == "" {
		return protocol.AccountInfo{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	account, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return protocol.AccountInfo{}, err
	}
	return accountInfo(account.UserID, account.UnitFee, account.Balance, account.Capacity(), account.UpdatedAt), nil
}

// SetUnitFee changes the user's fee. It is refused while a batch is running
// so refunds use the fee that was debited.
func (s *Service) SetUnitFee(ctx context.Context, userID string, fee int64) (protocol.AccountInfo, error) {
	if userID == "" || fee < 0 {
		return protocol.AccountInfo{}, fmt.Errorf("%w: user_id and a non-negative fee are required", ErrInvalidRequest)
	}
	if run := s.batch(userID); run != nil && run.running() {
		return protocol.AccountInfo{}, ErrBatchRunning
	}
	account, err := s.ledger.SetUnitFee(ctx, userID, fee)
	if err != nil {
		return protocol.AccountInfo{}, err
	}
	return accountInfo(account.UserID, account.UnitFee, account.Balance, account.Capacity(), account.UpdatedAt), nil
}

func (s *Service) TopUp(ctx context.Context, userID string, req protocol.TopUpRequest) (protocol.AccountInfo, error) {
	if userID == "" || req.Amount <= 0 || req.Reference == "" {
		return protocol.AccountInfo{}, fmt.Errorf("%w: user_id, a positive amount and a reference are required", ErrInvalidRequest)
	}
	account, err := s.ledger.TopUp(ctx, userID, req.Amount, req.Reference)
	if err != nil {
		return protocol.AccountInfo{}, err
	}
	return accountInfo(account.UserID, account.UnitFee, account.Balance, account.Capacity(), account.UpdatedAt), nil
}

func accountInfo(userID string, fee, balance, capacity int64, updatedAt time.Time) protocol.AccountInfo {
	return protocol.AccountInfo{
		UserID:    userID,
		UnitFee:   fee,
		Balance:   balance,
		Capacity:  capacity,
		UpdatedAt: updatedAt,
	}
}

// Shutdown stops every running batch and waits for reconciliation.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.batches {
		if run.running() {
			run.stop()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
