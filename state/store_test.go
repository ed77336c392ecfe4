package state_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/signup-broker/state"
)

func TestLocksExcludeLiveHolders(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	now := time.Now().UTC()
	ok, err := store.TryAcquireLock(ctx, "alias-allocation", "a", now, 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryAcquireLock(ctx, "alias-allocation", "b", now.Add(time.Second), 15*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// A holder past the stale window is replaced.
	ok, err = store.TryAcquireLock(ctx, "alias-allocation", "b", now.Add(20*time.Second), 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The displaced holder's release leaves the new holder alone.
	require.NoError(t, store.ReleaseLock(ctx, "alias-allocation", "a"))
	ok, err = store.TryAcquireLock(ctx, "alias-allocation", "c", now.Add(21*time.Second), 15*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseLock(ctx, "alias-allocation", "b"))
	ok, err = store.TryAcquireLock(ctx, "alias-allocation", "c", now.Add(22*time.Second), 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCountersIncrementConcurrently(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	value, err := store.ReadCounter(ctx, "alias")
	require.NoError(t, err)
	require.Zero(t, value)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementCounter(ctx, "alias")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, err = store.ReadCounter(ctx, "alias")
	require.NoError(t, err)
	require.Equal(t, int64(10), value)

	require.NoError(t, store.WriteCounter(ctx, "alias", 42))
	value, err = store.IncrementCounter(ctx, "alias")
	require.NoError(t, err)
	require.Equal(t, int64(43), value)
}

func TestReservationsAndReusePool(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	now := time.Now().UTC()
	ok, err := store.InsertReservation(ctx, "signup+fk1@example.com", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.InsertReservation(ctx, "signup+fk1@example.com", now)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = store.InsertReservation(ctx, "signup+fk2@example.com", now)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := store.ExpireReservations(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"signup+fk1@example.com"}, expired)

	held, err := store.HasReservation(ctx, "signup+fk2@example.com")
	require.NoError(t, err)
	require.True(t, held)
	deleted, err := store.DeleteReservation(ctx, "signup+fk2@example.com")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = store.DeleteReservation(ctx, "signup+fk2@example.com")
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, store.PushReusable(ctx, "signup+fk5@example.com", now))
	require.NoError(t, store.PushReusable(ctx, "signup+fk3@example.com", now))
	require.NoError(t, store.PushReusable(ctx, "signup+fk5@example.com", now))

	alias, ok, err := store.PopReusable(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "signup+fk5@example.com", alias)
	alias, ok, err = store.PopReusable(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "signup+fk3@example.com", alias)
	_, ok, err = store.PopReusable(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumedAliasesRecordedOnce(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	now := time.Now().UTC()
	recorded, err := store.RecordConsumed(ctx, "signup+fk3@example.com", 3, now)
	require.NoError(t, err)
	require.True(t, recorded)
	recorded, err = store.RecordConsumed(ctx, "signup+fk3@example.com", 3, now)
	require.NoError(t, err)
	require.False(t, recorded)
	_, err = store.RecordConsumed(ctx, "signup+fk1@example.com", 1, now)
	require.NoError(t, err)

	consumed, err := store.IsConsumed(ctx, "signup+fk3@example.com")
	require.NoError(t, err)
	require.True(t, consumed)

	sequences, err := store.ConsumedSequences(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, sequences)
}

func TestLeaseQueueClaimAndComplete(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.EnqueueLease(ctx, state.PhoneLease{LeaseID: "due", UserID: "u", AcquiredAt: now.Add(-3 * time.Minute), EarliestReleaseAt: now.Add(-time.Minute)}))
	require.NoError(t, store.EnqueueLease(ctx, state.PhoneLease{LeaseID: "later", UserID: "u", AcquiredAt: now, EarliestReleaseAt: now.Add(time.Hour)}))
	// Re-enqueueing keeps the later release time.
	require.NoError(t, store.EnqueueLease(ctx, state.PhoneLease{LeaseID: "later", UserID: "u", AcquiredAt: now, EarliestReleaseAt: now}))

	claimed, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "due", claimed[0].LeaseID)

	again, err := store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, store.FailLease(ctx, "due", "provider down", now))
	claimed, err = store.ClaimDueLeases(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].ReleaseAttempts)

	require.NoError(t, store.CompleteLease(ctx, "due"))
	require.ErrorIs(t, store.CompleteLease(ctx, "due"), state.ErrNotFound)

	pending, err := store.PendingLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestLedgerDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, err := store.TopUp(ctx, "user-1", 1000, "invoice-1", 100)
	require.NoError(t, err)
	_, err = store.TopUp(ctx, "user-1", 1000, "invoice-1", 100)
	require.ErrorIs(t, err, state.ErrDuplicateReference)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.DebitUnits(ctx, "user-1", 3, 100)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 3, admitted)

	account, err := store.CreditUnits(ctx, "user-1", 2, 100)
	require.NoError(t, err)
	require.Equal(t, int64(300), account.Balance)

	account, err = store.SetUnitFee(ctx, "user-1", 150, 100)
	require.NoError(t, err)
	require.Equal(t, int64(150), account.UnitFee)
	require.Equal(t, int64(2), account.Capacity())

	_, err = store.GetAccount(ctx, "nobody")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	require.NoError(t, store.ApplyMigrations(ctx))
	require.NoError(t, store.ApplyMigrations(ctx))
}

func setupTestStore(t *testing.T, ctx context.Context) (*state.Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	cleanup := func() {
		_ = resetDatabase(ctx, db)
		_ = db.Close()
	}
	return store, cleanup
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
SELECT tablename
FROM pg_tables
WHERE schemaname = 'public'
  AND tablename <> 'schema_migrations'
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, `"`+strings.ReplaceAll(name, `"`, `""`)+`"`)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", ")))
	return err
}
