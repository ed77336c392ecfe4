package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/signup-broker/state/migrations"
)

// migrationLockKey serializes coordinators that start at the same time.
const migrationLockKey = 7_301_455

// ErrMigrationChanged is returned when an applied migration's script no
// longer matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("state: applied migration changed")

// ApplyMigrations brings the schema up to date under an advisory lock. Each
// applied migration is recorded with the checksum of its script.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if err := ensureSchemaMigrationsTable(ctx, tx); err != nil {
			return err
		}
		applied, err := loadAppliedMigrations(ctx, tx)
		if err != nil {
			return err
		}
		pending, unrecorded, err := planMigrations(migrations.All, applied)
		if err != nil {
			return err
		}

		for _, m := range unrecorded {
			if _, err := tx.ExecContext(ctx,
				`UPDATE schema_migrations SET checksum = $2 WHERE id = $1`, m.ID, migrationChecksum(m.Script)); err != nil {
				return fmt.Errorf("record checksum %s: %w", m.ID, err)
			}
		}
		for _, m := range pending {
			if _, err := tx.ExecContext(ctx, m.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, checksum, applied_at) VALUES ($1, $2, NOW())`,
				m.ID, migrationChecksum(m.Script)); err != nil {
				return fmt.Errorf("record migration %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// planMigrations splits all into migrations still to run and applied ones
// whose checksum was never recorded. applied maps ID to recorded checksum.
func planMigrations(all []migrations.Migration, applied map[string]string) (pending, unrecorded []migrations.Migration, err error) {
	for _, m := range all {
		recorded, ok := applied[m.ID]
		switch {
		case !ok:
			pending = append(pending, m)
		case recorded == "":
			unrecorded = append(unrecorded, m)
		case recorded != migrationChecksum(m.Script):
			return nil, nil, fmt.Errorf("%w: %s", ErrMigrationChanged, m.ID)
		}
	}
	return pending, unrecorded, nil
}

func migrationChecksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func ensureSchemaMigrationsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    checksum TEXT,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT;`)
	return err
}

func loadAppliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, err
		}
		applied[id] = checksum
	}
	return applied, rows.Err()
}
