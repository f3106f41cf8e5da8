package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// shrinkLockKey serializes the shrink loop's delete-oldest-eligible pass
// across controller replicas. One key is shared by every pool, so the
// passes of different pools also take turns: pg_advisory_xact_lock
// holds only for the lifetime of the transaction, so a replica that
// loses the race simply waits its turn rather than racing the
// OFFSET-based eligibility window against a concurrent delete.
const shrinkLockKey int64 = 0x766272705f736872 // "vbrp_shr"

// WithShrinkLock runs fn inside a transaction holding the shrink
// advisory lock, committing on success and rolling back on error.
func (s *Store) WithShrinkLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin shrink tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shrinkLockKey); err != nil {
		return fmt.Errorf("store: acquire shrink lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit shrink tx: %w", err)
	}
	return nil
}
