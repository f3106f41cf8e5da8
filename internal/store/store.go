// Package store is the durable state layer for VM records: a Postgres
// table backing the lifecycle controller's view of every VM it owns,
// queried and mutated through pgx with SKIP LOCKED leasing so multiple
// controller replicas never double-assign a row, and an advisory-locked
// shrink path so they never double-delete one.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/vbrowserpool/internal/domain"
)

// ErrRecordNotFound is returned when a lookup or lease finds no
// matching row.
var ErrRecordNotFound = errors.New("store: vm record not found")

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vm_records (
		id BIGSERIAL PRIMARY KEY,
		pool TEXT NOT NULL,
		vmid TEXT NOT NULL,
		state TEXT NOT NULL,
		creation_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ready_time TIMESTAMPTZ,
		assign_time TIMESTAMPTZ,
		heartbeat_time TIMESTAMPTZ,
		reset_time TIMESTAMPTZ,
		retries INTEGER NOT NULL DEFAULT 0,
		room_id TEXT,
		uid TEXT,
		data JSONB,
		UNIQUE (pool, vmid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vm_records_pool_state ON vm_records(pool, state, id)`,
	`CREATE TABLE IF NOT EXISTS room_queue (
		room_id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Store wraps a pgx connection pool with the VM-record primitives the
// lifecycle controller and assignment protocol need.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres at dsn, verifies connectivity, and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertStaging inserts a new vm_records row in the staging state for a
// freshly started VM.
func (s *Store) InsertStaging(ctx context.Context, pool, vmid string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO vm_records (pool, vmid, state) VALUES ($1, $2, $3) RETURNING id`,
		pool, vmid, domain.StateStaging,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert staging: %w", err)
	}
	return id, nil
}

// CountByState returns the number of rows in pool with the given state.
func (s *Store) CountByState(ctx context.Context, pool string, state domain.VMState) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM vm_records WHERE pool = $1 AND state = $2`,
		pool, state,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count by state: %w", err)
	}
	return n, nil
}

// LeaseAvailable atomically claims the oldest available VM in pool for
// roomID/uid, moving it to the used state, and returns the full record.
// Concurrent callers racing on the same pool never observe the same
// row: the inner SELECT takes FOR UPDATE SKIP LOCKED so a row already
// being claimed by another transaction is invisible to this one.
func (s *Store) LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE vm_records
		SET state = $1, assign_time = NOW(), room_id = $2, uid = $3
		WHERE id = (
			SELECT id FROM vm_records
			WHERE pool = $4 AND state = $5
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, pool, vmid, state, creation_time, ready_time, assign_time,
			heartbeat_time, reset_time, retries, room_id, uid, data
	`, domain.StateUsed, roomID, uid, pool, domain.StateAvailable)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lease available: %w", err)
	}
	return rec, nil
}

// The outer state predicate is re-evaluated on the current row version
// at delete time, so a row leased (available -> used) between the inner
// select and the delete is left alone instead of being torn down under
// an active session. Concurrent shrinkers are serialized by
// WithShrinkLock, not by row locks here.
const deleteOldestEligibleSQL = `
	DELETE FROM vm_records
	WHERE state = $2 AND id = (
		SELECT id FROM (
			SELECT id, creation_time FROM vm_records
			WHERE pool = $1 AND state = $2
			ORDER BY id
			OFFSET $3
		) eligible
		WHERE EXTRACT(EPOCH FROM (NOW() - creation_time))::bigint % 3600 > $4
		ORDER BY id
		LIMIT 1
	)
	RETURNING vmid
`

// DeleteOldestEligibleTx deletes the oldest row in pool beyond the
// first minSize rows (ordered by id) whose uptime, modulo one hour,
// exceeds uptimeModFloorSeconds: the shrink loop's signal that a VM is
// approaching its next hourly billing boundary and cheapest to reclaim
// now. It runs inside an already-open transaction, used by the shrink
// loop under WithShrinkLock so the delete and the subsequent provider
// terminate call are attempted by only one controller replica at a
// time. Returns the deleted vmid, or ErrRecordNotFound if no row
// qualifies.
func (s *Store) DeleteOldestEligibleTx(ctx context.Context, tx pgx.Tx, pool string, minSize int, uptimeModFloorSeconds int) (string, error) {
	row := tx.QueryRow(ctx, deleteOldestEligibleSQL, pool, domain.StateAvailable, minSize, uptimeModFloorSeconds)
	return scanVMID(row)
}

func scanVMID(row pgx.Row) (string, error) {
	var vmid string
	err := row.Scan(&vmid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: delete oldest eligible: %w", err)
	}
	return vmid, nil
}

// IncrementRetries bumps retries for vmid in pool and returns the new
// count.
func (s *Store) IncrementRetries(ctx context.Context, pool, vmid string) (int, error) {
	var retries int
	err := s.pool.QueryRow(ctx,
		`UPDATE vm_records SET retries = retries + 1 WHERE pool = $1 AND vmid = $2 RETURNING retries`,
		pool, vmid,
	).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment retries: %w", err)
	}
	return retries, nil
}

// MarkAvailable transitions vmid to available and stamps ready_time and
// the latest provider descriptor, clearing any prior assignment.
func (s *Store) MarkAvailable(ctx context.Context, pool, vmid string, desc *domain.Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("store: marshal descriptor: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_records
		SET state = $1, ready_time = NOW(), room_id = NULL, uid = NULL, data = $2
		WHERE pool = $3 AND vmid = $4
	`, domain.StateAvailable, data, pool, vmid)
	if err != nil {
		return fmt.Errorf("store: mark available: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkStaging resets vmid back to staging, used by the reset protocol:
// the lease, readiness, heartbeat and data fields are cleared.
func (s *Store) MarkStaging(ctx context.Context, pool, vmid string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_records
		SET state = $1, reset_time = NOW(), room_id = NULL, uid = NULL, retries = 0,
			ready_time = NULL, assign_time = NULL, heartbeat_time = NULL, data = NULL
		WHERE pool = $2 AND vmid = $3
	`, domain.StateStaging, pool, vmid)
	if err != nil {
		return fmt.Errorf("store: mark staging: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Touch updates the heartbeat_time for vmid, used while a VM is leased
// out to a room so reconcile can distinguish a live session from an
// abandoned one.
func (s *Store) Touch(ctx context.Context, pool, vmid string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vm_records SET heartbeat_time = NOW() WHERE pool = $1 AND vmid = $2`,
		pool, vmid,
	)
	if err != nil {
		return fmt.Errorf("store: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes vmid from pool unconditionally, used when a VM is
// confirmed gone on the provider side.
func (s *Store) Delete(ctx context.Context, pool, vmid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM vm_records WHERE pool = $1 AND vmid = $2`, pool, vmid); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// ListByState returns every record in pool with the given state,
// ordered by id, used by the reconcile and staging-check loops to walk
// their working set.
func (s *Store) ListByState(ctx context.Context, pool string, state domain.VMState) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pool, vmid, state, creation_time, ready_time, assign_time,
			heartbeat_time, reset_time, retries, room_id, uid, data
		FROM vm_records WHERE pool = $1 AND state = $2 ORDER BY id
	`, pool, state)
	if err != nil {
		return nil, fmt.Errorf("store: list by state: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list by state: %w", err)
	}
	return out, nil
}

// RoomQueued reports whether roomID still has a live entry in
// room_queue, used by the assignment protocol's liveness re-check
// before committing a lease, since the caller may have cancelled while
// the lease transaction was in flight.
func (s *Store) RoomQueued(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_queue WHERE room_id = $1)`,
		roomID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: room queued: %w", err)
	}
	return exists, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row pgx.Row) (*domain.Record, error) {
	return scan(row)
}

func scanRecordRows(rows pgx.Rows) (*domain.Record, error) {
	return scan(rows)
}

func scan(s scannable) (*domain.Record, error) {
	var (
		rec     domain.Record
		readyT  *time.Time
		assignT *time.Time
		hbT     *time.Time
		resetT  *time.Time
		data    []byte
	)
	err := s.Scan(
		&rec.ID, &rec.Pool, &rec.VMID, &rec.State, &rec.CreationTime,
		&readyT, &assignT, &hbT, &resetT, &rec.Retries, &rec.RoomID, &rec.UID, &data,
	)
	if err != nil {
		return nil, err
	}
	rec.ReadyTime = readyT
	rec.AssignTime = assignT
	rec.HeartbeatTime = hbT
	rec.ResetTime = resetT
	if len(data) > 0 {
		var desc domain.Descriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("unmarshal descriptor: %w", err)
		}
		rec.Data = &desc
	}
	return &rec, nil
}
