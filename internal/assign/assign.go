// Package assign implements the transactional lease of one available
// VM to one (roomID, uid) pair, including the warm-on-demand path for
// pools configured with no standing minimum.
package assign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/logging"
	"github.com/oriys/vbrowserpool/internal/metrics"
	"github.com/oriys/vbrowserpool/internal/observability"
	"github.com/oriys/vbrowserpool/internal/store"
)

// ErrRoomGone is returned when the room is no longer present in
// room_queue by the time a lease can be attempted.
var ErrRoomGone = errors.New("assign: room no longer queued")

// retryInterval is the sleep between lease attempts when no VM is
// currently available.
const retryInterval = 1 * time.Second

// Starter is the subset of the provider adapter the warm-on-demand
// path needs: launching a VM. The staging record is written separately
// through Leaser.InsertStaging.
type Starter interface {
	StartVM(ctx context.Context, pool, name string, large bool, region string) (vmid string, err error)
}

// Leaser is the subset of store.Store the assignment protocol needs.
// Accepting the narrow interface rather than *store.Store lets the
// protocol's retry and warm-on-demand logic be exercised against a
// fake in tests, without a live Postgres connection.
type Leaser interface {
	CountByState(ctx context.Context, pool string, state domain.VMState) (int, error)
	InsertStaging(ctx context.Context, pool, vmid string) (int64, error)
	RoomQueued(ctx context.Context, roomID string) (bool, error)
	LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error)
}

// Assigner runs the assignment protocol for a single pool.
type Assigner struct {
	Store      Leaser
	Provider   Starter
	Pool       string
	Region     string
	Large      bool
	MinSize    int
	NamePrefix func() string
}

// Assign leases one available VM to (roomID, uid), launching a VM
// on-demand first if the pool has no standing minimum and none is
// currently available. It blocks, retrying once per second, until a
// VM is leased or the room is no longer queued.
func (a *Assigner) Assign(ctx context.Context, roomID, uid string) (*domain.Record, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "vbrowserpool.assign",
		observability.AttrPoolID.String(a.Pool),
		observability.AttrRoomID.String(roomID),
	)
	defer span.End()

	warm := false
	if a.MinSize == 0 {
		available, err := a.Store.CountByState(ctx, a.Pool, domain.StateAvailable)
		if err != nil {
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("assign: count available: %w", err)
		}
		if available == 0 {
			warm = true
			name := a.Pool + "-ondemand-" + roomID
			if a.NamePrefix != nil {
				name = a.NamePrefix()
			}
			vmid, err := a.Provider.StartVM(ctx, a.Pool, name, a.Large, a.Region)
			if err != nil {
				logging.Op().Warn("[VMWORKER] warm-on-demand start failed", "pool", a.Pool, "room_id", roomID, "err", err)
			} else if _, err := a.Store.InsertStaging(ctx, a.Pool, vmid); err != nil {
				logging.Op().Warn("[VMWORKER] warm-on-demand staging insert failed", "pool", a.Pool, "vmid", vmid, "err", err)
			} else {
				metrics.Global().RecordLaunch(a.Pool)
				logging.Op().Info("[VMWORKER] warm-on-demand launched vm", "pool", a.Pool, "vmid", vmid, "room_id", roomID)
			}
		}
	}
	span.SetAttributes(observability.AttrWarm.Bool(warm))

	for {
		queued, err := a.Store.RoomQueued(ctx, roomID)
		if err != nil {
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("assign: check room queue: %w", err)
		}
		if !queued {
			metrics.Global().RecordLeaseFailure(a.Pool)
			logging.Default().Log(&logging.AssignmentLog{
				Prefix: "[ASSIGN]", Pool: a.Pool, RoomID: roomID, UID: uid,
				DurationMs: time.Since(start).Milliseconds(), Success: false, Error: "room no longer queued",
			})
			return nil, ErrRoomGone
		}

		rec, err := a.Store.LeaseAvailable(ctx, a.Pool, roomID, uid)
		if err == nil {
			elapsed := time.Since(start).Milliseconds()
			metrics.Global().PushStartMS(a.Pool, elapsed)
			logging.Op().Info("[ASSIGN] leased vm", "pool", a.Pool, "vmid", rec.VMID, "room_id", roomID, "uid", uid)
			logging.Default().Log(&logging.AssignmentLog{
				Prefix: "[ASSIGN]", Pool: a.Pool, VMID: rec.VMID, RoomID: roomID, UID: uid,
				DurationMs: elapsed, Success: true,
			})
			span.SetAttributes(observability.AttrVMID.String(rec.VMID), observability.AttrDurationMs.Int64(elapsed))
			observability.SetSpanOK(span)
			return rec, nil
		}
		if !errors.Is(err, store.ErrRecordNotFound) {
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("assign: lease available: %w", err)
		}

		select {
		case <-ctx.Done():
			observability.SetSpanError(span, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
