package assign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/store"
)

type fakeLeaser struct {
	mu            sync.Mutex
	available     map[string]*domain.Record // vmid -> record, state=available
	roomQueued    map[string]bool
	staged        []string
	countOverride *int
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{
		available:  make(map[string]*domain.Record),
		roomQueued: make(map[string]bool),
	}
}

func (f *fakeLeaser) CountByState(ctx context.Context, pool string, state domain.VMState) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countOverride != nil {
		return *f.countOverride, nil
	}
	return len(f.available), nil
}

func (f *fakeLeaser) InsertStaging(ctx context.Context, pool, vmid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, vmid)
	return int64(len(f.staged)), nil
}

func (f *fakeLeaser) RoomQueued(ctx context.Context, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomQueued[roomID], nil
}

func (f *fakeLeaser) LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for vmid, rec := range f.available {
		delete(f.available, vmid)
		rec.State = domain.StateUsed
		rec.RoomID = &roomID
		rec.UID = &uid
		return rec, nil
	}
	return nil, store.ErrRecordNotFound
}

type fakeStarter struct {
	calls int
	vmid  string
	err   error
}

func (f *fakeStarter) StartVM(ctx context.Context, pool, name string, large bool, region string) (string, error) {
	f.calls++
	return f.vmid, f.err
}

func TestAssignWarmLease(t *testing.T) {
	fl := newFakeLeaser()
	fl.roomQueued["roomA"] = true
	fl.available["vm1"] = &domain.Record{VMID: "vm1", State: domain.StateAvailable}

	a := &Assigner{Store: fl, Provider: &fakeStarter{}, Pool: "DockerUS", MinSize: 3}
	rec, err := a.Assign(context.Background(), "roomA", "uidA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.VMID != "vm1" {
		t.Errorf("leased vmid = %q, want vm1", rec.VMID)
	}
	if rec.State != domain.StateUsed {
		t.Errorf("leased record state = %q, want used", rec.State)
	}
}

func TestAssignQueueCancelReturnsErrRoomGone(t *testing.T) {
	fl := newFakeLeaser()
	// Room never queued.
	a := &Assigner{Store: fl, Provider: &fakeStarter{}, Pool: "DockerUS", MinSize: 0}
	_, err := a.Assign(context.Background(), "roomC", "uidC")
	if !errors.Is(err, ErrRoomGone) {
		t.Fatalf("err = %v, want ErrRoomGone", err)
	}
}

func TestAssignWarmOnDemandStartsVM(t *testing.T) {
	fl := newFakeLeaser()
	fl.roomQueued["roomB"] = true
	starter := &fakeStarter{vmid: "vm-new"}

	// No available VM yet; after the on-demand start, simulate the
	// staging-check loop promoting it before the next retry tick by
	// injecting it directly, since the retry loop sleeps 1s per pass.
	go func() {
		time.Sleep(10 * time.Millisecond)
		fl.mu.Lock()
		fl.available["vm-new"] = &domain.Record{VMID: "vm-new", State: domain.StateAvailable}
		fl.mu.Unlock()
	}()

	a := &Assigner{Store: fl, Provider: starter, Pool: "DockerUS", MinSize: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec, err := a.Assign(ctx, "roomB", "uidB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.VMID != "vm-new" {
		t.Errorf("leased vmid = %q, want vm-new", rec.VMID)
	}
	if starter.calls != 1 {
		t.Errorf("StartVM calls = %d, want 1", starter.calls)
	}
	if len(fl.staged) != 1 || fl.staged[0] != "vm-new" {
		t.Errorf("staged = %v, want [vm-new]", fl.staged)
	}
}
