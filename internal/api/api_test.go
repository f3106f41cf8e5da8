package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/vbrowserpool/internal/assign"
	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/store"
)

type fakeLeaser struct {
	mu        sync.Mutex
	available *domain.Record
}

func (f *fakeLeaser) CountByState(ctx context.Context, pool string, state domain.VMState) (int, error) {
	return 0, nil
}
func (f *fakeLeaser) InsertStaging(ctx context.Context, pool, vmid string) (int64, error) {
	return 0, nil
}
func (f *fakeLeaser) RoomQueued(ctx context.Context, roomID string) (bool, error) { return true, nil }
func (f *fakeLeaser) LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available == nil {
		return nil, store.ErrRecordNotFound
	}
	rec := f.available
	f.available = nil
	return rec, nil
}

type fakeLister struct {
	recs []domain.Record
}

func (f *fakeLister) ListByState(ctx context.Context, pool string, state domain.VMState) ([]domain.Record, error) {
	return f.recs, nil
}

type fakeResetter struct {
	calledVMID string
	calledUID  string
}

func (f *fakeResetter) ResetVM(ctx context.Context, vmid, uid string) {
	f.calledVMID = vmid
	f.calledUID = uid
}

func TestHandleAssignReturnsLeasedRecord(t *testing.T) {
	fl := &fakeLeaser{available: &domain.Record{VMID: "vm1"}}
	pool := &Pool{
		ID:       "DockerUS",
		Assigner: &assign.Assigner{Store: fl, Provider: nil, Pool: "DockerUS", MinSize: 1},
		Store:    &fakeLister{},
	}
	s := NewServer(pool)

	req := httptest.NewRequest(http.MethodPost, "/vbrowsers/assign?pool=DockerUS", strings.NewReader(`{"room_id":"r1","uid":"u1"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec domain.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.VMID != "vm1" {
		t.Errorf("vmid = %q, want vm1", rec.VMID)
	}
}

func TestHandleResetDispatchesToController(t *testing.T) {
	fr := &fakeResetter{}
	pool := &Pool{ID: "DockerUS", Reset: fr, Store: &fakeLister{}}
	s := NewServer(pool)

	req := httptest.NewRequest(http.MethodPost, "/vbrowsers/vm-42/reset?pool=DockerUS&uid=u9", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if fr.calledVMID != "vm-42" || fr.calledUID != "u9" {
		t.Errorf("ResetVM called with (%q, %q), want (vm-42, u9)", fr.calledVMID, fr.calledUID)
	}
}

func TestHandleAvailableListsVMIDs(t *testing.T) {
	pool := &Pool{ID: "DockerUS", Store: &fakeLister{recs: []domain.Record{{VMID: "vmA"}, {VMID: "vmB"}}}}
	s := NewServer(pool)

	req := httptest.NewRequest(http.MethodGet, "/vbrowsers/available?pool=DockerUS", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var ids []string
	if err := json.NewDecoder(w.Body).Decode(&ids); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(ids) != 2 || ids[0] != "vmA" || ids[1] != "vmB" {
		t.Errorf("ids = %v, want [vmA vmB]", ids)
	}
}

type fakeToucher struct {
	pool, vmid string
	err        error
}

func (f *fakeToucher) Touch(ctx context.Context, pool, vmid string) error {
	f.pool, f.vmid = pool, vmid
	return f.err
}

func TestHandleHeartbeatTouchesRecord(t *testing.T) {
	ft := &fakeToucher{}
	pool := &Pool{ID: "DockerUS", Store: &fakeLister{}, Heartbeat: ft}
	s := NewServer(pool)

	req := httptest.NewRequest(http.MethodPost, "/vbrowsers/vm-7/heartbeat?pool=DockerUS", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if ft.pool != "DockerUS" || ft.vmid != "vm-7" {
		t.Errorf("Touch called with (%q, %q), want (DockerUS, vm-7)", ft.pool, ft.vmid)
	}
}

func TestHandleHeartbeatUnknownVM(t *testing.T) {
	ft := &fakeToucher{err: store.ErrRecordNotFound}
	pool := &Pool{ID: "DockerUS", Store: &fakeLister{}, Heartbeat: ft}
	s := NewServer(pool)

	req := httptest.NewRequest(http.MethodPost, "/vbrowsers/vm-gone/heartbeat?pool=DockerUS", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
