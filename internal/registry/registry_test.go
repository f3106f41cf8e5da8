package registry

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/vbrowserpool/internal/config"
	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/provider"
	"github.com/oriys/vbrowserpool/internal/store"
)

// nopStore satisfies Store with empty results, enough for the
// controllers started by Add to idle harmlessly until Stop.
type nopStore struct{}

func (nopStore) CountByState(ctx context.Context, pool string, state domain.VMState) (int, error) {
	return 0, nil
}
func (nopStore) InsertStaging(ctx context.Context, pool, vmid string) (int64, error) { return 0, nil }
func (nopStore) ListByState(ctx context.Context, pool string, state domain.VMState) ([]domain.Record, error) {
	return nil, nil
}
func (nopStore) IncrementRetries(ctx context.Context, pool, vmid string) (int, error) { return 0, nil }
func (nopStore) MarkAvailable(ctx context.Context, pool, vmid string, desc *domain.Descriptor) error {
	return nil
}
func (nopStore) MarkStaging(ctx context.Context, pool, vmid string) error { return nil }
func (nopStore) Delete(ctx context.Context, pool, vmid string) error      { return nil }
func (nopStore) DeleteOldestEligibleTx(ctx context.Context, tx pgx.Tx, pool string, minSize, uptimeModFloorSeconds int) (string, error) {
	return "", store.ErrRecordNotFound
}
func (nopStore) WithShrinkLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}
func (nopStore) RoomQueued(ctx context.Context, roomID string) (bool, error) { return false, nil }
func (nopStore) Touch(ctx context.Context, pool, vmid string) error          { return nil }
func (nopStore) LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error) {
	return nil, store.ErrRecordNotFound
}

func TestIdentityDistinguishesLargeFromSmall(t *testing.T) {
	small := config.PoolConfig{ProviderID: "docker", Region: "us-east-1"}
	large := config.PoolConfig{ProviderID: "docker", Region: "us-east-1", Large: true}
	if Identity(small) == Identity(large) {
		t.Fatalf("expected distinct identities, got %q for both", Identity(small))
	}
}

func TestIdentityMatchesPoolIDFormat(t *testing.T) {
	p := config.PoolConfig{ProviderID: "docker", Region: "US", Large: true}
	if got, want := Identity(p), "dockerLargeUS"; got != want {
		t.Fatalf("Identity = %q, want %q", got, want)
	}
}

func TestAddRejectsDuplicateIdentity(t *testing.T) {
	ad := provider.NewSimulatedAdapter(0, 100, 10, 1)
	r := New(nopStore{}, ad, nil, nil)
	p := config.PoolConfig{ProviderID: "docker", Region: "us-east-1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := r.Add(ctx, p, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.ID != Identity(p) {
		t.Fatalf("pool id = %q, want %q", pool.ID, Identity(p))
	}

	if _, err := r.Add(ctx, p, false); err == nil {
		t.Fatal("expected error registering the same identity twice")
	}

	r.Stop()
}

func TestGetReturnsRegisteredPool(t *testing.T) {
	ad := provider.NewSimulatedAdapter(0, 100, 10, 1)
	r := New(nopStore{}, ad, nil, nil)
	p := config.PoolConfig{ProviderID: "docker", Region: "us-west-2", Large: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := r.Add(ctx, p, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctrl, assigner, ok := r.Get(Identity(p))
	if !ok {
		t.Fatal("expected registered pool to be found")
	}
	if ctrl == nil || assigner == nil {
		t.Fatal("expected non-nil controller and assigner")
	}
	if _, _, ok := r.Get("missing"); ok {
		t.Fatal("expected lookup of unregistered identity to fail")
	}

	r.Stop()
}
