// Package registry owns one controller and one assignment protocol
// instance per configured pool identity, wiring the daemon's config
// tree into running background loops and an HTTP surface.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/vbrowserpool/internal/api"
	"github.com/oriys/vbrowserpool/internal/assign"
	"github.com/oriys/vbrowserpool/internal/cache"
	"github.com/oriys/vbrowserpool/internal/config"
	"github.com/oriys/vbrowserpool/internal/controller"
	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/provider"
)

// Store is the state-store surface a registered pool needs: everything
// the lifecycle controller uses plus the assignment protocol's lease
// primitives. *store.Store satisfies it; tests substitute a fake.
type Store interface {
	controller.Store
	RoomQueued(ctx context.Context, roomID string) (bool, error)
	LeaseAvailable(ctx context.Context, pool, roomID, uid string) (*domain.Record, error)
	Touch(ctx context.Context, pool, vmid string) error
}

// entry bundles one pool's controller and assigner under its identity.
type entry struct {
	ctrl     *controller.Controller
	assigner *assign.Assigner
}

// Registry tracks every running pool by identity (provider id, region,
// and size class) in a sync.Map, so pools can be added or inspected
// without a global lock.
type Registry struct {
	pools sync.Map // map[string]*entry

	store       Store
	provider    provider.Adapter
	cache       cache.Cache
	invalidator controller.Invalidator
}

// New builds an empty Registry backed by st and adapter. descCache may
// be nil to disable the staging-check descriptor cache for every pool.
// invalidator may be nil; when set, every pool's controller publishes
// a cache-eviction signal through it on reset, shrink, and terminate.
func New(st Store, adapter provider.Adapter, descCache cache.Cache, invalidator controller.Invalidator) *Registry {
	return &Registry{store: st, provider: adapter, cache: descCache, invalidator: invalidator}
}

// Identity returns the stable key a PoolConfig maps to: the pool
// identity string providerId + ("Large"|"") + region, since a large
// and small pool for the same provider/region are tracked
// independently.
func Identity(p config.PoolConfig) string {
	return domain.PoolID(p.ProviderID, p.Region, p.Large)
}

// Add registers and starts a controller for p, returning the api.Pool
// that exposes it over HTTP. Calling Add twice for the same identity
// is a programmer error and returns an error instead of silently
// replacing the running controller.
func (r *Registry) Add(ctx context.Context, p config.PoolConfig, production bool) (*api.Pool, error) {
	id := Identity(p)
	if _, loaded := r.pools.Load(id); loaded {
		return nil, fmt.Errorf("registry: pool %q already registered", id)
	}

	ctrl := controller.New(controller.Config{
		Pool:                  id,
		Region:                p.Region,
		Large:                 p.Large,
		LimitSize:             p.LimitSize,
		MinSize:               p.MinSize,
		TagFilter:             domain.TagPrefix(p.TagPrefix, p.Region, p.Large),
		Production:            production,
		UptimeModFloorSeconds: p.UptimeFloorMinutes * 60,
		RampDown:              p.RampDownHours,
		RampUp:                p.RampUpHours,
	}, r.store, r.provider)
	if r.cache != nil {
		ctrl.SetDescriptorCache(r.cache)
	}
	if r.invalidator != nil {
		ctrl.SetCacheInvalidator(r.invalidator)
	}

	assigner := &assign.Assigner{
		Store:    r.store,
		Provider: r.provider,
		Pool:     id,
		Region:   p.Region,
		Large:    p.Large,
		MinSize:  p.MinSize,
	}

	r.pools.Store(id, &entry{ctrl: ctrl, assigner: assigner})
	ctrl.Start(ctx)

	return &api.Pool{ID: id, Assigner: assigner, Reset: ctrl, Store: r.store, Heartbeat: r.store}, nil
}

// Get returns the entry for identity id, or false if no such pool is
// registered.
func (r *Registry) Get(id string) (*controller.Controller, *assign.Assigner, bool) {
	v, ok := r.pools.Load(id)
	if !ok {
		return nil, nil, false
	}
	e := v.(*entry)
	return e.ctrl, e.assigner, true
}

// Stop stops every registered controller's loops and blocks until all
// have returned.
func (r *Registry) Stop() {
	var wg sync.WaitGroup
	r.pools.Range(func(_, v any) bool {
		e := v.(*entry)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ctrl.Stop()
		}()
		return true
	})
	wg.Wait()
}
