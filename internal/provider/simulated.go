package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vbrowserpool/internal/domain"
)

// SimulatedAdapter is an in-memory Adapter for tests and local
// development. It simulates boot latency and exposes one failure hook,
// FailGetVM, which makes GetVM report chosen VMs as gone; it has no
// hook for readiness-probe failures.
type SimulatedAdapter struct {
	mu         sync.Mutex
	vms        map[string]*domain.Descriptor
	bootDelay  time.Duration
	size       int
	largeSize  int
	minRetries int

	// FailGetVM, when set, makes GetVM return ErrNotFound for the given
	// vmid regardless of whether it exists, simulating a provider-side
	// disappearance.
	FailGetVM map[string]bool
}

// NewSimulatedAdapter creates a SimulatedAdapter. bootDelay controls how
// long a VM takes to report a host once started (zero means immediate).
func NewSimulatedAdapter(bootDelay time.Duration, size, largeSize, minRetries int) *SimulatedAdapter {
	return &SimulatedAdapter{
		vms:        make(map[string]*domain.Descriptor),
		bootDelay:  bootDelay,
		size:       size,
		largeSize:  largeSize,
		minRetries: minRetries,
		FailGetVM:  make(map[string]bool),
	}
}

func (a *SimulatedAdapter) Size() int       { return a.size }
func (a *SimulatedAdapter) LargeSize() int  { return a.largeSize }
func (a *SimulatedAdapter) MinRetries() int { return a.minRetries }

func (a *SimulatedAdapter) StartVM(ctx context.Context, pool, name string, large bool, region string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.vms[id] = &domain.Descriptor{
		ID:            id,
		Pass:          uuid.NewString(),
		Host:          "",
		ProviderState: "pending",
		Tags:          map[string]string{"name": name, "pool": pool},
		CreationDate:  time.Now(),
		Provider:      "simulated",
		Large:         large,
		Region:        region,
	}
	go func() {
		time.Sleep(a.bootDelay)
		a.mu.Lock()
		defer a.mu.Unlock()
		if d, ok := a.vms[id]; ok {
			d.Host = "10.0.0.1/" + id
			d.ProviderState = "running"
		}
	}()
	return id, nil
}

func (a *SimulatedAdapter) TerminateVM(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.vms, vmid)
	return nil
}

func (a *SimulatedAdapter) RebootVM(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.vms[vmid]
	if !ok {
		return fmt.Errorf("simulated RebootVM %s: %w", vmid, ErrNotFound)
	}
	d.Pass = uuid.NewString()
	d.ProviderState = "pending"
	d.Host = ""
	go func() {
		time.Sleep(a.bootDelay)
		a.mu.Lock()
		defer a.mu.Unlock()
		if d, ok := a.vms[vmid]; ok {
			d.Host = "10.0.0.1/" + vmid
			d.ProviderState = "running"
		}
	}()
	return nil
}

func (a *SimulatedAdapter) PowerOn(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.vms[vmid]; !ok {
		return fmt.Errorf("simulated PowerOn %s: %w", vmid, ErrNotFound)
	}
	return nil
}

func (a *SimulatedAdapter) AttachToNetwork(ctx context.Context, vmid string) error {
	return nil
}

func (a *SimulatedAdapter) GetVM(ctx context.Context, vmid string) (*domain.Descriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailGetVM[vmid] {
		return nil, fmt.Errorf("simulated GetVM %s: %w", vmid, ErrNotFound)
	}
	d, ok := a.vms[vmid]
	if !ok {
		return nil, fmt.Errorf("simulated GetVM %s: %w", vmid, ErrNotFound)
	}
	if d.Host == "" {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (a *SimulatedAdapter) ListVMs(ctx context.Context, tagFilter string) ([]domain.Descriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Descriptor
	for _, d := range a.vms {
		out = append(out, *d)
	}
	return out, nil
}

func (a *SimulatedAdapter) UpdateSnapshot(ctx context.Context) (string, error) {
	return "sim-image-" + uuid.NewString(), nil
}
