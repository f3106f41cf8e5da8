// Package provider defines the interface for cloud VM provisioning
// backends. Implementations include a real cloud adapter (EC2Adapter) and
// an in-memory adapter for tests and local development (SimulatedAdapter).
package provider

import (
	"context"
	"errors"

	"github.com/oriys/vbrowserpool/internal/domain"
)

// ErrNotFound is returned by GetVM when the provider reports a 404-class
// failure: the VM is gone and the caller may remove its record. Every
// other error from the adapter is treated as transient by the caller.
var ErrNotFound = errors.New("provider: vm not found")

// Adapter is the capability set a concrete provider must furnish. Every
// operation is asynchronous and fails with a transport or provider error
// that the caller treats as transient unless the error wraps ErrNotFound.
type Adapter interface {
	// StartVM provisions a new VM tagged with the pool's tag and returns
	// the provider-assigned id. name labels the VM; EC2Adapter and
	// SimulatedAdapter do not derive the initial password from it, each
	// generates a separate random value.
	StartVM(ctx context.Context, pool, name string, large bool, region string) (vmid string, err error)

	// TerminateVM is a best-effort delete. It does not return
	// ErrNotFound; terminating an already-gone VM is not an error.
	TerminateVM(ctx context.Context, vmid string) error

	// RebootVM returns the VM to a clean boot with newly rotated
	// credentials. Providers that do not rotate credentials on reboot
	// must rename and rebuild under the hood.
	RebootVM(ctx context.Context, vmid string) error

	// GetVM returns the descriptor for vmid, or nil if the descriptor is
	// incomplete (e.g. missing IP). Returns an error wrapping ErrNotFound
	// when the provider reports the VM no longer exists.
	GetVM(ctx context.Context, vmid string) (*domain.Descriptor, error)

	// ListVMs enumerates all provider-side VMs bearing tagFilter.
	// Pagination is the adapter's concern.
	ListVMs(ctx context.Context, tagFilter string) ([]domain.Descriptor, error)

	// PowerOn and AttachToNetwork are idempotent recovery hooks used
	// during staging when a VM fails to come up cleanly.
	PowerOn(ctx context.Context, vmid string) error
	AttachToNetwork(ctx context.Context, vmid string) error

	// UpdateSnapshot is an operational maintenance path, not on the hot
	// path; it refreshes the base image used for future StartVM calls.
	UpdateSnapshot(ctx context.Context) (imageID string, err error)

	// Size, LargeSize and MinRetries are immutable provider constants.
	// MinRetries is the lower bound on staging attempts before the
	// readiness probe is trusted, a proxy for reboot time.
	Size() int
	LargeSize() int
	MinRetries() int
}
