// Package domain holds the shared types that flow between the provider
// adapter, the state store, and the lifecycle controller: the VM descriptor
// (the provider's view) and the VM record (the controller's durable view).
package domain

import "time"

// VMState is the lifecycle state of a managed VM record.
type VMState string

const (
	// StateStaging is the state between provisioning and readiness: the VM
	// is booting and being probed.
	StateStaging VMState = "staging"
	// StateAvailable means the VM passed its readiness probe and is free
	// to lease.
	StateAvailable VMState = "available"
	// StateUsed means the VM is leased to a room.
	StateUsed VMState = "used"
)

// Descriptor is the projection of a provider-side VM that the controller
// is allowed to see. Every field but Host and ID is opaque to the
// controller; the provider adapter populates it from its own API
// responses.
type Descriptor struct {
	ID           string            `json:"id"`
	Pass         string            `json:"pass"`
	Host         string            `json:"host"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	ProviderState string           `json:"state"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreationDate time.Time         `json:"creation_date"`
	Provider     string            `json:"provider"`
	Large        bool              `json:"large"`
	Region       string            `json:"region"`
}

// Record is one row of the durable VM record table (C2). Nullable fields
// are represented as pointers so a zero value and "not set" are
// distinguishable.
type Record struct {
	ID            int64
	Pool          string
	VMID          string
	State         VMState
	CreationTime  time.Time
	ReadyTime     *time.Time
	AssignTime    *time.Time
	HeartbeatTime *time.Time
	ResetTime     *time.Time
	Retries       int
	RoomID        *string
	UID           *string
	Data          *Descriptor
}

// PoolID returns the pool identity string used as the partition key
// throughout the state store: providerId + ("Large"|"") + region.
func PoolID(providerID, region string, large bool) string {
	if large {
		return providerID + "Large" + region
	}
	return providerID + region
}

// TagPrefix builds the provider-side tag applied to every VM launched for
// a pool: tagPrefix + region + ("Large"|"").
func TagPrefix(tagPrefix, region string, large bool) string {
	if large {
		return tagPrefix + region + "Large"
	}
	return tagPrefix + region
}
