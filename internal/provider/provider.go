// Package provider defines the uniform adapter interface over a cloud's VM
// and volume API (§4.1). Every adapter method returns a classified
// *apperror.Error so callers can branch on retryable_transient vs fatal
// without parsing provider-specific error shapes.
package provider

import (
	"context"
	"time"
)

// Zone identifies where a call is scoped, using the provider's own zone
// code (e.g. "fr-par-2"), not the catalog's numeric zone ID.
type Zone string

// CreateParams are the inputs to create_instance (§4.1).
type CreateParams struct {
	InstanceType        string
	BootImage            string
	UserData             string
	PreAttachedVolumeIDs []string
}

// VolumeKind distinguishes the block storage class requested from
// create_volume.
type VolumeKind string

const (
	VolumeKindSSD   VolumeKind = "ssd"
	VolumeKindBlock VolumeKind = "block"
)

// VolumePerf is an optional performance tier hint for create_volume.
type VolumePerf string

// CatalogEntry is one row returned by fetch_catalog (§4.1).
type CatalogEntry struct {
	Code            string
	Name            string
	CostPerHour     float64
	CPUCount        int
	RAMGB           int
	GPUCount        int
	VRAMPerGPUGB    int
	BandwidthBPS    int64
}

// InstanceListing is one row returned by list_instances (§4.1).
type InstanceListing struct {
	ProviderInstanceID string
	Name               string
	Status             string
	Address            *string
	CreatedAt          time.Time
}

// Adapter is the uniform interface every cloud provider implementation
// satisfies (§4.1). All calls carry ctx with the caller's connect/overall
// deadlines already applied; implementations must not silently extend
// them.
type Adapter interface {
	// Code identifies the adapter for dispatch and logging (e.g. "generic",
	// "mock"). The Health Prober recognizes the mock provider by this code
	// to skip real probing (§4.4).
	Code() string

	CreateInstance(ctx context.Context, zone Zone, params CreateParams) (providerInstanceID string, err error)
	StartInstance(ctx context.Context, zone Zone, id string) error
	GetInstanceIP(ctx context.Context, zone Zone, id string) (address *string, err error)
	SetCloudInit(ctx context.Context, zone Zone, id string, userData string) error
	EnsureInboundTCPPorts(ctx context.Context, zone Zone, id string, ports []int) error
	TerminateInstance(ctx context.Context, zone Zone, id string) error
	CheckInstanceExists(ctx context.Context, zone Zone, id string) (bool, error)

	CreateVolume(ctx context.Context, zone Zone, name string, sizeBytes int64, kind VolumeKind, perf VolumePerf) (volumeID string, err error)
	AttachVolume(ctx context.Context, zone Zone, serverID, volumeID string, deleteOnTerminate bool) error
	DeleteVolume(ctx context.Context, zone Zone, volumeID string) error

	// ResolveBootImage discovers a boot image for instanceType, returning a
	// "diskless-compatible" image when the family demands one (§4.1).
	ResolveBootImage(ctx context.Context, zone Zone, instanceType string) (imageID string, err error)

	ListInstances(ctx context.Context, zone Zone) ([]InstanceListing, error)
	FetchCatalog(ctx context.Context, zone Zone) ([]CatalogEntry, error)
}

// Timeouts are the pinned connect/overall timeouts for provider control
// calls (§4.1).
const (
	ConnectTimeout = 5 * time.Second
	CallTimeout    = 20 * time.Second
)

// StartRetrySteps is the pinned bounded-retry backoff schedule for
// start_instance's "volumes not yet usable" transient precondition
// (§4.1): 0.5s, 1s, 2s, 3s, 5s, capped at 5s, 60s total budget.
func StartRetrySteps() []time.Duration {
	return []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		5 * time.Second,
	}
}

// StartRetryBudget is the total time budget for the start_instance
// transient retry loop.
const StartRetryBudget = 60 * time.Second
