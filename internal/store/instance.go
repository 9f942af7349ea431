// Package store is the repository layer over the instances and
// attached_volumes tables (§3.1). It owns no business rules. Status
// changes, terminated_at, failed_at and health_check_failures are written
// only by the Instance State Machine (internal/statemachine) through
// ApplyTransition. error_code and error_message are written by the state
// machine and also directly by SetError; last_reconciliation is written by
// the state machine and also directly by TouchReconciliation and
// TouchReconciliationTx. Other components write only the narrow fields
// they own (e.g. the provisioning worker's provider_instance_id, the
// health prober's worker runtime fields).
package store

import (
	"time"
)

// Status is an instance's lifecycle state (§3.1, §4.2).
type Status string

const (
	StatusProvisioning       Status = "provisioning"
	StatusBooting            Status = "booting"
	StatusInstalling         Status = "installing"
	StatusStarting           Status = "starting"
	StatusReady              Status = "ready"
	StatusTerminating        Status = "terminating"
	StatusTerminated         Status = "terminated"
	StatusArchived           Status = "archived"
	StatusProvisioningFailed Status = "provisioning_failed"
	StatusStartupFailed      Status = "startup_failed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether s is a terminal status. archived is reachable
// only from terminated (§3.1 invariant).
func (s Status) Terminal() bool {
	switch s {
	case StatusTerminated, StatusArchived:
		return true
	default:
		return false
	}
}

// BootingFamily reports whether s is one of the sub-phases the health
// prober watches (§4.4): booting, or its installing/starting sub-phases.
func (s Status) BootingFamily() bool {
	switch s {
	case StatusBooting, StatusInstalling, StatusStarting:
		return true
	default:
		return false
	}
}

// Instance is the central aggregate (§3.1).
type Instance struct {
	ID                 string
	ProviderID         int64
	ZoneID             int64
	InstanceTypeID     int64
	ModelID            *int64
	Status             Status
	ProviderInstanceID *string
	Address            *string
	ErrorCode          *string
	ErrorMessage       *string

	CreatedAt          time.Time
	BootStartedAt      *time.Time
	TerminatedAt       *time.Time
	FailedAt           *time.Time
	LastHealthCheck    *time.Time
	LastReconciliation *time.Time

	HealthCheckFailures int
	DeletionReason      *string
	Archived            bool

	// Worker runtime fields, written by the heartbeat handler (§6.3) and by
	// the health prober on the ready transition (§4.4).
	WorkerStatus     *string
	LastHeartbeat    *time.Time
	ServedModelID    *string
	QueueDepth       *int
	GPUUtilization   *float64
	HealthPort       *int
	EnginePort       *int
	WorkerMetadata   map[string]any
}

// Volume is an attached block-storage volume (§3.1).
type Volume struct {
	ID                int64
	InstanceID        string
	ProviderVolumeID  *string
	ZoneID            int64
	VolumeType        string
	SizeBytes         int64
	IsBoot            bool
	Status            string
	DeleteOnTerminate bool

	CreatedAt          time.Time
	AttachedAt         *time.Time
	DeletedAt          *time.Time
	ReconciledAt       *time.Time
	LastReconciliation *time.Time
	ErrorMessage       *string
}

const (
	VolumeStatusCreating = "creating"
	VolumeStatusAttached = "attached"
	VolumeStatusDetached = "detached"
	VolumeStatusDeleted  = "deleted"
	VolumeStatusFailed   = "failed"
)
