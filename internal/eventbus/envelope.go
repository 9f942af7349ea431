// Package eventbus implements the two logical pub/sub channels of §4.8:
// orchestrator_events carries command envelopes the Provisioning and
// Terminator workers consume; finops_events carries cost domain events
// the Cost Event Emitter publishes. Delivery is at-least-once; consumers
// must be idempotent (§4.8, §5).
package eventbus

import "time"

// CommandType is one of the command envelope types on orchestrator_events
// (§6.1).
type CommandType string

const (
	CmdProvision CommandType = "CMD:PROVISION"
	CmdTerminate CommandType = "CMD:TERMINATE"
	CmdReinstall CommandType = "CMD:REINSTALL"
)

// Command is the envelope published/consumed on orchestrator_events
// (§6.1). Fields not relevant to Type are left zero-valued.
type Command struct {
	Type           CommandType `json:"type"`
	InstanceID     string      `json:"instance_id"`
	ProviderID     int64       `json:"provider_id,omitempty"`
	ZoneID         int64       `json:"zone_id,omitempty"`
	InstanceTypeID int64       `json:"instance_type_id,omitempty"`
	ModelID        *int64      `json:"model_id,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
}

// FinOpsEventType is one of the domain event types on finops_events
// (§6.2, §4.8).
type FinOpsEventType string

const (
	EventInstanceCostStart FinOpsEventType = "InstanceCostStart"
	EventInstanceCostStop  FinOpsEventType = "InstanceCostStop"
)

// FinOpsPayload is the event-specific body of a FinOps event (§6.2).
type FinOpsPayload struct {
	InstanceID         string  `json:"instance_id"`
	ProviderID         int64   `json:"provider_id"`
	ProviderInstanceID *string `json:"provider_instance_id,omitempty"`
	Reason             *string `json:"reason,omitempty"`
	Note               *string `json:"note,omitempty"`
}

// FinOpsEvent is the envelope published/consumed on finops_events (§6.2).
// EventID is the idempotence key FinOps consumers dedupe on (§4.8).
type FinOpsEvent struct {
	EventID    string          `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  FinOpsEventType `json:"event_type"`
	Source     string          `json:"source"`
	Payload    FinOpsPayload   `json:"payload"`
}
