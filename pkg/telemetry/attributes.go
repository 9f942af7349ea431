package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys
const (
	// Provisioning (§4.3)
	AttrInstanceID   = "instance.id"
	AttrProvider     = "provider.name"
	AttrInstanceType = "instance.type"
	AttrRetryAttempt = "provisioning.retry_attempt"

	// Health / bootstrap (§4.4)
	AttrHealthCheck     = "health.check"
	AttrHealthPassed    = "health.passed"
	AttrBootstrapPhase  = "bootstrap.phase"
	AttrBootstrapResult = "bootstrap.result"

	// Reconciliation (§4.6)
	AttrSweepName  = "reconcile.sweep"
	AttrRowsClaims = "reconcile.rows_claimed"

	// Routing (§4.7)
	AttrModelID    = "routing.model_id"
	AttrSessionKey = "routing.session_key"
	AttrWorkerID   = "routing.worker_id"
)

// ProvisioningAttributes returns the attributes describing one provisioning
// pipeline run.
func ProvisioningAttributes(instanceID, provider, instanceType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrInstanceID, instanceID),
		attribute.String(AttrProvider, provider),
		attribute.String(AttrInstanceType, instanceType),
	}
}

// HealthCheckAttributes returns the attributes describing one health probe.
func HealthCheckAttributes(check string, passed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrHealthCheck, check),
		attribute.Bool(AttrHealthPassed, passed),
	}
}

// ReconcileAttributes returns the attributes describing one reconciliation
// sweep pass.
func ReconcileAttributes(sweep string, rowsClaimed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSweepName, sweep),
		attribute.Int(AttrRowsClaims, rowsClaimed),
	}
}

// RoutingAttributes returns the attributes describing one routing lookup.
func RoutingAttributes(modelID, sessionKey, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModelID, modelID),
		attribute.String(AttrSessionKey, sessionKey),
		attribute.String(AttrWorkerID, workerID),
	}
}
