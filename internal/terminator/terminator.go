// Package terminator is the Terminator Worker (§4.5): it consumes
// CMD:TERMINATE commands, drives an instance through provider deletion
// with a bounded verify loop, and cleans up its attached volumes.
package terminator

import (
	"context"
	"fmt"
	"time"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/eventbus"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/config"
)

const verifyPollInterval = 5 * time.Second

// ProviderResolver looks up the adapter for a provider code.
type ProviderResolver func(code string) (provider.Adapter, bool)

// Worker is the Terminator Worker.
type Worker struct {
	repo      *store.Repository
	catalog   *catalog.Resolver
	machine   *statemachine.Machine
	bus       eventbus.Bus
	providers ProviderResolver
	cfg       config.TerminatorConfig
}

// New builds a Worker.
func New(repo *store.Repository, resolver *catalog.Resolver, machine *statemachine.Machine, bus eventbus.Bus, providers ProviderResolver, cfg config.TerminatorConfig) *Worker {
	return &Worker{repo: repo, catalog: resolver, machine: machine, bus: bus, providers: providers, cfg: cfg}
}

// Run subscribes to the command bus and processes CMD:TERMINATE envelopes
// until ctx is cancelled; other command types are acked as no-ops.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.ConsumeCommands(ctx, func(ctx context.Context, cmd eventbus.Command) error {
		if cmd.Type != eventbus.CmdTerminate {
			return nil
		}
		return w.handle(ctx, cmd)
	})
}

func (w *Worker) handle(ctx context.Context, cmd eventbus.Command) error {
	instanceID := cmd.InstanceID
	entryID, err := audit.LogStart(ctx, "terminator-worker", "terminate_instance", audit.ActionProvision, instanceID, map[string]any{
		"correlation_id": cmd.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("terminator: log_start failed: %w", err)
	}
	started := time.Now()

	// Step 1: already terminated.
	inst, err := w.repo.Get(ctx, instanceID)
	if err != nil {
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("load_instance: %v", err))
	}
	if inst.Status == store.StatusTerminated {
		return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "")
	}

	// Step 2: no provider resource ever created.
	if inst.ProviderInstanceID == nil || *inst.ProviderInstanceID == "" {
		reason := "no_provider_resource"
		if err := w.machine.TransitionToTerminating(ctx, instanceID, &reason); err != nil {
			return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("transition_to_terminating: %v", err))
		}
		if err := w.machine.TransitionToTerminated(ctx, instanceID); err != nil {
			return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("transition_to_terminated: %v", err))
		}
		return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "")
	}

	// Step 3: zone must resolve, else leave terminating for reconciliation.
	zoneRow, err := w.catalog.Zone(ctx, inst.ZoneID)
	if err != nil {
		_ = w.machine.TransitionToTerminating(ctx, instanceID, nil)
		_ = w.repo.SetError(ctx, instanceID, apperror.CodeMissingZone, "zone is missing from the catalog")
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("resolve_zone: %v", err))
	}
	prov, err := w.catalog.Provider(ctx, inst.ProviderID)
	if err != nil {
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("resolve_provider: %v", err))
	}
	adapter, ok := w.providers(prov.Code)
	if !ok {
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("no adapter registered for provider %q", prov.Code))
	}
	zone := provider.Zone(zoneRow.Code)

	// Step 4: transition to terminating, null last_reconciliation.
	if err := w.machine.TransitionToTerminating(ctx, instanceID, nil); err != nil {
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("transition_to_terminating: %v", err))
	}

	// Step 5: terminate_instance, then verify loop.
	termEntryID, _ := audit.LogStart(ctx, "terminator-worker", "terminate_instance_provider_call", audit.ActionProvision, instanceID, nil)
	termStart := time.Now()
	if err := adapter.TerminateInstance(ctx, zone, *inst.ProviderInstanceID); err != nil {
		_ = audit.LogComplete(ctx, termEntryID, audit.OutcomeFailure, time.Since(termStart), err.Error())
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("terminate_instance: %v", err))
	}
	_ = audit.LogComplete(ctx, termEntryID, audit.OutcomeSuccess, time.Since(termStart), "")

	confirmed := w.verifyDeleted(ctx, adapter, zone, *inst.ProviderInstanceID)
	if !confirmed {
		// Step 6: verification timed out, leave terminating for reconciliation.
		return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "verification timed out, left for reconciliation")
	}

	if err := w.machine.TransitionToTerminated(ctx, instanceID); err != nil {
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("transition_to_terminated: %v", err))
	}

	// Step 7: clean up volumes marked delete_on_terminate.
	volumes, err := w.repo.ListVolumesByInstance(ctx, instanceID)
	if err != nil {
		_ = audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "", map[string]any{"volume_cleanup_error": err.Error()})
	} else {
		for _, v := range volumes {
			if !v.DeleteOnTerminate || v.Status == store.VolumeStatusDeleted || v.ProviderVolumeID == nil {
				continue
			}
			if err := adapter.DeleteVolume(ctx, zone, *v.ProviderVolumeID); err != nil {
				_ = w.repo.TouchVolumeReconciliation(ctx, v.ID, time.Now(), errString(err))
				continue
			}
			_ = w.repo.MarkVolumeDeleted(ctx, v.ID, time.Now())
		}
	}

	// Step 8: emit FinOps cost-stop event.
	if err := w.bus.PublishFinOpsEvent(ctx, eventbus.FinOpsEvent{
		EventID:    instanceID + ":cost_stop",
		OccurredAt: time.Now(),
		EventType:  eventbus.EventInstanceCostStop,
		Source:     "terminator-worker",
		Payload: eventbus.FinOpsPayload{
			InstanceID:         instanceID,
			ProviderID:         inst.ProviderID,
			ProviderInstanceID: inst.ProviderInstanceID,
		},
	}); err != nil {
		return audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "", map[string]any{
			"cost_stop_publish_error": err.Error(),
		})
	}

	return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "")
}

// verifyDeleted polls check_instance_exists every 5s for up to
// cfg.VerifyInterval (§4.5 step 5).
func (w *Worker) verifyDeleted(ctx context.Context, adapter provider.Adapter, zone provider.Zone, providerInstanceID string) bool {
	deadline := time.Now().Add(w.cfg.VerifyInterval)
	for time.Now().Before(deadline) {
		exists, err := adapter.CheckInstanceExists(ctx, zone, providerInstanceID)
		if err == nil && !exists {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(verifyPollInterval):
		}
	}
	return false
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
