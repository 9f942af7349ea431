// Package provisioning is the Provisioning Worker (§4.3): it consumes
// CMD:PROVISION commands and drives a new instance from a catalog
// reference through to booting, persisting a handle to the provider's
// resource at the earliest safe point so later failures can clean up.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/eventbus"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/internal/workertype"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/metrics"
)

const (
	ipPollAttempts = 5
	ipPollInterval = 2 * time.Second
)

// ProviderResolver looks up the adapter for a provider code.
type ProviderResolver func(code string) (provider.Adapter, bool)

// Worker is the Provisioning Worker.
type Worker struct {
	repo      *store.Repository
	catalog   *catalog.Resolver
	machine   *statemachine.Machine
	bus       eventbus.Bus
	providers ProviderResolver
	cfg       config.ProvisioningConfig

	sshPublicKey string
}

// New builds a Worker, reading the operator SSH public key from
// cfg.SSHPublicKeyPath once at construction.
func New(repo *store.Repository, resolver *catalog.Resolver, machine *statemachine.Machine, bus eventbus.Bus, providers ProviderResolver, cfg config.ProvisioningConfig) (*Worker, error) {
	key, err := os.ReadFile(cfg.SSHPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("provisioning: read ssh public key: %w", err)
	}
	return &Worker{
		repo:         repo,
		catalog:      resolver,
		machine:      machine,
		bus:          bus,
		providers:    providers,
		cfg:          cfg,
		sshPublicKey: string(key),
	}, nil
}

// Run subscribes to the command bus and processes CMD:PROVISION
// envelopes until ctx is cancelled; other command types are acked
// as no-ops so their stream offset advances for this consumer group.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.ConsumeCommands(ctx, func(ctx context.Context, cmd eventbus.Command) error {
		if cmd.Type != eventbus.CmdProvision {
			return nil
		}
		return w.handle(ctx, cmd)
	})
}

func (w *Worker) handle(ctx context.Context, cmd eventbus.Command) error {
	correlationID := cmd.CorrelationID
	instanceID := cmd.InstanceID

	entryID, err := audit.LogStart(ctx, "provisioning-worker", "provision_instance", audit.ActionProvision, instanceID, map[string]any{
		"correlation_id": correlationID,
	})
	started := time.Now()
	if err != nil {
		return fmt.Errorf("provisioning: log_start failed: %w", err)
	}

	failWith := func(code apperror.ErrorCode, stage string, cause error) error {
		msg := cause.Error()
		if tErr := w.machine.TransitionToProvisioningFailed(ctx, instanceID, code, msg); tErr != nil {
			_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("%s: transition failed: %v", stage, tErr))
			return tErr
		}
		metrics.Get().RecordProvisioningFailure(w.providerCodeOrUnknown(ctx, cmd.ProviderID), string(code))
		return audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), fmt.Sprintf("%s: %v", stage, cause))
	}

	// Step 1: re-validate catalog references.
	validated, err := w.catalog.ValidateDeployment(ctx, catalog.DeploymentRequest{
		ProviderID:     cmd.ProviderID,
		ZoneID:         cmd.ZoneID,
		InstanceTypeID: cmd.InstanceTypeID,
		ModelID:        cmd.ModelID,
	})
	if err != nil {
		return failWith(apperror.Code(err), "validate_deployment", err)
	}

	adapter, ok := w.providers(validated.Provider.Code)
	if !ok {
		return failWith(apperror.CodeInvalidProvider, "resolve_provider_adapter", fmt.Errorf("no adapter registered for provider %q", validated.Provider.Code))
	}
	zone := provider.Zone(validated.Zone.Code)

	// Step 2: idempotence guard.
	inst, err := w.repo.Get(ctx, instanceID)
	if err != nil {
		return failWith(apperror.CodeCatalogInconsistent, "load_instance", err)
	}
	if inst.ProviderInstanceID != nil && *inst.ProviderInstanceID != "" {
		if addr, ipErr := adapter.GetInstanceIP(ctx, zone, *inst.ProviderInstanceID); ipErr == nil {
			_ = w.repo.SetAddress(ctx, instanceID, addr)
		}
		if inst.Status == store.StatusProvisioning {
			if err := w.machine.TransitionToBooting(ctx, instanceID); err != nil {
				return failWith(apperror.CodeCatalogInconsistent, "advance_idempotent", err)
			}
		}
		return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "")
	}

	eligible := workertype.Eligible(validated.InstanceType.Code, w.cfg.WorkerEligiblePatterns)

	// Step 3: resolve boot image.
	bootImage := ""
	if validated.InstanceType.BootImageID != nil && *validated.InstanceType.BootImageID != "" {
		bootImage = *validated.InstanceType.BootImageID
	} else {
		resolveEntryID, _ := audit.LogStart(ctx, "provisioning-worker", "resolve_boot_image", audit.ActionProvision, instanceID, nil)
		resolveStart := time.Now()
		img, err := adapter.ResolveBootImage(ctx, zone, validated.InstanceType.Code)
		if err != nil {
			_ = audit.LogComplete(ctx, resolveEntryID, audit.OutcomeFailure, time.Since(resolveStart), err.Error())
			code := apperror.Code(err)
			if code == apperror.CodeInternal {
				code = apperror.CodeDisklessBootImageResolveFailed
			}
			return failWith(code, "resolve_boot_image", err)
		}
		_ = audit.LogComplete(ctx, resolveEntryID, audit.OutcomeSuccess, time.Since(resolveStart), "")
		bootImage = img
	}

	// Step 4: build cloud-init user-data.
	modelExternalID := ""
	if validated.Model != nil {
		modelExternalID = validated.Model.ModelID
	}
	userData, err := renderCloudInit(CloudInitParams{
		SSHPublicKey:             w.sshPublicKey,
		WorkerEligible:           eligible,
		ModelExternalID:          modelExternalID,
		EnginePort:               w.cfg.EnginePort,
		HealthPort:               w.cfg.HealthPort,
		HeartbeatIntervalSeconds: int(w.cfg.HeartbeatInterval.Seconds()),
		WorkerAuthToken:          w.cfg.WorkerAuthToken,
	})
	if err != nil {
		return failWith(apperror.CodeInternal, "render_cloud_init", err)
	}

	// Step 5: create_instance, persisting provider_instance_id immediately.
	createEntryID, _ := audit.LogStart(ctx, "provisioning-worker", "create_instance", audit.ActionProvision, instanceID, map[string]any{"correlation_id": correlationID})
	createStart := time.Now()
	providerInstanceID, err := adapter.CreateInstance(ctx, zone, provider.CreateParams{
		InstanceType: validated.InstanceType.Code,
		BootImage:    bootImage,
		UserData:     userData,
	})
	if err != nil {
		_ = audit.LogComplete(ctx, createEntryID, audit.OutcomeFailure, time.Since(createStart), err.Error())
		return failWith(apperror.CodeProviderCreateFailed, "create_instance", err)
	}
	if err := w.repo.SetProviderInstanceID(ctx, instanceID, providerInstanceID); err != nil {
		_ = audit.LogComplete(ctx, createEntryID, audit.OutcomeFailure, time.Since(createStart), err.Error())
		return failWith(apperror.CodeInternal, "persist_provider_instance_id", err)
	}
	_ = audit.LogComplete(ctx, createEntryID, audit.OutcomeSuccess, time.Since(createStart), "")

	cleanup := func(reason string) {
		_ = adapter.TerminateInstance(ctx, zone, providerInstanceID)
		_ = w.machine.TransitionToTerminating(ctx, instanceID, &reason)
	}

	// Step 6: optional data volume.
	if validated.Model != nil && (validated.Model.DataVolumeGB > 0 || w.cfg.DefaultDataVolumeGB > 0) {
		sizeGB := validated.Model.DataVolumeGB
		if sizeGB <= 0 {
			sizeGB = w.cfg.DefaultDataVolumeGB
		}
		volEntryID, _ := audit.LogStart(ctx, "provisioning-worker", "create_volume", audit.ActionProvision, instanceID, nil)
		volStart := time.Now()
		volumeID, err := adapter.CreateVolume(ctx, zone, instanceID+"-data", int64(sizeGB)<<30, provider.VolumeKindSSD, "")
		if err != nil {
			_ = audit.LogComplete(ctx, volEntryID, audit.OutcomeFailure, time.Since(volStart), err.Error())
			cleanup("volume_create_failed")
			return failWith(apperror.CodeProviderVolumeCreateFailed, "create_volume", err)
		}
		if _, err := w.repo.InsertVolume(ctx, &store.Volume{
			InstanceID:        instanceID,
			ProviderVolumeID:  &volumeID,
			ZoneID:            validated.Zone.ID,
			VolumeType:        string(provider.VolumeKindSSD),
			SizeBytes:         int64(sizeGB) << 30,
			DeleteOnTerminate: true,
			Status:            store.VolumeStatusCreating,
		}); err != nil {
			_ = audit.LogComplete(ctx, volEntryID, audit.OutcomeFailure, time.Since(volStart), err.Error())
			cleanup("volume_record_failed")
			return failWith(apperror.CodeInternal, "record_volume", err)
		}
		if err := adapter.AttachVolume(ctx, zone, providerInstanceID, volumeID, true); err != nil {
			_ = audit.LogComplete(ctx, volEntryID, audit.OutcomeFailure, time.Since(volStart), err.Error())
			_ = adapter.DeleteVolume(ctx, zone, volumeID)
			cleanup("volume_attach_failed")
			return failWith(apperror.CodeProviderVolumeAttachFailed, "attach_volume", err)
		}
		_ = audit.LogComplete(ctx, volEntryID, audit.OutcomeSuccess, time.Since(volStart), "")
	}

	// Step 7: open inbound ports (idempotent).
	if err := adapter.EnsureInboundTCPPorts(ctx, zone, providerInstanceID, []int{w.cfg.EnginePort, w.cfg.HealthPort}); err != nil {
		cleanup("port_open_failed")
		return failWith(apperror.CodeInternal, "ensure_inbound_tcp_ports", err)
	}

	// Step 8: start_instance with bounded retry.
	startEntryID, _ := audit.LogStart(ctx, "provisioning-worker", "start_instance", audit.ActionProvision, instanceID, nil)
	startStart := time.Now()
	if err := adapter.StartInstance(ctx, zone, providerInstanceID); err != nil {
		_ = audit.LogComplete(ctx, startEntryID, audit.OutcomeFailure, time.Since(startStart), err.Error())
		cleanup("start_failed")
		return failWith(apperror.CodeProviderStartFailed, "start_instance", err)
	}
	_ = audit.LogComplete(ctx, startEntryID, audit.OutcomeSuccess, time.Since(startStart), "")

	// Step 9: poll for IP, persist, transition to booting.
	var address *string
	for attempt := 0; attempt < ipPollAttempts; attempt++ {
		addr, err := adapter.GetInstanceIP(ctx, zone, providerInstanceID)
		if err == nil && addr != nil {
			address = addr
			break
		}
		if attempt < ipPollAttempts-1 {
			time.Sleep(ipPollInterval)
		}
	}
	if err := w.repo.SetAddress(ctx, instanceID, address); err != nil {
		return failWith(apperror.CodeInternal, "persist_address", err)
	}
	if err := w.repo.SetBootStarted(ctx, instanceID, time.Now()); err != nil {
		return failWith(apperror.CodeInternal, "persist_boot_started", err)
	}
	if err := w.machine.TransitionToBooting(ctx, instanceID); err != nil {
		var illegal *statemachine.IllegalTransitionError
		if !errors.As(err, &illegal) {
			return failWith(apperror.CodeInternal, "transition_to_booting", err)
		}
	}

	// Step 10: emit FinOps cost-start event.
	if err := w.bus.PublishFinOpsEvent(ctx, eventbus.FinOpsEvent{
		EventID:    instanceID + ":cost_start",
		OccurredAt: time.Now(),
		EventType:  eventbus.EventInstanceCostStart,
		Source:     "provisioning-worker",
		Payload: eventbus.FinOpsPayload{
			InstanceID:         instanceID,
			ProviderID:         validated.Provider.ID,
			ProviderInstanceID: &providerInstanceID,
		},
	}); err != nil {
		// Best-effort: failure to emit the cost event does not fail
		// provisioning itself (§4.3 step 10 has no rollback semantics).
		_ = audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "", map[string]any{
			"cost_start_publish_error": err.Error(),
		})
		metrics.Get().RecordProvisioning(validated.Provider.Code, validated.InstanceType.Code, time.Since(started))
		return nil
	}

	metrics.Get().RecordProvisioning(validated.Provider.Code, validated.InstanceType.Code, time.Since(started))
	return audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "")
}

func (w *Worker) providerCodeOrUnknown(ctx context.Context, providerID int64) string {
	p, err := w.catalog.Provider(ctx, providerID)
	if err != nil {
		return "unknown"
	}
	return p.Code
}
