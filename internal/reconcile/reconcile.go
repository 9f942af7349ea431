// Package reconcile runs the four cooperating reconciliation sweeps of
// §4.6: orphan import, zombie detection, stuck-state recovery, and
// volume reconciliation. The stuck-state sweep claims its rows with
// row-level locking and "skip locked" semantics; the orphan-import,
// zombie-detection and volume sweeps take no row locks.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/metrics"
)

const claimBatchSize = 100

// ProviderResolver looks up the adapter for a provider code.
type ProviderResolver func(code string) (provider.Adapter, bool)

// Jobs runs the four sweeps on a shared ticker.
type Jobs struct {
	repo      *store.Repository
	catalog   *catalog.Resolver
	machine   *statemachine.Machine
	providers ProviderResolver
	cfg       config.ReconcileConfig
	log       *slog.Logger
}

// New builds Jobs.
func New(repo *store.Repository, resolver *catalog.Resolver, machine *statemachine.Machine, providers ProviderResolver, cfg config.ReconcileConfig, log *slog.Logger) *Jobs {
	return &Jobs{repo: repo, catalog: resolver, machine: machine, providers: providers, cfg: cfg, log: log}
}

// Run ticks every cfg.TickInterval, running all four sweeps concurrently
// each tick, until ctx is cancelled.
func (j *Jobs) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.runAll(ctx)
		}
	}
}

func (j *Jobs) runAll(ctx context.Context) {
	sweeps := []struct {
		name string
		fn   func(context.Context) int
	}{
		{"orphan_import", j.orphanImport},
		{"zombie_detection", j.zombieDetection},
		{"stuck_state_recovery", j.stuckStateRecovery},
		{"volume_reconciliation", j.volumeReconciliation},
	}
	var wg errgroup.Group
	for _, s := range sweeps {
		s := s
		wg.Go(func() error {
			start := time.Now()
			n := s.fn(ctx)
			metrics.Get().RecordReconcileSweep(s.name, time.Since(start), n)
			return nil
		})
	}
	_ = wg.Wait()
}

// orphanImport lists provider instances per active zone and inserts a
// provisioning row for any with no DB counterpart (§4.6.1).
func (j *Jobs) orphanImport(ctx context.Context) int {
	providers, err := j.catalog.ActiveProviders(ctx)
	if err != nil {
		j.log.Error("reconcile: orphan_import: list active providers failed", "error", err)
		return 0
	}

	var imported int64
	var g errgroup.Group
	g.SetLimit(j.cfg.SweepWorkerConcurrency)
	for _, p := range providers {
		p := p
		adapter, ok := j.providers(p.Code)
		if !ok {
			continue
		}
		zones, err := j.catalog.ActiveZones(ctx, p.ID)
		if err != nil {
			j.log.Error("reconcile: orphan_import: list active zones failed", "provider", p.Code, "error", err)
			continue
		}
		for _, z := range zones {
			z := z
			g.Go(func() error {
				n := j.orphanImportZone(ctx, p, adapter, z)
				atomic.AddInt64(&imported, int64(n))
				return nil
			})
		}
	}
	_ = g.Wait()
	return int(imported)
}

func (j *Jobs) orphanImportZone(ctx context.Context, p *catalog.Provider, adapter provider.Adapter, z *catalog.Zone) int {
	listing, err := adapter.ListInstances(ctx, provider.Zone(z.Code))
	if err != nil {
		j.log.Error("reconcile: orphan_import: list_instances failed", "provider", p.Code, "zone", z.Code, "error", err)
		return 0
	}
	imported := 0
	for _, entry := range listing {
		_, err := j.repo.GetByProviderInstanceID(ctx, p.ID, entry.ProviderInstanceID)
		if err == nil {
			continue // already tracked
		}
		if err != store.ErrNotFound {
			j.log.Error("reconcile: orphan_import: lookup failed", "provider_instance_id", entry.ProviderInstanceID, "error", err)
			continue
		}

		instanceType, itErr := j.catalog.InstanceTypeByCode(ctx, p.ID, entry.Name)
		if itErr != nil {
			j.log.Warn("reconcile: orphan_import: cannot resolve instance type for orphan, skipping", "provider", p.Code, "zone", z.Code, "provider_instance_id", entry.ProviderInstanceID, "error", itErr)
			continue
		}

		entryID, _ := audit.LogStart(ctx, "reconcile-jobs", "orphan_import", audit.ActionReconcile, "", map[string]any{
			"provider_instance_id": entry.ProviderInstanceID,
			"zone":                 z.Code,
		})
		start := time.Now()

		providerInstanceID := entry.ProviderInstanceID
		id, err := j.repo.Insert(ctx, &store.Instance{
			ProviderID:         p.ID,
			ZoneID:             z.ID,
			InstanceTypeID:     instanceType.ID,
			Status:             store.StatusProvisioning,
			ProviderInstanceID: &providerInstanceID,
			Address:            entry.Address,
		})
		if err != nil {
			_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(start), err.Error())
			continue
		}
		_ = audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeSuccess, time.Since(start), "", map[string]any{"instance_id": id})
		j.log.Warn("reconcile: imported orphaned provider instance", "instance_id", id, "provider_instance_id", entry.ProviderInstanceID, "zone", z.Code)
		imported++
	}
	return imported
}

// zombieDetection reactivates DB rows the provider still reports running
// while the DB believes they are terminated/archived (§4.6.2).
func (j *Jobs) zombieDetection(ctx context.Context) int {
	providers, err := j.catalog.ActiveProviders(ctx)
	if err != nil {
		j.log.Error("reconcile: zombie_detection: list active providers failed", "error", err)
		return 0
	}
	reactivated := 0
	for _, p := range providers {
		adapter, ok := j.providers(p.Code)
		if !ok {
			continue
		}
		zones, err := j.catalog.ActiveZones(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, z := range zones {
			listing, err := adapter.ListInstances(ctx, provider.Zone(z.Code))
			if err != nil {
				j.log.Error("reconcile: zombie_detection: list_instances failed", "provider", p.Code, "zone", z.Code, "error", err)
				continue
			}
			for _, entry := range listing {
				if entry.Status != "running" {
					continue
				}
				inst, err := j.repo.GetByProviderInstanceID(ctx, p.ID, entry.ProviderInstanceID)
				if err != nil {
					continue
				}
				if inst.Status != store.StatusTerminated && inst.Status != store.StatusArchived {
					continue
				}
				j.log.Warn("reconcile: zombie instance detected, reactivating", "instance_id", inst.ID, "provider_instance_id", entry.ProviderInstanceID, "db_status", inst.Status)
				entryID, _ := audit.LogStart(ctx, "reconcile-jobs", "zombie_detection", audit.ActionReconcile, inst.ID, map[string]any{"previous_status": string(inst.Status)})
				start := time.Now()
				if err := j.machine.ReactivateZombie(ctx, inst.ID); err != nil {
					_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(start), err.Error())
					continue
				}
				_ = audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(start), "")
				reactivated++
			}
		}
	}
	return reactivated
}

// stuckStateRecovery re-verifies terminating rows whose last
// reconciliation is stale, moving confirmed-deleted ones to terminated
// (§4.6.3).
func (j *Jobs) stuckStateRecovery(ctx context.Context) int {
	olderThan := time.Now().Add(-j.cfg.StuckTerminatingAfter)
	claimed, err := j.claimStuckTerminating(ctx, olderThan)
	if err != nil {
		j.log.Error("reconcile: stuck_state_recovery: claim failed", "error", err)
		return 0
	}

	var recovered int64
	var g errgroup.Group
	g.SetLimit(j.cfg.SweepWorkerConcurrency)
	for _, inst := range claimed {
		inst := inst
		g.Go(func() error {
			if j.recoverStuck(ctx, inst) {
				atomic.AddInt64(&recovered, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(recovered)
}

func (j *Jobs) recoverStuck(ctx context.Context, inst *store.Instance) bool {
	if inst.ProviderInstanceID == nil {
		return j.machine.TransitionToTerminated(ctx, inst.ID) == nil
	}
	zoneRow, err := j.catalog.Zone(ctx, inst.ZoneID)
	if err != nil {
		_ = j.repo.TouchReconciliation(ctx, inst.ID, time.Now())
		return false
	}
	prov, err := j.catalog.Provider(ctx, inst.ProviderID)
	if err != nil {
		_ = j.repo.TouchReconciliation(ctx, inst.ID, time.Now())
		return false
	}
	adapter, ok := j.providers(prov.Code)
	if !ok {
		_ = j.repo.TouchReconciliation(ctx, inst.ID, time.Now())
		return false
	}

	entryID, _ := audit.LogStart(ctx, "reconcile-jobs", "stuck_state_recovery", audit.ActionReconcile, inst.ID, nil)
	start := time.Now()

	exists, err := adapter.CheckInstanceExists(ctx, provider.Zone(zoneRow.Code), *inst.ProviderInstanceID)
	if err != nil {
		_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(start), err.Error())
		_ = j.repo.TouchReconciliation(ctx, inst.ID, time.Now())
		return false
	}
	if exists {
		_ = audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(start), "still present, deferred")
		_ = j.repo.TouchReconciliation(ctx, inst.ID, time.Now())
		return false
	}
	if err := j.machine.TransitionToTerminated(ctx, inst.ID); err != nil {
		_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(start), err.Error())
		return false
	}
	_ = audit.LogComplete(ctx, entryID, audit.OutcomeSuccess, time.Since(start), "confirmed deleted")
	return true
}

// volumeReconciliation re-verifies volumes marked deleted but not yet
// confirmed with the provider (§4.6.4).
func (j *Jobs) volumeReconciliation(ctx context.Context) int {
	olderThan := time.Now().Add(-j.cfg.StuckTerminatingAfter)
	volumes, err := j.repo.ListUnreconciledDeletedVolumes(ctx, olderThan, claimBatchSize)
	if err != nil {
		j.log.Error("reconcile: volume_reconciliation: list failed", "error", err)
		return 0
	}

	var reconciled int64
	var g errgroup.Group
	g.SetLimit(j.cfg.SweepWorkerConcurrency)
	for _, v := range volumes {
		v := v
		g.Go(func() error {
			if j.recoverVolume(ctx, v) {
				atomic.AddInt64(&reconciled, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(reconciled)
}

func (j *Jobs) recoverVolume(ctx context.Context, v *store.Volume) bool {
	inst, err := j.repo.Get(ctx, v.InstanceID)
	if err != nil {
		return false
	}
	zoneRow, err := j.catalog.Zone(ctx, v.ZoneID)
	if err != nil {
		_ = j.repo.TouchVolumeReconciliation(ctx, v.ID, time.Now(), strPtr(err.Error()))
		return false
	}
	prov, err := j.catalog.Provider(ctx, inst.ProviderID)
	if err != nil {
		_ = j.repo.TouchVolumeReconciliation(ctx, v.ID, time.Now(), strPtr(err.Error()))
		return false
	}
	adapter, ok := j.providers(prov.Code)
	if !ok || v.ProviderVolumeID == nil {
		return false
	}

	if err := adapter.DeleteVolume(ctx, provider.Zone(zoneRow.Code), *v.ProviderVolumeID); err != nil {
		if apperror.Code(err) == apperror.CodeNotFound {
			_ = j.repo.MarkVolumeReconciled(ctx, v.ID, time.Now())
			return true
		}
		_ = j.repo.TouchVolumeReconciliation(ctx, v.ID, time.Now(), strPtr(err.Error()))
		return false
	}
	_ = j.repo.MarkVolumeReconciled(ctx, v.ID, time.Now())
	return true
}

func strPtr(s string) *string { return &s }

func (j *Jobs) claimStuckTerminating(ctx context.Context, olderThan time.Time) ([]*store.Instance, error) {
	var claimed []*store.Instance
	err := j.repo.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := j.repo.ClaimStuckTerminating(ctx, tx, olderThan, claimBatchSize)
		if err != nil {
			return err
		}
		claimed = rows
		now := time.Now()
		for _, inst := range rows {
			if err := j.repo.TouchReconciliationTx(ctx, tx, inst.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim stuck terminating: %w", err)
	}
	return claimed, nil
}
