// Package catalog is a read-only repository over providers, regions,
// zones, instance types, instance_type_zones, and models (§6.5), plus the
// validation logic the Provisioning Worker runs before ever touching a
// provider (§4.3 step 1). It never writes.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/database"
)

// Provider is a row in the providers table.
type Provider struct {
	ID       int64
	Code     string
	Name     string
	IsActive bool
}

// Zone is a row in the zones table, joined to its provider.
type Zone struct {
	ID         int64
	RegionID   int64
	ProviderID int64
	Code       string
	Name       string
	IsActive   bool
}

// InstanceType is a row in instance_types.
type InstanceType struct {
	ID               int64
	ProviderID       int64
	Code             string
	Name             string
	GPUCount         int
	VRAMPerGPUGB     int
	CPUCount         int
	RAMGB            int
	CostPerHour      float64
	BootImageID      *string
	AllocationParams []string
	IsActive         bool
}

// Model is a row in models.
type Model struct {
	ID             int64
	ModelID        string
	RequiredVRAMGB int
	ContextLength  int
	DataVolumeGB   int
	IsActive       bool
}

// Resolver is the read-only catalog view consumed by the Provisioning
// Worker, the Worker Routing Index, and the orphan-import reconciliation
// sweep.
type Resolver struct {
	db database.DB
}

// NewResolver builds a Resolver over db.
func NewResolver(db database.DB) *Resolver {
	return &Resolver{db: db}
}

// Provider fetches a provider by ID.
func (r *Resolver) Provider(ctx context.Context, id int64) (*Provider, error) {
	var p Provider
	err := r.db.QueryRow(ctx, `SELECT id, code, name, is_active FROM providers WHERE id = $1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch provider %d: %w", id, err)
	}
	return &p, nil
}

// ProviderByCode fetches a provider by its code (e.g. "mock", "generic").
func (r *Resolver) ProviderByCode(ctx context.Context, code string) (*Provider, error) {
	var p Provider
	err := r.db.QueryRow(ctx, `SELECT id, code, name, is_active FROM providers WHERE code = $1`, code).
		Scan(&p.ID, &p.Code, &p.Name, &p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch provider %q: %w", code, err)
	}
	return &p, nil
}

// Zone fetches a zone by ID.
func (r *Resolver) Zone(ctx context.Context, id int64) (*Zone, error) {
	var z Zone
	err := r.db.QueryRow(ctx, `SELECT id, region_id, provider_id, code, name, is_active FROM zones WHERE id = $1`, id).
		Scan(&z.ID, &z.RegionID, &z.ProviderID, &z.Code, &z.Name, &z.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch zone %d: %w", id, err)
	}
	return &z, nil
}

// ZoneByCode resolves a (provider_id, zone.code) pair, honoring the
// uniqueness constraint in §6.5.
func (r *Resolver) ZoneByCode(ctx context.Context, providerID int64, code string) (*Zone, error) {
	var z Zone
	err := r.db.QueryRow(ctx, `SELECT id, region_id, provider_id, code, name, is_active FROM zones WHERE provider_id = $1 AND code = $2`, providerID, code).
		Scan(&z.ID, &z.RegionID, &z.ProviderID, &z.Code, &z.Name, &z.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch zone %q for provider %d: %w", code, providerID, err)
	}
	return &z, nil
}

// InstanceType fetches an instance type by ID.
func (r *Resolver) InstanceType(ctx context.Context, id int64) (*InstanceType, error) {
	var it InstanceType
	var params pq.StringArray
	err := r.db.QueryRow(ctx, `
		SELECT id, provider_id, code, name, gpu_count, vram_per_gpu_gb, cpu_count,
		       ram_gb, cost_per_hour, boot_image_id, allocation_params, is_active
		FROM instance_types WHERE id = $1`, id).
		Scan(&it.ID, &it.ProviderID, &it.Code, &it.Name, &it.GPUCount, &it.VRAMPerGPUGB,
			&it.CPUCount, &it.RAMGB, &it.CostPerHour, &it.BootImageID, &params, &it.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch instance type %d: %w", id, err)
	}
	it.AllocationParams = []string(params)
	return &it, nil
}

// AvailableInZone reports whether instanceTypeID is marked available in
// zoneID via instance_type_zones.
func (r *Resolver) AvailableInZone(ctx context.Context, instanceTypeID, zoneID int64) (bool, error) {
	var available bool
	err := r.db.QueryRow(ctx, `
		SELECT is_available FROM instance_type_zones
		WHERE instance_type_id = $1 AND zone_id = $2`, instanceTypeID, zoneID).
		Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil // no row means not available, not an error
	}
	if err != nil {
		return false, fmt.Errorf("check availability of instance type %d in zone %d: %w", instanceTypeID, zoneID, err)
	}
	return available, nil
}

// Model fetches a model by ID.
func (r *Resolver) Model(ctx context.Context, id int64) (*Model, error) {
	var m Model
	err := r.db.QueryRow(ctx, `
		SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
		FROM models WHERE id = $1`, id).
		Scan(&m.ID, &m.ModelID, &m.RequiredVRAMGB, &m.ContextLength, &m.DataVolumeGB, &m.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch model %d: %w", id, err)
	}
	return &m, nil
}

// DeploymentRequest is the set of catalog references a provision command
// carries (§6.1 CMD:PROVISION).
type DeploymentRequest struct {
	ProviderID     int64
	ZoneID         int64
	InstanceTypeID int64
	ModelID        *int64
}

// Validated is the resolved, validated catalog state for a deployment
// request, consumed by the Provisioning Worker's remaining steps.
type Validated struct {
	Provider     *Provider
	Zone         *Zone
	InstanceType *InstanceType
	Model        *Model
}

// ValidateDeployment re-validates catalog references before the
// Provisioning Worker touches a provider (§4.3 step 1): provider active;
// zone active and belongs to the provider; instance type active and
// available in that zone; model active; model fits the instance type's
// VRAM budget.
func (r *Resolver) ValidateDeployment(ctx context.Context, req DeploymentRequest) (*Validated, error) {
	if req.ModelID == nil {
		return nil, apperror.Validation(apperror.CodeMissingModel, "model_id is mandatory at request time")
	}

	provider, err := r.Provider(ctx, req.ProviderID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidProvider, apperror.KindValidation, "provider not found")
	}
	if !provider.IsActive {
		return nil, apperror.Validation(apperror.CodeInvalidProvider, "provider is not active")
	}

	zone, err := r.Zone(ctx, req.ZoneID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidZone, apperror.KindValidation, "zone not found")
	}
	if !zone.IsActive || zone.ProviderID != provider.ID {
		return nil, apperror.Validation(apperror.CodeInvalidZone, "zone is not active or does not belong to provider")
	}

	instanceType, err := r.InstanceType(ctx, req.InstanceTypeID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidInstanceType, apperror.KindValidation, "instance type not found")
	}
	if !instanceType.IsActive || instanceType.ProviderID != provider.ID {
		return nil, apperror.Validation(apperror.CodeInvalidInstanceType, "instance type is not active or does not belong to provider")
	}
	available, err := r.AvailableInZone(ctx, instanceType.ID, zone.ID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeCatalogInconsistent, apperror.KindDatabase, "failed to check zone availability")
	}
	if !available {
		return nil, apperror.Validation(apperror.CodeInvalidInstanceType, "instance type is not available in zone")
	}

	model, err := r.Model(ctx, *req.ModelID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidModel, apperror.KindValidation, "model not found")
	}
	if !model.IsActive {
		return nil, apperror.Validation(apperror.CodeInvalidModel, "model is not active")
	}

	totalVRAM := instanceType.VRAMPerGPUGB * instanceType.GPUCount
	if model.RequiredVRAMGB > totalVRAM {
		return nil, apperror.Validation(apperror.CodeIncompatibleModelInstance,
			fmt.Sprintf("model requires %dGB VRAM, instance type provides %dGB", model.RequiredVRAMGB, totalVRAM))
	}

	return &Validated{Provider: provider, Zone: zone, InstanceType: instanceType, Model: model}, nil
}

// ActiveZones returns every active zone for an active provider, the set
// the orphan-import sweep iterates (§4.6.1).
func (r *Resolver) ActiveZones(ctx context.Context, providerID int64) ([]*Zone, error) {
	rows, err := r.db.Query(ctx, `
		SELECT z.id, z.region_id, z.provider_id, z.code, z.name, z.is_active
		FROM zones z JOIN providers p ON p.id = z.provider_id
		WHERE z.provider_id = $1 AND z.is_active AND p.is_active`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list active zones: %w", err)
	}
	defer rows.Close()

	var out []*Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.RegionID, &z.ProviderID, &z.Code, &z.Name, &z.IsActive); err != nil {
			return nil, err
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}

// ActiveProviders returns every active provider, the outer loop of the
// orphan-import sweep.
func (r *Resolver) ActiveProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := r.db.Query(ctx, `SELECT id, code, name, is_active FROM providers WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.IsActive); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// InstanceTypeByCode resolves an instance type within a provider by its
// catalog code, used when importing an orphaned provider instance whose
// type must be inferred (§4.6.1).
func (r *Resolver) InstanceTypeByCode(ctx context.Context, providerID int64, code string) (*InstanceType, error) {
	var it InstanceType
	var params pq.StringArray
	err := r.db.QueryRow(ctx, `
		SELECT id, provider_id, code, name, gpu_count, vram_per_gpu_gb, cpu_count,
		       ram_gb, cost_per_hour, boot_image_id, allocation_params, is_active
		FROM instance_types WHERE provider_id = $1 AND code = $2`, providerID, code).
		Scan(&it.ID, &it.ProviderID, &it.Code, &it.Name, &it.GPUCount, &it.VRAMPerGPUGB,
			&it.CPUCount, &it.RAMGB, &it.CostPerHour, &it.BootImageID, &params, &it.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch instance type %q for provider %d: %w", code, providerID, err)
	}
	it.AllocationParams = []string(params)
	return &it, nil
}

// DefaultModel returns the first active model, used by the proxy's default
// model policy when a request omits "model" (§6.4 step 1).
func (r *Resolver) DefaultModel(ctx context.Context) (*Model, error) {
	var m Model
	err := r.db.QueryRow(ctx, `
		SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
		FROM models WHERE is_active ORDER BY id LIMIT 1`).
		Scan(&m.ID, &m.ModelID, &m.RequiredVRAMGB, &m.ContextLength, &m.DataVolumeGB, &m.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch default model: %w", err)
	}
	return &m, nil
}

// ModelByExternalID resolves a model by its HF-path model_id string.
func (r *Resolver) ModelByExternalID(ctx context.Context, modelID string) (*Model, error) {
	var m Model
	err := r.db.QueryRow(ctx, `
		SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
		FROM models WHERE model_id = $1`, modelID).
		Scan(&m.ID, &m.ModelID, &m.RequiredVRAMGB, &m.ContextLength, &m.DataVolumeGB, &m.IsActive)
	if err != nil {
		return nil, fmt.Errorf("fetch model %q: %w", modelID, err)
	}
	return &m, nil
}
