package catalog

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/pkg/apperror"
)

type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() { a.mock.Close() }

func (a *pgxMockAdapter) Ping(ctx context.Context) error { return a.mock.Ping(ctx) }

func setupResolver(t *testing.T) (pgxmock.PgxPoolIface, *Resolver) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return mock, NewResolver(&pgxMockAdapter{mock: mock})
}

func expectProvider(mock pgxmock.PgxPoolIface, id int64, active bool) {
	mock.ExpectQuery(`SELECT id, code, name, is_active FROM providers WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "code", "name", "is_active"}).
			AddRow(id, "aws", "Amazon", active))
}

func expectZone(mock pgxmock.PgxPoolIface, id, providerID int64, active bool) {
	mock.ExpectQuery(`SELECT id, region_id, provider_id, code, name, is_active FROM zones WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "region_id", "provider_id", "code", "name", "is_active"}).
			AddRow(id, int64(1), providerID, "us-east-1", "US East", active))
}

func expectInstanceType(mock pgxmock.PgxPoolIface, id, providerID int64, active bool, gpuCount, vramPerGPU int) {
	mock.ExpectQuery(`SELECT id, provider_id, code, name, gpu_count, vram_per_gpu_gb, cpu_count,`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "code", "name", "gpu_count", "vram_per_gpu_gb",
			"cpu_count", "ram_gb", "cost_per_hour", "boot_image_id", "allocation_params", "is_active",
		}).AddRow(id, providerID, "a100x8", "8xA100", gpuCount, vramPerGPU, 32, 256, 12.5, (*string)(nil), []string{}, active))
}

func expectAvailability(mock pgxmock.PgxPoolIface, instanceTypeID, zoneID int64, available bool) {
	mock.ExpectQuery(`SELECT is_available FROM instance_type_zones`).
		WithArgs(instanceTypeID, zoneID).
		WillReturnRows(pgxmock.NewRows([]string{"is_available"}).AddRow(available))
}

func expectModel(mock pgxmock.PgxPoolIface, id int64, active bool, requiredVRAM int) {
	mock.ExpectQuery(`SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active\s+FROM models WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "model_id", "required_vram_gb", "context_length", "data_volume_gb", "is_active"}).
			AddRow(id, "meta/llama-3-70b", requiredVRAM, 8192, 150, active))
}

func TestValidateDeployment_Success(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, true)
	expectZone(mock, 2, 1, true)
	expectInstanceType(mock, 3, 1, true, 8, 80)
	expectAvailability(mock, 3, 2, true)
	expectModel(mock, modelID, true, 320)

	v, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Provider.ID)
	assert.Equal(t, int64(2), v.Zone.ID)
	assert.Equal(t, int64(3), v.InstanceType.ID)
	assert.Equal(t, modelID, v.Model.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDeployment_MissingModelID(t *testing.T) {
	_, r := setupResolver(t)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{ProviderID: 1, ZoneID: 2, InstanceTypeID: 3})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeMissingModel, apperror.Code(err))
}

func TestValidateDeployment_ProviderInactive(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, false)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidProvider, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDeployment_ZoneBelongsToDifferentProvider(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, true)
	expectZone(mock, 2, 99, true)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidZone, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDeployment_InstanceTypeUnavailableInZone(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, true)
	expectZone(mock, 2, 1, true)
	expectInstanceType(mock, 3, 1, true, 8, 80)
	expectAvailability(mock, 3, 2, false)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidInstanceType, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDeployment_ModelInactive(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, true)
	expectZone(mock, 2, 1, true)
	expectInstanceType(mock, 3, 1, true, 8, 80)
	expectAvailability(mock, 3, 2, true)
	expectModel(mock, modelID, false, 320)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidModel, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateDeployment_InsufficientVRAM(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	modelID := int64(5)
	expectProvider(mock, 1, true)
	expectZone(mock, 2, 1, true)
	expectInstanceType(mock, 3, 1, true, 2, 24)
	expectAvailability(mock, 3, 2, true)
	expectModel(mock, modelID, true, 320)

	_, err := r.ValidateDeployment(context.Background(), DeploymentRequest{
		ProviderID: 1, ZoneID: 2, InstanceTypeID: 3, ModelID: &modelID,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeIncompatibleModelInstance, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultModel(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active\s+FROM models WHERE is_active ORDER BY id LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "model_id", "required_vram_gb", "context_length", "data_volume_gb", "is_active"}).
			AddRow(int64(1), "meta/llama-3-8b", 24, 8192, 20, true))

	m, err := r.DefaultModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "meta/llama-3-8b", m.ModelID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModelByExternalID_NotFound(t *testing.T) {
	mock, r := setupResolver(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active\s+FROM models WHERE model_id = \$1`).
		WithArgs("nonexistent/model").
		WillReturnError(pgx.ErrNoRows)

	m, err := r.ModelByExternalID(context.Background(), "nonexistent/model")
	assert.Nil(t, m)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
