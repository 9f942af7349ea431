package store

import (
	"context"
	"errors"
	"testing"
	"time"

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

func setupMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	repo := NewRepository(&pgxMockAdapter{mock: mock})
	return mock, repo
}

var instanceColumnNames = []string{
	"id", "provider_id", "zone_id", "instance_type_id", "model_id", "status",
	"provider_instance_id", "address", "error_code", "error_message",
	"created_at", "boot_started_at", "terminated_at", "failed_at",
	"last_health_check", "last_reconciliation", "health_check_failures",
	"deletion_reason", "archived", "worker_status", "last_heartbeat",
	"served_model_id", "queue_depth", "gpu_utilization", "health_port",
	"engine_port", "worker_metadata",
}

func instanceRow(id string, status Status) []any {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	return []any{
		id, int64(1), int64(1), int64(1), (*int64)(nil), status,
		(*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
		now, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		(*time.Time)(nil), (*time.Time)(nil), 0,
		(*string)(nil), false, (*string)(nil), (*time.Time)(nil),
		(*string)(nil), (*int)(nil), (*float64)(nil), (*int)(nil),
		(*int)(nil), []byte(`{}`),
	}
}

func TestRepository_Insert(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	i := &Instance{ProviderID: 1, ZoneID: 2, InstanceTypeID: 3}

	mock.ExpectQuery(`INSERT INTO instances`).
		WithArgs(i.ProviderID, i.ZoneID, i.InstanceTypeID, i.ModelID, StatusProvisioning, i.ProviderInstanceID, i.Address, []byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("inst-1"))

	id, err := repo.Insert(context.Background(), i)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)
	assert.Equal(t, StatusProvisioning, i.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get_Found(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	rows := pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-1", StatusReady)...)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(rows)

	inst, err := repo.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", inst.ID)
	assert.Equal(t, StatusReady, inst.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get_NotFound(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	inst, err := repo.Get(context.Background(), "missing")
	assert.Nil(t, inst)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetForUpdate(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectBegin()
	rows := pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-1", StatusBooting)...)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1 FOR UPDATE`).
		WithArgs("inst-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	inst, err := repo.GetForUpdate(context.Background(), tx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusBooting, inst.Status)

	require.NoError(t, tx.Commit(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ApplyTransition(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE instances SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.ApplyTransition(context.Background(), tx, "inst-1", TransitionUpdate{
		Status:              StatusReady,
		HealthCheckFailures: 0,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetProviderInstanceID_AlreadySet(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE instances SET provider_instance_id`).
		WithArgs("inst-1", "prov-123").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetProviderInstanceID(context.Background(), "inst-1", "prov-123")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetError(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE instances SET error_code`).
		WithArgs("inst-1", string(apperror.CodeHealthCheckFailed), "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.SetError(context.Background(), "inst-1", apperror.CodeHealthCheckFailed, "boom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListByStatus(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	rows := pgxmock.NewRows(instanceColumnNames).
		AddRow(instanceRow("inst-1", StatusProvisioning)...).
		AddRow(instanceRow("inst-2", StatusProvisioning)...)

	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = ANY\(\$1\)`).
		WithArgs([]Status{StatusProvisioning}).
		WillReturnRows(rows)

	out, err := repo.ListByStatus(context.Background(), StatusProvisioning)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListByStatus_QueryError(t *testing.T) {
	mock, repo := setupMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = ANY\(\$1\)`).
		WithArgs([]Status{StatusReady}).
		WillReturnError(errors.New("connection reset"))

	out, err := repo.ListByStatus(context.Background(), StatusReady)
	assert.Nil(t, out)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
