package routing

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/config"
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

var instanceColumnNames = []string{
	"id", "provider_id", "zone_id", "instance_type_id", "model_id", "status",
	"provider_instance_id", "address", "error_code", "error_message",
	"created_at", "boot_started_at", "terminated_at", "failed_at",
	"last_health_check", "last_reconciliation", "health_check_failures",
	"deletion_reason", "archived", "worker_status", "last_heartbeat",
	"served_model_id", "queue_depth", "gpu_utilization", "health_port",
	"engine_port", "worker_metadata",
}

func readyRow(id, address string, enginePort int, queueDepth *int, heartbeatAgo time.Duration) []any {
	now := time.Now()
	heartbeat := now.Add(-heartbeatAgo)
	workerStatus := "ready"
	return []any{
		id, int64(1), int64(1), int64(1), (*int64)(nil), store.StatusReady,
		(*string)(nil), &address, (*string)(nil), (*string)(nil),
		now, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		(*time.Time)(nil), (*time.Time)(nil), 0,
		(*string)(nil), false, &workerStatus, &heartbeat,
		(*string)(nil), queueDepth, (*float64)(nil), (*int)(nil),
		&enginePort, []byte(`{}`),
	}
}

func setup(t *testing.T) (pgxmock.PgxPoolIface, *Index) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	db := &pgxMockAdapter{mock: mock}
	repo := store.NewRepository(db)
	resolver := catalog.NewResolver(db)
	cfg := config.RoutingConfig{StickyHashSeed: 1, StalenessHorizon: 90 * time.Second}
	return mock, New(repo, resolver, cfg)
}

func expectModelByExternalID(mock pgxmock.PgxPoolIface, modelID string, id int64) {
	mock.ExpectQuery(`SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active\s+FROM models WHERE model_id = \$1`).
		WithArgs(modelID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "model_id", "required_vram_gb", "context_length", "data_volume_gb", "is_active"}).
			AddRow(id, modelID, 80, 8192, 100, true))
}

func TestRoute_Success(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	expectModelByExternalID(mock, "meta/llama-3-70b", 5)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(5)).
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(readyRow("inst-1", "10.0.0.1", 8000, nil, time.Second)...))

	target, err := idx.Route(context.Background(), "meta/llama-3-70b", "", 8000)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", target.InstanceID)
	assert.Equal(t, "http://10.0.0.1:8000", target.BaseURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoute_Miss_NoCandidates(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	expectModelByExternalID(mock, "meta/llama-3-70b", 5)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(5)).
		WillReturnRows(pgxmock.NewRows(instanceColumnNames))

	_, err := idx.Route(context.Background(), "meta/llama-3-70b", "", 8000)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeNoReadyWorker, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoute_Miss_AllStale(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	expectModelByExternalID(mock, "meta/llama-3-70b", 5)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(5)).
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(readyRow("inst-1", "10.0.0.1", 8000, nil, 10*time.Minute)...))

	_, err := idx.Route(context.Background(), "meta/llama-3-70b", "", 8000)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeNoReadyWorker, apperror.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoute_StickyIsDeterministic(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	expectModelByExternalID(mock, "meta/llama-3-70b", 5)
	rows := pgxmock.NewRows(instanceColumnNames).
		AddRow(readyRow("inst-1", "10.0.0.1", 8000, nil, time.Second)...).
		AddRow(readyRow("inst-2", "10.0.0.2", 8000, nil, time.Second)...).
		AddRow(readyRow("inst-3", "10.0.0.3", 8000, nil, time.Second)...)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(5)).
		WillReturnRows(rows)

	target, err := idx.Route(context.Background(), "meta/llama-3-70b", "session-abc", 8000)
	require.NoError(t, err)

	want := idx.stickyIndex("session-abc", 3)
	wantIDs := []string{"inst-1", "inst-2", "inst-3"}
	assert.Equal(t, wantIDs[want], target.InstanceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoute_LeastLoadedPicksLowestQueueDepth(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	expectModelByExternalID(mock, "meta/llama-3-70b", 5)
	d1, d2 := 10, 2
	rows := pgxmock.NewRows(instanceColumnNames).
		AddRow(readyRow("inst-1", "10.0.0.1", 8000, &d1, time.Second)...).
		AddRow(readyRow("inst-2", "10.0.0.2", 8000, &d2, time.Second)...)
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(5)).
		WillReturnRows(rows)

	target, err := idx.Route(context.Background(), "meta/llama-3-70b", "", 8000)
	require.NoError(t, err)
	assert.Equal(t, "inst-2", target.InstanceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteDefaultModel_UsesCatalogDefault(t *testing.T) {
	mock, idx := setup(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active\s+FROM models WHERE is_active ORDER BY id LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "model_id", "required_vram_gb", "context_length", "data_volume_gb", "is_active"}).
			AddRow(int64(7), "meta/llama-3-8b", 24, 8192, 20, true))
	mock.ExpectQuery(`SELECT .* FROM instances WHERE status = \$1 AND model_id = \$2`).
		WithArgs(store.StatusReady, int64(7)).
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(readyRow("inst-1", "10.0.0.1", 8000, nil, time.Second)...))

	target, err := idx.Route(context.Background(), "", "", 8000)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", target.InstanceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
