package terminator

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
	"github.com/inventiv/fleet/internal/eventbus"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/config"
)

func init() {
	audit.SetGlobal(&audit.NoopLogger{})
}

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

func instanceRow(id string, status store.Status, providerInstanceID *string) []any {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	return []any{
		id, int64(1), int64(1), int64(1), (*int64)(nil), status,
		providerInstanceID, (*string)(nil), (*string)(nil), (*string)(nil),
		now, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		(*time.Time)(nil), (*time.Time)(nil), 0,
		(*string)(nil), false, (*string)(nil), (*time.Time)(nil),
		(*string)(nil), (*int)(nil), (*float64)(nil), (*int)(nil),
		(*int)(nil), []byte(`{}`),
	}
}

func setup(t *testing.T) (pgxmock.PgxPoolIface, *Worker, eventbus.Bus) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	db := &pgxMockAdapter{mock: mock}
	repo := store.NewRepository(db)
	resolver := catalog.NewResolver(db)
	machine := statemachine.New(db, repo)
	bus := eventbus.NewMemoryBus()

	w := New(repo, resolver, machine, bus, func(string) (provider.Adapter, bool) { return nil, false }, config.TerminatorConfig{VerifyInterval: time.Second})
	return mock, w, bus
}

func TestHandle_AlreadyTerminated_CompletesSuccessfully(t *testing.T) {
	mock, w, _ := setup(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-1", store.StatusTerminated, nil)...))

	err := w.handle(context.Background(), eventbus.Command{Type: eventbus.CmdTerminate, InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_NoProviderResource_TerminatesDirectly(t *testing.T) {
	mock, w, _ := setup(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1`).
		WithArgs("inst-2").
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-2", store.StatusProvisioning, nil)...))

	// TransitionToTerminating: begin/query-for-update/exec/commit, then a
	// separate SetDeletionReason exec outside the transition's transaction.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1 FOR UPDATE`).
		WithArgs("inst-2").
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-2", store.StatusProvisioning, nil)...))
	mock.ExpectExec(`UPDATE instances SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE instances SET deletion_reason`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	// TransitionToTerminated: begin/query-for-update/exec/commit.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM instances WHERE id = \$1 FOR UPDATE`).
		WithArgs("inst-2").
		WillReturnRows(pgxmock.NewRows(instanceColumnNames).AddRow(instanceRow("inst-2", store.StatusTerminating, nil)...))
	mock.ExpectExec(`UPDATE instances SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := w.handle(context.Background(), eventbus.Command{Type: eventbus.CmdTerminate, InstanceID: "inst-2"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_IgnoresNonTerminateCommands(t *testing.T) {
	_, w, bus := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, bus.PublishCommand(context.Background(), eventbus.Command{Type: eventbus.CmdProvision, InstanceID: "inst-3"}))

	err := <-done
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
