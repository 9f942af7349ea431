package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/database"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository is the repository over instances and attached_volumes.
type Repository struct {
	db database.DB
}

// NewRepository builds a Repository over db.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

const instanceColumns = `
	id, provider_id, zone_id, instance_type_id, model_id, status,
	provider_instance_id, address, error_code, error_message,
	created_at, boot_started_at, terminated_at, failed_at,
	last_health_check, last_reconciliation, health_check_failures,
	deletion_reason, archived, worker_status, last_heartbeat,
	served_model_id, queue_depth, gpu_utilization, health_port,
	engine_port, worker_metadata`

func scanInstance(row pgx.Row) (*Instance, error) {
	var i Instance
	var meta []byte
	err := row.Scan(
		&i.ID, &i.ProviderID, &i.ZoneID, &i.InstanceTypeID, &i.ModelID, &i.Status,
		&i.ProviderInstanceID, &i.Address, &i.ErrorCode, &i.ErrorMessage,
		&i.CreatedAt, &i.BootStartedAt, &i.TerminatedAt, &i.FailedAt,
		&i.LastHealthCheck, &i.LastReconciliation, &i.HealthCheckFailures,
		&i.DeletionReason, &i.Archived, &i.WorkerStatus, &i.LastHeartbeat,
		&i.ServedModelID, &i.QueueDepth, &i.GPUUtilization, &i.HealthPort,
		&i.EnginePort, &meta,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &i.WorkerMetadata); err != nil {
			return nil, fmt.Errorf("decode worker_metadata: %w", err)
		}
	}
	return &i, nil
}

// Insert creates a new instance row and returns the ID the database
// generated for it; i.ID is not used.
func (r *Repository) Insert(ctx context.Context, i *Instance) (string, error) {
	if i.Status == "" {
		i.Status = StatusProvisioning
	}
	md := i.WorkerMetadata
	if md == nil {
		md = map[string]any{}
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode worker_metadata: %w", err)
	}
	var id string
	err = r.db.QueryRow(ctx, `
		INSERT INTO instances (
			provider_id, zone_id, instance_type_id, model_id, status,
			provider_instance_id, address, worker_metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		i.ProviderID, i.ZoneID, i.InstanceTypeID, i.ModelID, i.Status,
		i.ProviderInstanceID, i.Address, meta,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert instance: %w", err)
	}
	return id, nil
}

// Get fetches an instance by ID without locking.
func (r *Repository) Get(ctx context.Context, id string) (*Instance, error) {
	row := r.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// GetByProviderInstanceID looks up the instance row for a given provider
// resource, used by the orphan-import and zombie-detection sweeps to
// decide whether a provider-listed instance already has a DB row
// (§4.6.1, §4.6.2). Returns ErrNotFound when no row matches.
func (r *Repository) GetByProviderInstanceID(ctx context.Context, providerID int64, providerInstanceID string) (*Instance, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE provider_id = $1 AND provider_instance_id = $2`, providerID, providerInstanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance by provider_instance_id: %w", err)
	}
	return inst, nil
}

// GetForUpdate fetches an instance by ID with a row-level exclusive lock,
// for use inside a transaction driving a state-machine transition.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Instance, error) {
	row := tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1 FOR UPDATE`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance for update: %w", err)
	}
	return inst, nil
}

// ListByStatus returns all instances in any of the given statuses.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...Status) ([]*Instance, error) {
	rows, err := r.db.Query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("list instances by status: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListReadyByModel returns every ready instance serving modelID, for the
// Worker Routing Index's per-request read path (§4.7). It applies no
// staleness filtering itself: the caller (internal/routing) judges
// routability against its own staleness horizon.
func (r *Repository) ListReadyByModel(ctx context.Context, modelID int64) ([]*Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = $1 AND model_id = $2
		ORDER BY id`, StatusReady, modelID)
	if err != nil {
		return nil, fmt.Errorf("list ready instances by model: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ClaimByStatus selects and locks, skipping already-locked rows, up to
// limit instances in any of the given statuses, for a reconciliation sweep
// that must tolerate parallel workers (§4.6, §5).
func (r *Repository) ClaimByStatus(ctx context.Context, tx pgx.Tx, limit int, statuses ...Status) ([]*Instance, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = ANY($1)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("claim instances by status: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ClaimStuckTerminating selects terminating instances whose
// last_reconciliation is older than olderThan (or null), for the
// stuck-state recovery sweep (§4.6.3).
func (r *Repository) ClaimStuckTerminating(ctx context.Context, tx pgx.Tx, olderThan time.Time, limit int) ([]*Instance, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = $1
		  AND (last_reconciliation IS NULL OR last_reconciliation < $2)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $3`, StatusTerminating, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stuck terminating: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetProviderInstanceID persists the provider-assigned identifier exactly
// once (§3.1 invariant: never unset once set). Called by the provisioning
// worker immediately after a successful create_instance, before any later
// step can fail (§4.3 step 5).
func (r *Repository) SetProviderInstanceID(ctx context.Context, id string, providerInstanceID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE instances SET provider_instance_id = $2
		WHERE id = $1 AND provider_instance_id IS NULL`, id, providerInstanceID)
	if err != nil {
		return fmt.Errorf("set provider_instance_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Idempotence guard (§4.3 step 2): already set, leave it alone.
		return nil
	}
	return nil
}

// SetDeletionReason records why termination was requested (§4.5).
func (r *Repository) SetDeletionReason(ctx context.Context, id string, reason *string) error {
	_, err := r.db.Exec(ctx, `UPDATE instances SET deletion_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("set deletion_reason: %w", err)
	}
	return nil
}

// SetError annotates the row with an error code/message without a status
// transition, for conditions the state machine does not itself model
// (e.g. a terminate command whose zone cannot be resolved, §4.5 step 3).
func (r *Repository) SetError(ctx context.Context, id string, code apperror.ErrorCode, message string) error {
	_, err := r.db.Exec(ctx, `UPDATE instances SET error_code = $2, error_message = $3 WHERE id = $1`, id, string(code), message)
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	return nil
}

// TouchReconciliation stamps last_reconciliation without going through
// the state machine, used by reconciliation sweeps to mark a row
// claimed/visited without changing its status (§4.6).
func (r *Repository) TouchReconciliation(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE instances SET last_reconciliation = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last_reconciliation: %w", err)
	}
	return nil
}

// TouchReconciliationTx is TouchReconciliation run against an
// already-open transaction, used by the claim step of the stuck-state
// recovery sweep (§4.6.3) so the claim and the touch commit atomically.
func (r *Repository) TouchReconciliationTx(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE instances SET last_reconciliation = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last_reconciliation: %w", err)
	}
	return nil
}

// SetAddress persists the resolved public address (nullable).
func (r *Repository) SetAddress(ctx context.Context, id string, address *string) error {
	_, err := r.db.Exec(ctx, `UPDATE instances SET address = $2 WHERE id = $1`, id, address)
	if err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	return nil
}

// SetBootStarted records the boot_started_at timestamp.
func (r *Repository) SetBootStarted(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE instances SET boot_started_at = $2 WHERE id = $1 AND boot_started_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("set boot_started_at: %w", err)
	}
	return nil
}

// UpdateWorkerRuntime persists the runtime fields reported by a worker
// heartbeat (§6.3) or resolved by the health prober on transition to ready
// (§4.4). Heartbeats do not go through the state machine since they never
// change status.
func (r *Repository) UpdateWorkerRuntime(ctx context.Context, id string, rt WorkerRuntime) error {
	meta, err := json.Marshal(rt.Metadata)
	if err != nil {
		return fmt.Errorf("encode worker_metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		UPDATE instances SET
			worker_status = $2,
			last_heartbeat = $3,
			served_model_id = $4,
			queue_depth = $5,
			gpu_utilization = $6,
			health_port = COALESCE($7, health_port),
			engine_port = COALESCE($8, engine_port),
			worker_metadata = worker_metadata || $9::jsonb
		WHERE id = $1`,
		id, rt.Status, rt.Heartbeat, rt.ServedModelID, rt.QueueDepth,
		rt.GPUUtilization, rt.HealthPort, rt.EnginePort, meta,
	)
	if err != nil {
		return fmt.Errorf("update worker runtime: %w", err)
	}
	return nil
}

// WorkerRuntime is the set of fields a worker heartbeat or the health
// prober's ready transition writes (§3.1, §6.3).
type WorkerRuntime struct {
	Status         *string
	Heartbeat      time.Time
	ServedModelID  *string
	QueueDepth     *int
	GPUUtilization *float64
	HealthPort     *int
	EnginePort     *int
	Metadata       map[string]any
}

// -- Volumes ----------------------------------------------------------------

const volumeColumns = `
	id, instance_id, provider_volume_id, zone_id, volume_type, size_bytes,
	is_boot, status, delete_on_terminate, created_at, attached_at,
	deleted_at, reconciled_at, last_reconciliation, error_message`

func scanVolume(row pgx.Row) (*Volume, error) {
	var v Volume
	err := row.Scan(
		&v.ID, &v.InstanceID, &v.ProviderVolumeID, &v.ZoneID, &v.VolumeType, &v.SizeBytes,
		&v.IsBoot, &v.Status, &v.DeleteOnTerminate, &v.CreatedAt, &v.AttachedAt,
		&v.DeletedAt, &v.ReconciledAt, &v.LastReconciliation, &v.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// InsertVolume creates a new attached_volumes row.
func (r *Repository) InsertVolume(ctx context.Context, v *Volume) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO attached_volumes (
			instance_id, provider_volume_id, zone_id, volume_type, size_bytes,
			is_boot, status, delete_on_terminate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		v.InstanceID, v.ProviderVolumeID, v.ZoneID, v.VolumeType, v.SizeBytes,
		v.IsBoot, v.Status, v.DeleteOnTerminate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert volume: %w", err)
	}
	return id, nil
}

// ListVolumesByInstance returns every volume row for an instance, including
// already-deleted ones (§3.1: rows are never physically removed).
func (r *Repository) ListVolumesByInstance(ctx context.Context, instanceID string) ([]*Volume, error) {
	rows, err := r.db.Query(ctx, `SELECT `+volumeColumns+` FROM attached_volumes WHERE instance_id = $1 ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkVolumeAttached sets a volume's status to attached.
func (r *Repository) MarkVolumeAttached(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE attached_volumes SET status = $2, attached_at = $3 WHERE id = $1`, id, VolumeStatusAttached, at)
	return err
}

// MarkVolumeDeleted sets a volume's status to deleted. The row is never
// removed; only reconciled_at later marks it fully closed (§3.1).
func (r *Repository) MarkVolumeDeleted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE attached_volumes SET status = $2, deleted_at = $3 WHERE id = $1`, id, VolumeStatusDeleted, at)
	return err
}

// MarkVolumeReconciled sets reconciled_at, closing the volume row's
// reconciliation lifecycle.
func (r *Repository) MarkVolumeReconciled(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE attached_volumes SET reconciled_at = $2 WHERE id = $1`, id, at)
	return err
}

// TouchVolumeReconciliation bumps last_reconciliation, used as a backoff
// timestamp by the volume reconciliation sweep (§4.6.4) and optionally
// records an error.
func (r *Repository) TouchVolumeReconciliation(ctx context.Context, id int64, at time.Time, errMsg *string) error {
	_, err := r.db.Exec(ctx, `UPDATE attached_volumes SET last_reconciliation = $2, error_message = $3 WHERE id = $1`, id, at, errMsg)
	return err
}

// ListUnreconciledDeletedVolumes returns deleted volumes awaiting provider
// confirmation of absence (§4.6.4), whose last_reconciliation is older than
// the given backoff horizon (or null).
func (r *Repository) ListUnreconciledDeletedVolumes(ctx context.Context, olderThan time.Time, limit int) ([]*Volume, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+volumeColumns+` FROM attached_volumes
		WHERE status = $1 AND reconciled_at IS NULL
		  AND (last_reconciliation IS NULL OR last_reconciliation < $2)
		ORDER BY created_at
		LIMIT $3`, VolumeStatusDeleted, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled volumes: %w", err)
	}
	defer rows.Close()

	var out []*Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TransitionUpdate is the set of fields a state-machine transition may
// write, applied atomically in a single UPDATE executed against the
// row lock GetForUpdate already holds (§4.2). TerminatedAt and FailedAt
// are only written while the column is still null, so a nil pointer
// leaves them unchanged; every other field is written as given, a nil
// pointer storing NULL. HealthCheckFailures is always written since every
// transition either resets or bumps it.
type TransitionUpdate struct {
	Status              Status
	ErrorCode           *string
	ErrorMessage        *string
	TerminatedAt        *time.Time
	FailedAt            *time.Time
	LastHealthCheck     *time.Time
	LastReconciliation  *time.Time
	HealthCheckFailures int
}

// ApplyTransition writes u to instance id inside tx. Callers must have
// already locked the row via GetForUpdate in the same transaction.
func (r *Repository) ApplyTransition(ctx context.Context, tx pgx.Tx, id string, u TransitionUpdate) error {
	_, err := tx.Exec(ctx, `
		UPDATE instances SET
			status = $2,
			error_code = $3,
			error_message = $4,
			terminated_at = COALESCE(terminated_at, $5),
			failed_at = COALESCE(failed_at, $6),
			last_health_check = $7,
			last_reconciliation = $8,
			health_check_failures = $9
		WHERE id = $1`,
		id, u.Status, u.ErrorCode, u.ErrorMessage, u.TerminatedAt, u.FailedAt,
		u.LastHealthCheck, u.LastReconciliation, u.HealthCheckFailures,
	)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction against the repository's pool,
// thin sugar over pkg/database.WithTransaction for callers that already
// hold a *Repository.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return database.WithTransaction(ctx, r.db, fn)
}

// Pool exposes the underlying pool for callers that need the
// *pgxpool.Pool itself (e.g. running migrations); it returns nil when the
// repository's DB does not expose one.
func (r *Repository) Pool() *pgxpool.Pool {
	type poolHaver interface{ Pool() *pgxpool.Pool }
	if ph, ok := r.db.(poolHaver); ok {
		return ph.Pool()
	}
	return nil
}
