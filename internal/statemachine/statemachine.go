// Package statemachine is the single writer of an instance's status and
// the lifecycle fields that accompany a status change (§4.2): every
// other component reads an instance's status through internal/store but
// must go through here to change it. Each transition runs inside a
// single database transaction holding the row's FOR UPDATE lock, so two
// concurrent callers (a worker and a reconciliation sweep, say) can
// never race a transition.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/database"
)

// HealthFailureThreshold is the number of consecutive health-check
// failures that force a booting-family instance to startup_failed
// (§4.2, §4.4).
const HealthFailureThreshold = 30

// legalTransitions enumerates every status->status edge permitted by
// §4.2. A transition not listed here is rejected as illegal.
var legalTransitions = map[store.Status]map[store.Status]bool{
	store.StatusProvisioning: {
		store.StatusBooting:            true,
		store.StatusProvisioningFailed: true,
		store.StatusTerminating:        true,
	},
	store.StatusBooting: {
		store.StatusInstalling:    true,
		store.StatusStarting:     true,
		store.StatusReady:        true,
		store.StatusStartupFailed: true,
		store.StatusTerminating:  true,
	},
	store.StatusInstalling: {
		store.StatusStarting:     true,
		store.StatusReady:        true,
		store.StatusStartupFailed: true,
		store.StatusTerminating:  true,
	},
	store.StatusStarting: {
		store.StatusReady:        true,
		store.StatusStartupFailed: true,
		store.StatusTerminating:  true,
	},
	store.StatusReady: {
		store.StatusTerminating:  true,
		store.StatusStartupFailed: true,
	},
	store.StatusProvisioningFailed: {
		store.StatusTerminating: true,
	},
	store.StatusStartupFailed: {
		store.StatusTerminating: true,
	},
	store.StatusTerminating: {
		store.StatusTerminated: true,
	},
	store.StatusTerminated: {
		store.StatusArchived: true,
	},
	store.StatusArchived: {},
}

// IllegalTransitionError is returned when a requested transition is not
// in legalTransitions.
type IllegalTransitionError struct {
	From, To store.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func isLegal(from, to store.Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Machine drives instance transitions against a repository.
type Machine struct {
	db   database.DB
	repo *store.Repository
}

// New builds a Machine.
func New(db database.DB, repo *store.Repository) *Machine {
	return &Machine{db: db, repo: repo}
}

// transition loads id FOR UPDATE, checks legality, applies u, and
// returns the pre-transition instance (for callers that need its prior
// fields, e.g. the provider_instance_id to terminate).
func (m *Machine) transition(ctx context.Context, id string, to store.Status, mutate func(prev *store.Instance, u *store.TransitionUpdate)) (*store.Instance, error) {
	var prev *store.Instance
	err := database.WithTransaction(ctx, m.db, func(tx pgx.Tx) error {
		inst, err := m.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !isLegal(inst.Status, to) {
			return &IllegalTransitionError{From: inst.Status, To: to}
		}
		u := store.TransitionUpdate{
			Status:              to,
			ErrorCode:           inst.ErrorCode,
			ErrorMessage:        inst.ErrorMessage,
			LastHealthCheck:     inst.LastHealthCheck,
			LastReconciliation:  inst.LastReconciliation,
			HealthCheckFailures: inst.HealthCheckFailures,
		}
		if mutate != nil {
			mutate(inst, &u)
		}
		if err := m.repo.ApplyTransition(ctx, tx, id, u); err != nil {
			return err
		}
		prev = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// TransitionToBooting moves a freshly created instance into booting
// once create_instance has returned a provider_instance_id (§4.2, §4.3
// step 6).
func (m *Machine) TransitionToBooting(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusBooting, nil)
	return err
}

// TransitionToInstalling marks the start of the SSH bootstrap's install
// phase for worker-eligible instances (§4.2, §4.4.1).
func (m *Machine) TransitionToInstalling(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusInstalling, nil)
	return err
}

// TransitionToStarting marks the engine-start phase of SSH bootstrap
// (§4.2, §4.4.1).
func (m *Machine) TransitionToStarting(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusStarting, nil)
	return err
}

// TransitionToReady marks an instance as having passed readiness
// probing, resetting its health-failure counter (§4.2, §4.4).
func (m *Machine) TransitionToReady(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusReady, func(prev *store.Instance, u *store.TransitionUpdate) {
		u.HealthCheckFailures = 0
		u.ErrorCode = nil
		u.ErrorMessage = nil
		now := time.Now()
		u.LastHealthCheck = &now
	})
	return err
}

// TransitionToProvisioningFailed records a request-time or
// create_instance-time failure (§4.2, §4.3).
func (m *Machine) TransitionToProvisioningFailed(ctx context.Context, id string, code apperror.ErrorCode, message string) error {
	_, err := m.transition(ctx, id, store.StatusProvisioningFailed, func(prev *store.Instance, u *store.TransitionUpdate) {
		c := string(code)
		u.ErrorCode = &c
		u.ErrorMessage = &message
		now := time.Now()
		u.FailedAt = &now
	})
	return err
}

// TransitionToStartupFailed records a bootstrap/readiness failure, either
// from an explicit error or from the health-failure threshold being
// exceeded (§4.2, §4.4).
func (m *Machine) TransitionToStartupFailed(ctx context.Context, id string, code apperror.ErrorCode, message string) error {
	_, err := m.transition(ctx, id, store.StatusStartupFailed, func(prev *store.Instance, u *store.TransitionUpdate) {
		c := string(code)
		u.ErrorCode = &c
		u.ErrorMessage = &message
		now := time.Now()
		u.FailedAt = &now
	})
	return err
}

// TransitionToTerminating begins termination, nulling
// last_reconciliation so the next stuck-state sweep claims the row (§4.2,
// §4.5).
func (m *Machine) TransitionToTerminating(ctx context.Context, id string, reason *string) error {
	_, err := m.transition(ctx, id, store.StatusTerminating, func(prev *store.Instance, u *store.TransitionUpdate) {
		u.LastReconciliation = nil
	})
	if err != nil {
		return err
	}
	if reason != nil {
		return m.repo.SetDeletionReason(ctx, id, reason)
	}
	return nil
}

// TransitionToTerminated finalizes termination once the provider has
// confirmed the instance is gone, setting terminated_at exactly once
// (§3.1 invariant, §4.2, §4.5).
func (m *Machine) TransitionToTerminated(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusTerminated, func(prev *store.Instance, u *store.TransitionUpdate) {
		now := time.Now()
		u.TerminatedAt = &now
	})
	return err
}

// TransitionToArchived marks a long-terminated instance archived, kept
// distinct from terminated for retention/reporting purposes (§4.2,
// Open Question resolved in the design ledger: archived stays a
// separate terminal status rather than collapsing into terminated).
func (m *Machine) TransitionToArchived(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, store.StatusArchived, func(prev *store.Instance, u *store.TransitionUpdate) {
		now := time.Now()
		u.LastReconciliation = &now
	})
	return err
}

// ReactivateZombie force-moves a terminated/archived instance back to
// ready when the zombie-detection sweep finds the provider still
// reports it running (§4.6.2). This is a recognized anomaly-repair path
// and deliberately bypasses the normal legal-transition table: the
// sweep is the only caller, and it always logs the anomaly.
func (m *Machine) ReactivateZombie(ctx context.Context, id string) error {
	return database.WithTransaction(ctx, m.db, func(tx pgx.Tx) error {
		inst, err := m.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst.Status != store.StatusTerminated && inst.Status != store.StatusArchived {
			return nil
		}
		now := time.Now()
		return m.repo.ApplyTransition(ctx, tx, id, store.TransitionUpdate{
			Status:              store.StatusReady,
			ErrorCode:           nil,
			ErrorMessage:        nil,
			TerminatedAt:        inst.TerminatedAt,
			FailedAt:            inst.FailedAt,
			LastHealthCheck:     &now,
			LastReconciliation:  &now,
			HealthCheckFailures: 0,
		})
	})
}

// BumpHealthFailures increments an instance's consecutive health-check
// failure count and, once it reaches HealthFailureThreshold, transitions
// it to startup_failed in the same call (§4.2, §4.4).
func (m *Machine) BumpHealthFailures(ctx context.Context, id string) error {
	return database.WithTransaction(ctx, m.db, func(tx pgx.Tx) error {
		inst, err := m.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !inst.Status.BootingFamily() {
			return nil
		}
		failures := inst.HealthCheckFailures + 1
		now := time.Now()
		if failures >= HealthFailureThreshold {
			to := store.StatusStartupFailed
			if !isLegal(inst.Status, to) {
				return &IllegalTransitionError{From: inst.Status, To: to}
			}
			code := string(apperror.CodeHealthCheckFailed)
			msg := fmt.Sprintf("exceeded %d consecutive health-check failures", HealthFailureThreshold)
			return m.repo.ApplyTransition(ctx, tx, id, store.TransitionUpdate{
				Status:              to,
				ErrorCode:           &code,
				ErrorMessage:        &msg,
				FailedAt:            &now,
				LastHealthCheck:     &now,
				LastReconciliation:  inst.LastReconciliation,
				HealthCheckFailures: failures,
			})
		}
		return m.repo.ApplyTransition(ctx, tx, id, store.TransitionUpdate{
			Status:              inst.Status,
			ErrorCode:           inst.ErrorCode,
			ErrorMessage:        inst.ErrorMessage,
			LastHealthCheck:     &now,
			LastReconciliation:  inst.LastReconciliation,
			HealthCheckFailures: failures,
		})
	})
}
