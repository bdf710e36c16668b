// Package lifecycle implements the task state machine as a transition
// table keyed by (from_state, action). Every legal transition goes through
// Transition, which validates the edge, bumps the task version, writes the
// changelog row and appends the event, all inside the caller's transaction. Side effects (lease creation, snapshot capture, readiness
// recomputation) belong to the engines that own them and run in the same
// transaction.
package lifecycle

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// Action names a state-machine input.
type Action string

const (
	ActionMarkReady         Action = "mark_ready"
	ActionRegress           Action = "regress"
	ActionReserve           Action = "reserve"
	ActionClaim             Action = "claim"
	ActionStart             Action = "start"
	ActionSubmitImplemented Action = "submit_implemented"
	ActionIntegrate         Action = "integrate"
	ActionReportConflict    Action = "report_conflict"
	ActionRetry             Action = "retry"
	ActionBlock             Action = "block"
	ActionUnblock           Action = "unblock"
	ActionCancel            Action = "cancel"
	ActionAbandon           Action = "abandon"
	ActionRelease           Action = "release"
)

// transitions is the full legal edge set. Back-edges (blocked→ready,
// conflict→ready, claimed/reserved→ready) are ordinary rows here.
var transitions = map[types.TaskState]map[Action]types.TaskState{
	types.StateBacklog: {
		ActionMarkReady: types.StateReady,
		ActionCancel:    types.StateCancelled,
	},
	types.StateReady: {
		ActionReserve: types.StateReserved,
		ActionClaim:   types.StateClaimed,
		ActionBlock:   types.StateBlocked,
		ActionCancel:  types.StateCancelled,
		ActionRegress: types.StateBacklog,
	},
	types.StateReserved: {
		ActionClaim:   types.StateClaimed,
		ActionRelease: types.StateReady,
	},
	types.StateClaimed: {
		ActionStart:   types.StateInProgress,
		ActionRelease: types.StateReady,
	},
	types.StateInProgress: {
		ActionSubmitImplemented: types.StateImplemented,
		ActionBlock:             types.StateBlocked,
		ActionAbandon:           types.StateAbandoned,
	},
	types.StateImplemented: {
		ActionIntegrate:      types.StateIntegrated,
		ActionReportConflict: types.StateConflict,
	},
	types.StateConflict: {
		ActionRetry: types.StateReady,
	},
	types.StateBlocked: {
		ActionUnblock: types.StateReady,
	},
}

// Next resolves the target state for an action, or ILLEGAL_TRANSITION.
func Next(from types.TaskState, action Action) (types.TaskState, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return "", types.E(types.KindIllegalTransition, "cannot %s from %s", action, from)
}

// Params carries the audit fields of a transition.
type Params struct {
	ActorID string
	Reason  string
	// SetClaimedBy, when non-nil, overwrites the task's claimed_by column
	// (empty string clears it).
	SetClaimedBy *string
	// Payload is merged into the transition event.
	Payload map[string]interface{}
}

// Transition moves the task along one legal edge: version bump, changelog
// row, event append. The task struct is updated in place on success.
// Concurrent writers lose on the version guard with PRECONDITION_FAILED.
func Transition(tx *sql.Tx, rec *eventlog.Recorder, task *types.Task, action Action, p Params) error {
	to, err := Next(task.State, action)
	if err != nil {
		return err
	}
	from := task.State
	now := store.Now()

	claimedBy := task.ClaimedBy
	if p.SetClaimedBy != nil {
		claimedBy = *p.SetClaimedBy
	}
	var readySince interface{}
	if to == types.StateReady {
		readySince = now
	}

	res, err := tx.Exec(
		`UPDATE tasks SET state = ?, version = version + 1, claimed_by = ?, ready_since = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		to, claimedBy, readySince, now, task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindPreconditionFailed, "task %s changed concurrently", task.ShortID)
	}

	if _, err := tx.Exec(
		`INSERT INTO task_changelog (task_id, project_id, from_state, to_state, actor_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, from, to, p.ActorID, p.Reason, now,
	); err != nil {
		return fmt.Errorf("failed to write changelog: %w", err)
	}

	payload := map[string]interface{}{
		"from": from, "to": to, "action": action, "actor": p.ActorID,
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if _, err := rec.Append(task.ProjectID, types.EntityTask, task.ID, types.EventTaskTransition, payload); err != nil {
		return err
	}

	task.State = to
	task.Version++
	task.ClaimedBy = claimedBy
	if to == types.StateReady {
		task.ReadySince = &now
	} else {
		task.ReadySince = nil
	}
	task.UpdatedAt = now

	logging.Get(logging.CategoryLifecycle).Debug("task transition",
		zap.String("task", task.ShortID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("action", string(action)))
	return nil
}

// VerifyLease resolves an operation token to its active lease and task,
// enforcing expiry and the fencing counter. Stale holders fail with
// FENCING_STALE; expired or non-active leases with LEASE_EXPIRED.
func VerifyLease(tx *sql.Tx, token string) (types.Lease, types.Task, error) {
	lease, err := GetLease(tx, token)
	if err != nil {
		return types.Lease{}, types.Task{}, err
	}
	if lease.Status != types.LeaseActive {
		return types.Lease{}, types.Task{}, types.E(types.KindLeaseExpired, "lease %s is %s", token, lease.Status)
	}
	if !lease.ExpiresAt.After(store.Now()) {
		return types.Lease{}, types.Task{}, types.E(types.KindLeaseExpired, "lease %s expired", token)
	}
	task, err := dag.GetTask(tx, lease.TaskID)
	if err != nil {
		return types.Lease{}, types.Task{}, err
	}
	if lease.FencingCounter != task.FencingCounter {
		return types.Lease{}, types.Task{}, types.E(types.KindFencingStale,
			"lease fencing counter %d does not match task counter %d",
			lease.FencingCounter, task.FencingCounter)
	}
	return lease, task, nil
}

// GetLease reads one lease row by token.
func GetLease(tx *sql.Tx, token string) (types.Lease, error) {
	var l types.Lease
	err := tx.QueryRow(
		`SELECT token, task_id, project_id, agent_id, fencing_counter, status, ttl_seconds,
			expires_at, heartbeat_at, created_at
		 FROM leases WHERE token = ?`, token,
	).Scan(&l.Token, &l.TaskID, &l.ProjectID, &l.AgentID, &l.FencingCounter, &l.Status,
		&l.TTLSeconds, &l.ExpiresAt, &l.HeartbeatAt, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Lease{}, types.E(types.KindLeaseExpired, "unknown lease token")
	}
	if err != nil {
		return types.Lease{}, fmt.Errorf("failed to read lease: %w", err)
	}
	return l, nil
}

// BumpFencing increments the task's fencing counter, invalidating every
// outstanding token. Expiry sweeps and replan releases call this.
func BumpFencing(tx *sql.Tx, taskID string) (int64, error) {
	if _, err := tx.Exec(
		`UPDATE tasks SET fencing_counter = fencing_counter + 1, updated_at = ? WHERE id = ?`,
		store.Now(), taskID); err != nil {
		return 0, fmt.Errorf("failed to bump fencing counter: %w", err)
	}
	var c int64
	if err := tx.QueryRow(`SELECT fencing_counter FROM tasks WHERE id = ?`, taskID).Scan(&c); err != nil {
		return 0, fmt.Errorf("failed to read fencing counter: %w", err)
	}
	return c, nil
}
