package scheduler

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// ExpireLeases marks up to batchSize overdue active leases expired, bumps
// each task's fencing counter so the stale holder can no longer act, and
// returns Claimed tasks to Ready. In-progress tasks keep their state; the
// agent discovers the expiry at its next fenced write.
func ExpireLeases(tx *sql.Tx, rec *eventlog.Recorder, batchSize int) (int, error) {
	now := store.Now()
	rows, err := tx.Query(
		`SELECT token, task_id, project_id, agent_id FROM leases
		 WHERE status = ? AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`,
		types.LeaseActive, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue leases: %w", err)
	}
	type overdue struct{ token, taskID, projectID, agentID string }
	var batch []overdue
	for rows.Next() {
		var o overdue
		if err := rows.Scan(&o.token, &o.taskID, &o.projectID, &o.agentID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan overdue lease: %w", err)
		}
		batch = append(batch, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	log := logging.Get(logging.CategorySweep)
	for _, o := range batch {
		if _, err := tx.Exec(
			`UPDATE leases SET status = ? WHERE token = ? AND status = ?`,
			types.LeaseExpired, o.token, types.LeaseActive); err != nil {
			return 0, fmt.Errorf("failed to expire lease: %w", err)
		}
		if _, err := lifecycle.BumpFencing(tx, o.taskID); err != nil {
			return 0, err
		}
		task, err := dag.GetTask(tx, o.taskID)
		if err != nil {
			return 0, err
		}
		if task.State == types.StateClaimed {
			empty := ""
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease, lifecycle.Params{
				ActorID:      "sweeper",
				Reason:       "lease expired",
				SetClaimedBy: &empty,
			}); err != nil {
				return 0, err
			}
		}
		if _, err := rec.Append(o.projectID, types.EntityLease, o.token, types.EventLeaseExpired,
			map[string]interface{}{"task": o.taskID, "agent": o.agentID, "state": task.State}); err != nil {
			return 0, err
		}
		log.Info("lease expired",
			zap.String("task", task.ShortID),
			zap.String("agent", o.agentID),
			zap.String("state", string(task.State)))
	}
	return len(batch), nil
}

// ExpireReservations marks up to batchSize overdue active reservations
// expired and returns their Reserved tasks to Ready.
func ExpireReservations(tx *sql.Tx, rec *eventlog.Recorder, batchSize int) (int, error) {
	now := store.Now()
	rows, err := tx.Query(
		`SELECT id, task_id, project_id, assignee_agent_id, status, ttl_seconds, expires_at, created_at
		 FROM reservations WHERE status = ? AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`,
		types.ReservationActive, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue reservations: %w", err)
	}
	var batch []types.Reservation
	for rows.Next() {
		var r types.Reservation
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.AssigneeID, &r.Status,
			&r.TTLSeconds, &r.ExpiresAt, &r.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan overdue reservation: %w", err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	log := logging.Get(logging.CategorySweep)
	for _, r := range batch {
		if err := finishReservation(tx, rec, r, types.ReservationExpired, types.EventReservationExpired); err != nil {
			return 0, err
		}
		task, err := dag.GetTask(tx, r.TaskID)
		if err != nil {
			return 0, err
		}
		if task.State == types.StateReserved {
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease,
				lifecycle.Params{ActorID: "sweeper", Reason: "reservation expired"}); err != nil {
				return 0, err
			}
		}
		log.Info("reservation expired",
			zap.String("task", task.ShortID),
			zap.String("assignee", r.AssigneeID))
	}
	return len(batch), nil
}
