// Package scheduler owns readiness computation, the ranked pull queue,
// claim/lease coordination with fencing, directed reservations, and the
// TTL expiry sweeps. The shared SQLite store is the only coordination
// point; every decision here happens inside a transaction.
package scheduler

import (
	"database/sql"
	"fmt"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/types"
)

// satisfied reports whether every incoming edge of the task meets its
// unlock_on criterion against the source task's current state.
func satisfied(tx *sql.Tx, taskID string) (bool, error) {
	rows, err := tx.Query(
		`SELECT d.unlock_on, t.state
		 FROM task_dependencies d JOIN tasks t ON t.id = d.from_id
		 WHERE d.to_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to read predecessors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			unlock types.UnlockOn
			state  types.TaskState
		)
		if err := rows.Scan(&unlock, &state); err != nil {
			return false, fmt.Errorf("failed to scan predecessor: %w", err)
		}
		if !unlock.Satisfied(state) {
			return false, nil
		}
	}
	return true, rows.Err()
}

// Recompute materializes readiness for one task: Backlog→Ready when all
// predecessors satisfy, Ready→Backlog on regression. Other states are
// untouched; held and finished tasks do not flap on predecessor changes.
func Recompute(tx *sql.Tx, rec *eventlog.Recorder, taskID string) error {
	task, err := dag.GetTask(tx, taskID)
	if err != nil {
		return err
	}
	if !task.Active() {
		return nil
	}
	switch task.State {
	case types.StateBacklog, types.StateReady:
	default:
		return nil
	}
	ok, err := satisfied(tx, taskID)
	if err != nil {
		return err
	}
	switch {
	case ok && task.State == types.StateBacklog:
		return lifecycle.Transition(tx, rec, &task, lifecycle.ActionMarkReady,
			lifecycle.Params{ActorID: "scheduler", Reason: "predecessors satisfied"})
	case !ok && task.State == types.StateReady:
		return lifecycle.Transition(tx, rec, &task, lifecycle.ActionRegress,
			lifecycle.Params{ActorID: "scheduler", Reason: "predecessor regressed"})
	}
	return nil
}

// RecomputeSuccessors refreshes readiness of every task that depends on
// the given one. Called after any transition that changes finality.
func RecomputeSuccessors(tx *sql.Tx, rec *eventlog.Recorder, taskID string) error {
	edges, err := dag.OutgoingEdges(tx, taskID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := Recompute(tx, rec, e.ToID); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeProject refreshes readiness across a whole project. Used by
// planner bootstrap and after replan apply, where edge changes are not
// local to one task.
func RecomputeProject(tx *sql.Tx, rec *eventlog.Recorder, projectID string) error {
	rows, err := tx.Query(
		`SELECT id FROM tasks WHERE project_id = ? AND state IN (?, ?) AND deprecated_in_plan = 0`,
		projectID, types.StateBacklog, types.StateReady)
	if err != nil {
		return fmt.Errorf("failed to list recompute candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := Recompute(tx, rec, id); err != nil {
			return err
		}
	}
	return nil
}
