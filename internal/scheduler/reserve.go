package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/store"
	"tascade/internal/types"
)

// Reservation TTL bounds (seconds), from the scheduling contract.
const (
	minReservationTTL     = 60
	maxReservationTTL     = 86400
	defaultReservationTTL = 1800
)

func decodeList(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// activeReservationsByTask maps task id → assignee for every unexpired
// active reservation in a project.
func activeReservationsByTask(q queryer, projectID string, now time.Time) (map[string]string, error) {
	rows, err := q.Query(
		`SELECT task_id, assignee_agent_id FROM reservations
		 WHERE project_id = ? AND status = ? AND expires_at > ?`,
		projectID, types.ReservationActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read reservations: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var taskID, assignee string
		if err := rows.Scan(&taskID, &assignee); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out[taskID] = assignee
	}
	return out, rows.Err()
}

// activeReservation returns the active reservation on a task, if any.
func activeReservation(tx *sql.Tx, taskID string) (types.Reservation, bool, error) {
	var r types.Reservation
	err := tx.QueryRow(
		`SELECT id, task_id, project_id, assignee_agent_id, status, ttl_seconds, expires_at, created_at
		 FROM reservations WHERE task_id = ? AND status = ?`,
		taskID, types.ReservationActive,
	).Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.AssigneeID, &r.Status, &r.TTLSeconds, &r.ExpiresAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Reservation{}, false, nil
	}
	if err != nil {
		return types.Reservation{}, false, fmt.Errorf("failed to read reservation: %w", err)
	}
	return r, true, nil
}

// Assign creates a hard reservation directing a Ready task to one agent and
// transitions it Ready→Reserved. ttlSeconds 0 selects the default; values
// outside [60, 86400] are rejected.
func Assign(tx *sql.Tx, rec *eventlog.Recorder, taskID, agentID string, ttlSeconds int, actorID string) (types.Reservation, error) {
	if agentID == "" {
		return types.Reservation{}, types.E(types.KindInvalidArgument, "assignee agent id is required")
	}
	if ttlSeconds == 0 {
		ttlSeconds = defaultReservationTTL
	}
	if ttlSeconds < minReservationTTL || ttlSeconds > maxReservationTTL {
		return types.Reservation{}, types.E(types.KindInvalidArgument,
			"reservation ttl must be in [%d, %d] seconds", minReservationTTL, maxReservationTTL)
	}
	task, err := dag.GetTask(tx, taskID)
	if err != nil {
		return types.Reservation{}, err
	}
	if _, held, err := activeReservation(tx, taskID); err != nil {
		return types.Reservation{}, err
	} else if held {
		return types.Reservation{}, types.E(types.KindReservationConflict,
			"task %s already has an active reservation", task.ShortID)
	}

	now := store.Now()
	r := types.Reservation{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		ProjectID:  task.ProjectID,
		AssigneeID: agentID,
		Status:     types.ReservationActive,
		TTLSeconds: ttlSeconds,
		ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
		CreatedAt:  now,
	}
	if _, err := tx.Exec(
		`INSERT INTO reservations (id, task_id, project_id, assignee_agent_id, status, ttl_seconds, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ProjectID, r.AssigneeID, r.Status, r.TTLSeconds, r.ExpiresAt, r.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return types.Reservation{}, types.Wrap(types.KindReservationConflict, err,
				"task %s already has an active reservation", task.ShortID)
		}
		return types.Reservation{}, fmt.Errorf("failed to insert reservation: %w", err)
	}
	if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionReserve, lifecycle.Params{
		ActorID: actorID,
		Payload: map[string]interface{}{"assignee": agentID, "ttl_seconds": ttlSeconds},
	}); err != nil {
		return types.Reservation{}, err
	}
	if _, err := rec.Append(task.ProjectID, types.EntityReservation, r.ID, types.EventReservationCreated,
		map[string]interface{}{"task": taskID, "assignee": agentID}); err != nil {
		return types.Reservation{}, err
	}
	return r, nil
}

// ReleaseReservation explicitly drops an active reservation and returns the
// task to Ready.
func ReleaseReservation(tx *sql.Tx, rec *eventlog.Recorder, taskID, actorID string) error {
	r, held, err := activeReservation(tx, taskID)
	if err != nil {
		return err
	}
	if !held {
		return types.E(types.KindPreconditionFailed, "task %s has no active reservation", taskID)
	}
	if err := finishReservation(tx, rec, r, types.ReservationReleased, types.EventReservationReleased); err != nil {
		return err
	}
	task, err := dag.GetTask(tx, taskID)
	if err != nil {
		return err
	}
	if task.State == types.StateReserved {
		return lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease,
			lifecycle.Params{ActorID: actorID, Reason: "reservation released"})
	}
	return nil
}

// finishReservation moves a reservation to a terminal status and emits the
// matching event.
func finishReservation(tx *sql.Tx, rec *eventlog.Recorder, r types.Reservation, status types.ReservationStatus, eventType string) error {
	res, err := tx.Exec(
		`UPDATE reservations SET status = ? WHERE id = ? AND status = ?`,
		status, r.ID, types.ReservationActive)
	if err != nil {
		return fmt.Errorf("failed to finish reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindPreconditionFailed, "reservation %s is no longer active", r.ID)
	}
	_, err = rec.Append(r.ProjectID, types.EntityReservation, r.ID, eventType,
		map[string]interface{}{"task": r.TaskID, "assignee": r.AssigneeID})
	return err
}

// isUniqueViolation mirrors the dag-package helper for scheduler tables.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
