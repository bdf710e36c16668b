package dag

import (
	"database/sql"
	"fmt"

	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// AddEdge inserts the dependency edge (from → to): to depends on from.
// Enforced here, in order: endpoint existence, same-project, self-loop,
// uniqueness, and acyclicity with the candidate edge virtually added.
func AddEdge(tx *sql.Tx, rec *eventlog.Recorder, projectID, fromID, toID string, unlockOn types.UnlockOn) (types.DependencyEdge, error) {
	if unlockOn == "" {
		unlockOn = types.UnlockOnImplemented
	}
	if fromID == toID {
		return types.DependencyEdge{}, types.E(types.KindCycleDetected, "self-loop on task %s", fromID)
	}
	from, err := GetTask(tx, fromID)
	if err != nil {
		if types.IsKind(err, types.KindTaskNotFound) {
			return types.DependencyEdge{}, types.E(types.KindDependencyTaskNotFound, "dependency source %s not found", fromID)
		}
		return types.DependencyEdge{}, fmt.Errorf("failed to load dependency source: %w", err)
	}
	to, err := GetTask(tx, toID)
	if err != nil {
		if types.IsKind(err, types.KindTaskNotFound) {
			return types.DependencyEdge{}, types.E(types.KindDependencyTaskNotFound, "dependency target %s not found", toID)
		}
		return types.DependencyEdge{}, fmt.Errorf("failed to load dependency target: %w", err)
	}
	if from.ProjectID != projectID || to.ProjectID != projectID || from.ProjectID != to.ProjectID {
		return types.DependencyEdge{}, types.E(types.KindDependencyProjectMismatch,
			"edge endpoints must share project %s", projectID)
	}
	reaches, err := reachable(tx, projectID, toID, fromID)
	if err != nil {
		return types.DependencyEdge{}, err
	}
	if reaches {
		return types.DependencyEdge{}, types.E(types.KindCycleDetected,
			"edge %s -> %s would close a cycle", from.ShortID, to.ShortID)
	}

	e := types.DependencyEdge{
		ProjectID: projectID,
		FromID:    fromID,
		ToID:      toID,
		UnlockOn:  unlockOn,
		CreatedAt: store.Now(),
	}
	_, err = tx.Exec(
		`INSERT INTO task_dependencies (project_id, from_id, to_id, unlock_on, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ProjectID, e.FromID, e.ToID, e.UnlockOn, e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.DependencyEdge{}, types.Wrap(types.KindInvalidArgument, err,
				"edge %s -> %s already exists", from.ShortID, to.ShortID)
		}
		return types.DependencyEdge{}, fmt.Errorf("failed to insert edge: %w", err)
	}
	if _, err := rec.Append(projectID, types.EntityEdge, edgeEntityID(fromID, toID), types.EventEdgeAdded,
		map[string]interface{}{"from": fromID, "to": toID, "unlock_on": unlockOn}); err != nil {
		return types.DependencyEdge{}, err
	}
	return e, nil
}

// RemoveEdge deletes an edge; missing edges are reported as INVALID_ARGUMENT.
func RemoveEdge(tx *sql.Tx, rec *eventlog.Recorder, projectID, fromID, toID string) error {
	res, err := tx.Exec(
		`DELETE FROM task_dependencies WHERE project_id = ? AND from_id = ? AND to_id = ?`,
		projectID, fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindInvalidArgument, "edge %s -> %s does not exist", fromID, toID)
	}
	_, err = rec.Append(projectID, types.EntityEdge, edgeEntityID(fromID, toID), types.EventEdgeRemoved,
		map[string]interface{}{"from": fromID, "to": toID})
	return err
}

func edgeEntityID(fromID, toID string) string {
	return fromID + "->" + toID
}

// reachable reports whether dst is reachable from src following committed
// edges (from_id → to_id) within one project. Used with (src=to, dst=from)
// to test whether a candidate edge from→to would close a cycle.
func reachable(tx *sql.Tx, projectID, src, dst string) (bool, error) {
	var n int
	err := tx.QueryRow(
		`WITH RECURSIVE reach(id) AS (
			SELECT ?
			UNION
			SELECT d.to_id FROM task_dependencies d JOIN reach r ON d.from_id = r.id
			WHERE d.project_id = ?
		)
		SELECT COUNT(1) FROM reach WHERE id = ?`,
		src, projectID, dst,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed reachability check: %w", err)
	}
	return n > 0, nil
}

// IncomingEdges lists the edges whose target is taskID.
func IncomingEdges(tx *sql.Tx, taskID string) ([]types.DependencyEdge, error) {
	rows, err := tx.Query(
		`SELECT project_id, from_id, to_id, unlock_on, created_at
		 FROM task_dependencies WHERE to_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read incoming edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// OutgoingEdges lists the edges whose source is taskID.
func OutgoingEdges(tx *sql.Tx, taskID string) ([]types.DependencyEdge, error) {
	rows, err := tx.Query(
		`SELECT project_id, from_id, to_id, unlock_on, created_at
		 FROM task_dependencies WHERE from_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read outgoing edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// ProjectEdges lists every edge in a project.
func ProjectEdges(db *sql.DB, projectID string) ([]types.DependencyEdge, error) {
	rows, err := db.Query(
		`SELECT project_id, from_id, to_id, unlock_on, created_at
		 FROM task_dependencies WHERE project_id = ? ORDER BY from_id, to_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read project edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]types.DependencyEdge, error) {
	var out []types.DependencyEdge
	for rows.Next() {
		var e types.DependencyEdge
		if err := rows.Scan(&e.ProjectID, &e.FromID, &e.ToID, &e.UnlockOn, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
