package gate

import (
	"database/sql"
	"fmt"
	"time"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// ListCheckpoints returns the open gates of a project with age, SLA state
// and a risk summary over their candidates. slaSeconds 0 disables SLA
// flagging.
func ListCheckpoints(db *sql.DB, projectID string, slaSeconds int) ([]types.CheckpointView, error) {
	rows, err := db.Query(
		`SELECT `+dag.TaskColumns+` FROM tasks
		 WHERE project_id = ? AND task_class IN (?, ?) AND state NOT IN (?, ?, ?)
		 ORDER BY created_at, short_id`,
		projectID, types.ClassReviewGate, types.ClassMergeGate,
		types.StateIntegrated, types.StateCancelled, types.StateAbandoned)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var gates []types.Task
	for rows.Next() {
		t, err := dag.ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		gates = append(gates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := store.Now()
	views := make([]types.CheckpointView, 0, len(gates))
	for _, g := range gates {
		v := types.CheckpointView{
			Task:     g,
			RuleID:   g.WorkSpec.Extras["rule_id"],
			OpenedAt: g.CreatedAt,
		}
		v.AgeSeconds = int64(now.Sub(g.CreatedAt) / time.Second)
		if slaSeconds > 0 && v.AgeSeconds > int64(slaSeconds) {
			v.SLABreached = true
		}
		if err := fillCandidateCounts(db, &v); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func fillCandidateCounts(db *sql.DB, v *types.CheckpointView) error {
	rows, err := db.Query(
		`SELECT t.id, t.state FROM gate_candidates gc JOIN tasks t ON t.id = gc.candidate_task_id
		 WHERE gc.checkpoint_task_id = ? ORDER BY t.short_id`, v.Task.ID)
	if err != nil {
		return fmt.Errorf("failed to read candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			state types.TaskState
		)
		if err := rows.Scan(&id, &state); err != nil {
			return fmt.Errorf("failed to scan candidate: %w", err)
		}
		v.CandidateIDs = append(v.CandidateIDs, id)
		switch state {
		case types.StateReady, types.StateImplemented:
			v.ReadyCandidates++
		case types.StateBlocked, types.StateBacklog, types.StateConflict:
			v.BlockedCandidates++
		}
	}
	return rows.Err()
}

// EmitRiskSummary appends one risk-summary event per open checkpoint,
// counting candidate states. Replan apply triggers this so reviewers see
// when a plan change disturbed work already batched for decision.
func EmitRiskSummary(tx *sql.Tx, rec *eventlog.Recorder, projectID string) error {
	rows, err := tx.Query(
		`SELECT id, short_id FROM tasks
		 WHERE project_id = ? AND task_class IN (?, ?) AND state NOT IN (?, ?, ?)`,
		projectID, types.ClassReviewGate, types.ClassMergeGate,
		types.StateIntegrated, types.StateCancelled, types.StateAbandoned)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	type gateRow struct{ id, shortID string }
	var gates []gateRow
	for rows.Next() {
		var g gateRow
		if err := rows.Scan(&g.id, &g.shortID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		gates = append(gates, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, g := range gates {
		counts := map[string]int{}
		cRows, err := tx.Query(
			`SELECT t.state FROM gate_candidates gc JOIN tasks t ON t.id = gc.candidate_task_id
			 WHERE gc.checkpoint_task_id = ?`, g.id)
		if err != nil {
			return fmt.Errorf("failed to read candidates: %w", err)
		}
		for cRows.Next() {
			var state string
			if err := cRows.Scan(&state); err != nil {
				cRows.Close()
				return fmt.Errorf("failed to scan candidate state: %w", err)
			}
			counts[state]++
		}
		cRows.Close()
		if err := cRows.Err(); err != nil {
			return err
		}
		if _, err := rec.Append(projectID, types.EntityTask, g.id, types.EventGateRiskSummary,
			map[string]interface{}{"checkpoint": g.shortID, "candidate_states": counts}); err != nil {
			return err
		}
	}
	return nil
}
