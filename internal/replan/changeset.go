// Package replan implements mid-flight plan mutation: change sets are
// submitted against a base plan version, previewed for impact, and applied
// atomically. A material change to a claimed task releases the hold and
// invalidates its lease through the fencing counter; in-progress work is
// never aborted here, it discovers staleness at its next heartbeat.
package replan

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// SubmitChangeSet records a draft change set against the project's current
// plan version. Ops are validated structurally here; semantic validation
// (cycles, missing tasks) happens at preview and apply.
func SubmitChangeSet(tx *sql.Tx, rec *eventlog.Recorder, projectID string, basePlanVersion int64, ops []types.ChangeOp, reason string) (types.ChangeSet, error) {
	if len(ops) == 0 {
		return types.ChangeSet{}, types.E(types.KindInvalidArgument, "change set has no operations")
	}
	project, err := dag.GetProject(tx, projectID)
	if err != nil {
		return types.ChangeSet{}, err
	}
	if basePlanVersion != project.PlanVersion {
		return types.ChangeSet{}, types.E(types.KindPlanVersionConflict,
			"change set base version %d does not match current plan version %d",
			basePlanVersion, project.PlanVersion)
	}
	for i, op := range ops {
		if err := checkOpShape(op); err != nil {
			return types.ChangeSet{}, types.Wrap(types.KindInvalidArgument, err, "operation %d", i)
		}
	}

	now := store.Now()
	cs := types.ChangeSet{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		BasePlanVersion: basePlanVersion,
		Operations:      ops,
		Status:          types.ChangeSetDraft,
		Reason:          reason,
		CreatedAt:       now,
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return types.ChangeSet{}, fmt.Errorf("failed to encode operations: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO plan_change_sets (id, project_id, base_plan_version, operations, status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.ProjectID, cs.BasePlanVersion, string(raw), cs.Status, cs.Reason, cs.CreatedAt,
	); err != nil {
		return types.ChangeSet{}, fmt.Errorf("failed to insert change set: %w", err)
	}
	if _, err := rec.Append(projectID, types.EntityChangeSet, cs.ID, types.EventChangeSetSubmitted,
		map[string]interface{}{"base_plan_version": basePlanVersion, "operations": len(ops)}); err != nil {
		return types.ChangeSet{}, err
	}
	return cs, nil
}

func checkOpShape(op types.ChangeOp) error {
	switch op.Type {
	case types.OpAddTask:
		if op.NewTask == nil || op.NewTask.Title == "" {
			return fmt.Errorf("add_task requires a task with a title")
		}
	case types.OpRemoveTask, types.OpDeprecate, types.OpPostpone:
		if op.TaskID == "" {
			return fmt.Errorf("%s requires task_id", op.Type)
		}
	case types.OpUpdateTask:
		if op.TaskID == "" || op.Update == nil {
			return fmt.Errorf("update_task requires task_id and update")
		}
	case types.OpReprioritize:
		if op.TaskID == "" || op.Priority == nil {
			return fmt.Errorf("reprioritize requires task_id and priority")
		}
	case types.OpAddEdge, types.OpRemoveEdge:
		if op.FromID == "" || op.ToID == "" {
			return fmt.Errorf("%s requires from_id and to_id", op.Type)
		}
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// GetChangeSet reads one change set with its decoded operations and any
// stored impact preview.
func GetChangeSet(tx *sql.Tx, changeSetID string) (types.ChangeSet, error) {
	var (
		cs      types.ChangeSet
		rawOps  string
		rawImp  sql.NullString
		applied sql.NullTime
	)
	err := tx.QueryRow(
		`SELECT id, project_id, base_plan_version, target_plan_version, operations, status, reason,
			impact_preview, created_at, applied_at
		 FROM plan_change_sets WHERE id = ?`, changeSetID,
	).Scan(&cs.ID, &cs.ProjectID, &cs.BasePlanVersion, &cs.TargetPlanVersion, &rawOps, &cs.Status,
		&cs.Reason, &rawImp, &cs.CreatedAt, &applied)
	if err == sql.ErrNoRows {
		return types.ChangeSet{}, types.E(types.KindInvalidArgument, "change set %s not found", changeSetID)
	}
	if err != nil {
		return types.ChangeSet{}, fmt.Errorf("failed to read change set: %w", err)
	}
	if err := json.Unmarshal([]byte(rawOps), &cs.Operations); err != nil {
		return types.ChangeSet{}, fmt.Errorf("corrupt operations on change set %s: %w", cs.ID, err)
	}
	if rawImp.Valid && rawImp.String != "" {
		var imp types.ImpactPreview
		if err := json.Unmarshal([]byte(rawImp.String), &imp); err != nil {
			return types.ChangeSet{}, fmt.Errorf("corrupt impact preview on change set %s: %w", cs.ID, err)
		}
		cs.Impact = &imp
	}
	if applied.Valid {
		ts := applied.Time
		cs.AppliedAt = &ts
	}
	return cs, nil
}

// ListChangeSets returns a project's change sets, newest first.
func ListChangeSets(db *sql.DB, projectID string, limit int) ([]types.ChangeSet, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, base_plan_version, target_plan_version, status, reason, created_at
		 FROM plan_change_sets WHERE project_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change sets: %w", err)
	}
	defer rows.Close()
	var out []types.ChangeSet
	for rows.Next() {
		cs := types.ChangeSet{ProjectID: projectID}
		if err := rows.Scan(&cs.ID, &cs.BasePlanVersion, &cs.TargetPlanVersion, &cs.Status,
			&cs.Reason, &cs.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change set: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func setChangeSetStatus(tx *sql.Tx, changeSetID string, status types.ChangeSetStatus) error {
	if _, err := tx.Exec(
		`UPDATE plan_change_sets SET status = ? WHERE id = ?`, status, changeSetID); err != nil {
		return fmt.Errorf("failed to update change set status: %w", err)
	}
	return nil
}

func saveImpactPreview(tx *sql.Tx, changeSetID string, imp *types.ImpactPreview) error {
	raw, err := json.Marshal(imp)
	if err != nil {
		return fmt.Errorf("failed to encode impact preview: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE plan_change_sets SET impact_preview = ? WHERE id = ?`, string(raw), changeSetID); err != nil {
		return fmt.Errorf("failed to save impact preview: %w", err)
	}
	return nil
}
