package replan

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/logging"
	"tascade/internal/scheduler"
	"tascade/internal/store"
	"tascade/internal/types"
)

// ApplyResult reports what an applied change set did.
type ApplyResult struct {
	ChangeSetID   string   `json:"change_set_id"`
	PlanVersion   int64    `json:"plan_version"`
	MaterialTasks []string `json:"material_tasks,omitempty"`
	ReleasedHolds []string `json:"released_holds,omitempty"`
}

// Apply executes a validated change set atomically: every operation runs
// against live rows, material changes release Claimed and Reserved holds
// with a fencing bump, the plan version advances by one, and readiness is
// recomputed project-wide. A base-version mismatch rejects the set with
// PLAN_VERSION_CONFLICT and nothing else changes.
func Apply(tx *sql.Tx, rec *eventlog.Recorder, changeSetID, actorID string) (*ApplyResult, error) {
	cs, err := GetChangeSet(tx, changeSetID)
	if err != nil {
		return nil, err
	}
	switch cs.Status {
	case types.ChangeSetApplied:
		return nil, types.E(types.KindPreconditionFailed, "change set %s already applied", changeSetID)
	case types.ChangeSetRejected:
		return nil, types.E(types.KindPreconditionFailed, "change set %s was rejected", changeSetID)
	}
	project, err := dag.GetProject(tx, cs.ProjectID)
	if err != nil {
		return nil, err
	}
	if cs.BasePlanVersion != project.PlanVersion {
		if err := setChangeSetStatus(tx, changeSetID, types.ChangeSetRejected); err != nil {
			return nil, err
		}
		if _, err := rec.Append(cs.ProjectID, types.EntityChangeSet, cs.ID, types.EventChangeSetRejected,
			map[string]interface{}{"base": cs.BasePlanVersion, "current": project.PlanVersion}); err != nil {
			return nil, err
		}
		return nil, types.E(types.KindPlanVersionConflict,
			"change set base version %d does not match current plan version %d",
			cs.BasePlanVersion, project.PlanVersion)
	}

	newVersion := project.PlanVersion + 1
	material := map[string]bool{}
	for i, op := range cs.Operations {
		if err := applyOp(tx, rec, cs.ProjectID, op, newVersion, actorID, material); err != nil {
			return nil, fmt.Errorf("operation %d failed: %w", i, err)
		}
		if _, err := rec.Append(cs.ProjectID, types.EntityChangeSet, cs.ID, types.EventChangeSetOpApplied,
			map[string]interface{}{"index": i, "type": op.Type}); err != nil {
			return nil, err
		}
	}

	result := &ApplyResult{ChangeSetID: cs.ID, PlanVersion: newVersion}
	for taskID := range material {
		result.MaterialTasks = append(result.MaterialTasks, taskID)
		released, err := releaseHolds(tx, rec, taskID, newVersion)
		if err != nil {
			return nil, err
		}
		if released {
			result.ReleasedHolds = append(result.ReleasedHolds, taskID)
		}
	}

	bumped, err := dag.BumpPlanVersion(tx, cs.ProjectID)
	if err != nil {
		return nil, err
	}
	if bumped != newVersion {
		return nil, types.E(types.KindPlanVersionConflict,
			"plan version advanced concurrently: expected %d, got %d", newVersion, bumped)
	}
	now := store.Now()
	if _, err := tx.Exec(
		`INSERT INTO plan_versions (project_id, version_number, change_set_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		cs.ProjectID, newVersion, cs.ID, now); err != nil {
		return nil, fmt.Errorf("failed to record plan version: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE plan_change_sets SET status = ?, target_plan_version = ?, applied_at = ? WHERE id = ?`,
		types.ChangeSetApplied, newVersion, now, cs.ID); err != nil {
		return nil, fmt.Errorf("failed to finalize change set: %w", err)
	}
	if _, err := rec.Append(cs.ProjectID, types.EntityProject, cs.ProjectID, types.EventPlanVersionBumped,
		map[string]interface{}{"version": newVersion, "change_set": cs.ID}); err != nil {
		return nil, err
	}

	if err := scheduler.RecomputeProject(tx, rec, cs.ProjectID); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryReplan).Info("change set applied",
		zap.String("change_set", cs.ID),
		zap.Int64("plan_version", newVersion),
		zap.Int("material_tasks", len(result.MaterialTasks)))
	return result, nil
}

func applyOp(tx *sql.Tx, rec *eventlog.Recorder, projectID string, op types.ChangeOp, newVersion int64, actorID string, material map[string]bool) error {
	switch op.Type {
	case types.OpAddTask:
		nt := op.NewTask
		_, err := dag.CreateTask(tx, rec, dag.NewTaskInput{
			ProjectID:       projectID,
			PhaseID:         nt.PhaseID,
			MilestoneID:     nt.MilestoneID,
			Title:           nt.Title,
			Description:     nt.Description,
			Priority:        nt.Priority,
			Class:           nt.Class,
			CapabilityTags:  nt.CapabilityTags,
			ExpectedTouches: nt.ExpectedTouches,
			ExclusivePaths:  nt.ExclusivePaths,
			SharedPaths:     nt.SharedPaths,
			WorkSpec:        nt.WorkSpec,
			PlanVersion:     newVersion,
		})
		return err

	case types.OpRemoveTask, types.OpDeprecate:
		return deprecateTask(tx, rec, projectID, op.TaskID, newVersion, actorID, material)

	case types.OpPostpone:
		task, err := dag.GetTask(tx, op.TaskID)
		if err != nil {
			return err
		}
		material[op.TaskID] = true
		if task.State == types.StateReady {
			return lifecycle.Transition(tx, rec, &task, lifecycle.ActionRegress,
				lifecycle.Params{ActorID: actorID, Reason: "postponed by replan"})
		}
		return nil

	case types.OpUpdateTask:
		before, after, err := dag.ApplyTaskUpdate(tx, rec, op.TaskID, op.Update)
		if err != nil {
			return err
		}
		if materialUpdate(before, after) {
			material[op.TaskID] = true
		}
		return nil

	case types.OpReprioritize:
		_, _, err := dag.ApplyTaskUpdate(tx, rec, op.TaskID, &types.TaskUpdate{Priority: op.Priority})
		return err

	case types.OpAddEdge:
		if _, err := dag.AddEdge(tx, rec, projectID, op.FromID, op.ToID, op.UnlockOn); err != nil {
			return err
		}
		material[op.ToID] = true
		return nil

	case types.OpRemoveEdge:
		if err := dag.RemoveEdge(tx, rec, projectID, op.FromID, op.ToID); err != nil {
			return err
		}
		material[op.ToID] = true
		return nil
	}
	return types.E(types.KindInvalidArgument, "unknown operation type %q", op.Type)
}

// deprecateTask soft-removes a task: it stays in history but leaves the
// pull queue and readiness computation.
func deprecateTask(tx *sql.Tx, rec *eventlog.Recorder, projectID, taskID string, newVersion int64, actorID string, material map[string]bool) error {
	task, err := dag.GetTask(tx, taskID)
	if err != nil {
		return err
	}
	if task.ProjectID != projectID {
		return types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
	}
	if _, err := tx.Exec(
		`UPDATE tasks SET deprecated_in_plan = ?, updated_at = ? WHERE id = ?`,
		newVersion, store.Now(), taskID); err != nil {
		return fmt.Errorf("failed to deprecate task: %w", err)
	}
	material[taskID] = true
	_, err = rec.Append(projectID, types.EntityTask, taskID, types.EventTaskDeprecated,
		map[string]interface{}{"plan_version": newVersion, "actor": actorID})
	return err
}

// releaseHolds invalidates outstanding holds on a materially changed task.
// Claimed and Reserved tasks return to Ready with a fencing bump so stale
// lease tokens are refused; in-progress work keeps running and learns of
// the change through latest_material_plan at its next heartbeat.
func releaseHolds(tx *sql.Tx, rec *eventlog.Recorder, taskID string, newVersion int64) (bool, error) {
	if _, err := tx.Exec(
		`UPDATE tasks SET latest_material_plan = ?, updated_at = ? WHERE id = ?`,
		newVersion, store.Now(), taskID); err != nil {
		return false, fmt.Errorf("failed to record material version: %w", err)
	}
	task, err := dag.GetTask(tx, taskID)
	if err != nil {
		return false, err
	}
	switch task.State {
	case types.StateClaimed:
		if _, err := tx.Exec(
			`UPDATE leases SET status = ? WHERE task_id = ? AND status = ?`,
			types.LeaseReleased, taskID, types.LeaseActive); err != nil {
			return false, fmt.Errorf("failed to release lease: %w", err)
		}
		if _, err := lifecycle.BumpFencing(tx, taskID); err != nil {
			return false, err
		}
		task, err = dag.GetTask(tx, taskID)
		if err != nil {
			return false, err
		}
		empty := ""
		if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease, lifecycle.Params{
			ActorID:      "replan",
			Reason:       "material plan change",
			SetClaimedBy: &empty,
		}); err != nil {
			return false, err
		}
		if _, err := rec.Append(task.ProjectID, types.EntityTask, taskID, types.EventHoldReleased,
			map[string]interface{}{"state": types.StateClaimed, "plan_version": newVersion}); err != nil {
			return false, err
		}
		return true, nil

	case types.StateReserved:
		if _, err := tx.Exec(
			`UPDATE reservations SET status = ? WHERE task_id = ? AND status = ?`,
			types.ReservationReleased, taskID, types.ReservationActive); err != nil {
			return false, fmt.Errorf("failed to release reservation: %w", err)
		}
		if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease,
			lifecycle.Params{ActorID: "replan", Reason: "material plan change"}); err != nil {
			return false, err
		}
		if _, err := rec.Append(task.ProjectID, types.EntityTask, taskID, types.EventHoldReleased,
			map[string]interface{}{"state": types.StateReserved, "plan_version": newVersion}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
