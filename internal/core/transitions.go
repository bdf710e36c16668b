package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/gate"
	"tascade/internal/lifecycle"
	"tascade/internal/scheduler"
	"tascade/internal/store"
	"tascade/internal/types"
)

// Start moves a claimed task into execution. The lease must verify and a
// snapshot must have been captured at claim time; execution is governed by
// that snapshot, not the live row.
func (e *Engine) Start(ctx context.Context, caller Caller, projectID, leaseToken string) (types.Task, error) {
	var t types.Task
	err := e.write(ctx, caller, types.RoleAgent, projectID, "task.start", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			_, task, err := lifecycle.VerifyLease(tx, leaseToken)
			if err != nil {
				return nil, err
			}
			var n int
			if err := tx.QueryRow(
				`SELECT COUNT(1) FROM task_snapshots WHERE lease_token = ?`, leaseToken).Scan(&n); err != nil {
				return nil, fmt.Errorf("failed to check snapshot: %w", err)
			}
			if n == 0 {
				return nil, types.E(types.KindPreconditionFailed, "no snapshot captured for lease")
			}
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionStart,
				lifecycle.Params{ActorID: caller.ActorID()}); err != nil {
				return nil, err
			}
			return task, nil
		})
	return t, err
}

// SubmitImplemented completes execution: the task reaches Implemented, the
// lease is consumed, successors whose edges unlock on implemented are
// recomputed, and gate rules are evaluated. The transition requires at
// least one artifact on the task whose checks passed; force, admin-only
// with a non-empty reason, bypasses that requirement and emits a distinct
// event.
func (e *Engine) SubmitImplemented(ctx context.Context, caller Caller, projectID, leaseToken, reason string, force bool) (types.Task, error) {
	var t types.Task
	role := types.RoleAgent
	if force {
		role = types.RoleAdmin
	}
	err := e.write(ctx, caller, role, projectID, "task.submit_implemented", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			_, task, err := lifecycle.VerifyLease(tx, leaseToken)
			if err != nil {
				return nil, err
			}
			if force {
				if !caller.Principal.IsAdmin() || reason == "" {
					return nil, types.E(types.KindGateForceRequiresAdmin,
						"forced submission requires admin and a backfill reason")
				}
				if _, err := rec.Append(projectID, types.EntityTask, task.ID, types.EventSubmitForceOverride,
					map[string]interface{}{"actor": caller.ActorID(), "reason": reason}); err != nil {
					return nil, err
				}
			} else {
				var passed int
				if err := tx.QueryRow(
					`SELECT COUNT(1) FROM artifacts WHERE task_id = ? AND check_status = ?`,
					task.ID, types.CheckPassed).Scan(&passed); err != nil {
					return nil, fmt.Errorf("failed to check artifacts: %w", err)
				}
				if passed == 0 {
					return nil, types.E(types.KindPreconditionFailed,
						"task %s has no artifact with passing checks", task.ShortID)
				}
			}
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionSubmitImplemented,
				lifecycle.Params{ActorID: caller.ActorID()}); err != nil {
				return nil, err
			}
			if err := scheduler.ConsumeLease(tx, leaseToken); err != nil {
				return nil, err
			}
			if err := scheduler.RecomputeSuccessors(tx, rec, task.ID); err != nil {
				return nil, err
			}
			if _, err := gate.Evaluate(tx, rec, projectID); err != nil {
				return nil, err
			}
			return task, nil
		})
	return t, err
}

// Integrate performs the gate-checked Implemented→Integrated transition
// and records a successful integration attempt. force, when non-nil, is
// the admin backfill path.
func (e *Engine) Integrate(ctx context.Context, caller Caller, projectID, taskID, reason string, force bool) (types.Task, error) {
	var t types.Task
	role := types.RoleReviewer
	if force {
		role = types.RoleAdmin
	}
	err := e.write(ctx, caller, role, projectID, "task.integrate", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			task, err := dag.GetTask(tx, taskID)
			if err != nil {
				return nil, err
			}
			if task.ProjectID != projectID {
				return nil, types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
			}
			var forceReq *gate.ForceRequest
			if force {
				forceReq = &gate.ForceRequest{Reason: reason, IsAdmin: caller.Principal.IsAdmin()}
			}
			if err := gate.CheckIntegrate(tx, rec, task, caller.ActorID(), forceReq); err != nil {
				return nil, err
			}
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionIntegrate,
				lifecycle.Params{ActorID: caller.ActorID(), Reason: reason}); err != nil {
				return nil, err
			}
			if err := insertIntegrationAttempt(tx, rec, task, types.IntegrationSuccess, reason); err != nil {
				return nil, err
			}
			if err := scheduler.RecomputeSuccessors(tx, rec, task.ID); err != nil {
				return nil, err
			}
			return task, nil
		})
	return t, err
}

// ReportIntegrationResult appends a merge outcome. A conflict outcome also
// moves the task Implemented→Conflict so it can be retried.
func (e *Engine) ReportIntegrationResult(ctx context.Context, caller Caller, projectID, taskID string, outcome types.IntegrationOutcome, detail string) (types.IntegrationAttempt, error) {
	var a types.IntegrationAttempt
	err := e.write(ctx, caller, types.RoleAgent, projectID, "integration.report", &a,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			switch outcome {
			case types.IntegrationQueued, types.IntegrationConflict, types.IntegrationFailedChecks:
			case types.IntegrationSuccess:
				return nil, types.E(types.KindInvalidArgument,
					"successful integration goes through the integrate operation")
			default:
				return nil, types.E(types.KindInvalidArgument, "unknown integration outcome %q", outcome)
			}
			task, err := dag.GetTask(tx, taskID)
			if err != nil {
				return nil, err
			}
			if task.ProjectID != projectID {
				return nil, types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
			}
			attempt := types.IntegrationAttempt{
				ID:        uuid.NewString(),
				TaskID:    task.ID,
				ProjectID: projectID,
				Outcome:   outcome,
				Detail:    detail,
				CreatedAt: store.Now(),
			}
			if err := insertIntegrationAttempt(tx, rec, task, outcome, detail); err != nil {
				return nil, err
			}
			if outcome == types.IntegrationConflict && task.State == types.StateImplemented {
				if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionReportConflict,
					lifecycle.Params{ActorID: caller.ActorID(), Reason: detail}); err != nil {
					return nil, err
				}
			}
			return attempt, nil
		})
	return a, err
}

func insertIntegrationAttempt(tx *sql.Tx, rec *eventlog.Recorder, task types.Task, outcome types.IntegrationOutcome, detail string) error {
	id := uuid.NewString()
	if _, err := tx.Exec(
		`INSERT INTO integration_attempts (id, task_id, project_id, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, task.ID, task.ProjectID, outcome, detail, store.Now()); err != nil {
		return fmt.Errorf("failed to record integration attempt: %w", err)
	}
	_, err := rec.Append(task.ProjectID, types.EntityIntegration, id, types.EventIntegrationRecorded,
		map[string]interface{}{"task": task.ID, "outcome": outcome})
	return err
}

// Retry returns a Conflict task to the queue.
func (e *Engine) Retry(ctx context.Context, caller Caller, projectID, taskID, reason string) (types.Task, error) {
	return e.simpleTransition(ctx, caller, types.RoleAgent, projectID, taskID, "task.retry", lifecycle.ActionRetry, reason)
}

// Block parks a task on an external impediment.
func (e *Engine) Block(ctx context.Context, caller Caller, projectID, taskID, reason string) (types.Task, error) {
	if reason == "" {
		return types.Task{}, types.E(types.KindInvalidArgument, "blocking requires a reason")
	}
	return e.simpleTransition(ctx, caller, types.RoleAgent, projectID, taskID, "task.block", lifecycle.ActionBlock, reason)
}

// Unblock returns a blocked task to Ready.
func (e *Engine) Unblock(ctx context.Context, caller Caller, projectID, taskID, reason string) (types.Task, error) {
	return e.simpleTransition(ctx, caller, types.RoleAgent, projectID, taskID, "task.unblock", lifecycle.ActionUnblock, reason)
}

// Cancel terminally removes unstarted work from the plan.
func (e *Engine) Cancel(ctx context.Context, caller Caller, projectID, taskID, reason string) (types.Task, error) {
	return e.simpleTransition(ctx, caller, types.RolePlanner, projectID, taskID, "task.cancel", lifecycle.ActionCancel, reason)
}

// Abandon terminally gives up on in-progress work. The lease ends with it.
func (e *Engine) Abandon(ctx context.Context, caller Caller, projectID, leaseToken, reason string) (types.Task, error) {
	var t types.Task
	err := e.write(ctx, caller, types.RoleAgent, projectID, "task.abandon", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			_, task, err := lifecycle.VerifyLease(tx, leaseToken)
			if err != nil {
				return nil, err
			}
			if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionAbandon,
				lifecycle.Params{ActorID: caller.ActorID(), Reason: reason}); err != nil {
				return nil, err
			}
			if err := scheduler.ConsumeLease(tx, leaseToken); err != nil {
				return nil, err
			}
			return task, nil
		})
	return t, err
}

func (e *Engine) simpleTransition(ctx context.Context, caller Caller, role types.Role, projectID, taskID, op string, action lifecycle.Action, reason string) (types.Task, error) {
	var t types.Task
	err := e.write(ctx, caller, role, projectID, op, &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			task, err := dag.GetTask(tx, taskID)
			if err != nil {
				return nil, err
			}
			if task.ProjectID != projectID {
				return nil, types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
			}
			if err := lifecycle.Transition(tx, rec, &task, action,
				lifecycle.Params{ActorID: caller.ActorID(), Reason: reason}); err != nil {
				return nil, err
			}
			return task, nil
		})
	return t, err
}

// AppendArtifact records produced work under an active lease.
func (e *Engine) AppendArtifact(ctx context.Context, caller Caller, projectID, leaseToken, branch, commitSHA string, checkStatus types.CheckStatus, touchedFiles []string) (types.Artifact, error) {
	var a types.Artifact
	err := e.write(ctx, caller, types.RoleAgent, projectID, "artifact.append", &a,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			lease, task, err := lifecycle.VerifyLease(tx, leaseToken)
			if err != nil {
				return nil, err
			}
			if checkStatus == "" {
				checkStatus = types.CheckPending
			}
			art := types.Artifact{
				ID:           uuid.NewString(),
				TaskID:       task.ID,
				ProjectID:    projectID,
				AgentID:      lease.AgentID,
				Branch:       branch,
				CommitSHA:    commitSHA,
				CheckStatus:  checkStatus,
				TouchedFiles: touchedFiles,
				CreatedAt:    store.Now(),
			}
			touched := "[]"
			if len(touchedFiles) > 0 {
				raw, mErr := json.Marshal(touchedFiles)
				if mErr != nil {
					return nil, fmt.Errorf("failed to encode touched files: %w", mErr)
				}
				touched = string(raw)
			}
			if _, err := tx.Exec(
				`INSERT INTO artifacts (id, task_id, project_id, agent_id, branch, commit_sha, check_status, touched_files, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				art.ID, art.TaskID, art.ProjectID, art.AgentID, art.Branch, art.CommitSHA,
				art.CheckStatus, touched, art.CreatedAt); err != nil {
				return nil, fmt.Errorf("failed to insert artifact: %w", err)
			}
			if _, err := rec.Append(projectID, types.EntityArtifact, art.ID, types.EventArtifactAppended,
				map[string]interface{}{"task": task.ID, "commit": commitSHA, "check_status": checkStatus}); err != nil {
				return nil, err
			}
			return art, nil
		})
	return a, err
}
