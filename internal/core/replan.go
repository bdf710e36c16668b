package core

import (
	"context"
	"database/sql"

	"tascade/internal/eventlog"
	"tascade/internal/gate"
	"tascade/internal/replan"
	"tascade/internal/types"
)

// SubmitChangeSet records a draft plan change set against the current
// plan version.
func (e *Engine) SubmitChangeSet(ctx context.Context, caller Caller, projectID string, basePlanVersion int64, ops []types.ChangeOp, reason string) (types.ChangeSet, error) {
	var cs types.ChangeSet
	err := e.write(ctx, caller, types.RolePlanner, projectID, "changeset.submit", &cs,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return replan.SubmitChangeSet(tx, rec, projectID, basePlanVersion, ops, reason)
		})
	return cs, err
}

// PreviewChangeSet validates a change set and computes its impact without
// committing any plan mutation.
func (e *Engine) PreviewChangeSet(ctx context.Context, caller Caller, projectID, changeSetID string) (*types.ImpactPreview, error) {
	var imp *types.ImpactPreview
	err := e.write(ctx, caller, types.RolePlanner, projectID, "changeset.preview", &imp,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			if err := changeSetInProject(tx, projectID, changeSetID); err != nil {
				return nil, err
			}
			return replan.Preview(tx, rec, changeSetID)
		})
	return imp, err
}

// ApplyChangeSet executes a change set atomically, bumps the plan version,
// re-emits gate risk summaries, and drops the project's context cache.
func (e *Engine) ApplyChangeSet(ctx context.Context, caller Caller, projectID, changeSetID string) (*replan.ApplyResult, error) {
	var result *replan.ApplyResult
	err := e.write(ctx, caller, types.RolePlanner, projectID, "changeset.apply", &result,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			if err := changeSetInProject(tx, projectID, changeSetID); err != nil {
				return nil, err
			}
			r, err := replan.Apply(tx, rec, changeSetID, caller.ActorID())
			if err != nil {
				return nil, err
			}
			if err := gate.EmitRiskSummary(tx, rec, projectID); err != nil {
				return nil, err
			}
			return r, nil
		})
	if err == nil {
		e.context.Invalidate(projectID)
	}
	return result, err
}

// changeSetInProject refuses preview and apply of a change set minted in
// another project: the caller's authorization was checked against
// projectID, and replan operates on the project the set itself names.
func changeSetInProject(tx *sql.Tx, projectID, changeSetID string) error {
	cs, err := replan.GetChangeSet(tx, changeSetID)
	if err != nil {
		return err
	}
	if cs.ProjectID != projectID {
		return types.E(types.KindProjectScopeViolation, "change set belongs to a different project")
	}
	return nil
}

// GetChangeSet reads one change set with operations and impact preview.
func (e *Engine) GetChangeSet(ctx context.Context, caller Caller, projectID, changeSetID string) (types.ChangeSet, error) {
	var cs types.ChangeSet
	err := e.read(caller, types.RolePlanner, projectID, func(db *sql.DB) error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			got, err := replan.GetChangeSet(tx, changeSetID)
			if err != nil {
				return err
			}
			if got.ProjectID != projectID {
				return types.E(types.KindProjectScopeViolation, "change set belongs to a different project")
			}
			cs = got
			return nil
		})
	})
	return cs, err
}

// ListChangeSets lists a project's change sets, newest first.
func (e *Engine) ListChangeSets(caller Caller, projectID string, limit int) ([]types.ChangeSet, error) {
	var out []types.ChangeSet
	err := e.read(caller, types.RolePlanner, projectID, func(db *sql.DB) error {
		var err error
		out, err = replan.ListChangeSets(db, projectID, limit)
		return err
	})
	return out, err
}

// RaiseBarrier pauses claims while a replan is coordinated.
func (e *Engine) RaiseBarrier(ctx context.Context, caller Caller, projectID string) error {
	return e.write(ctx, caller, types.RoleOperator, projectID, "barrier.raise", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, replan.RaiseBarrier(tx, rec, projectID, caller.ActorID())
		})
}

// LowerBarrier resumes claims.
func (e *Engine) LowerBarrier(ctx context.Context, caller Caller, projectID string) error {
	return e.write(ctx, caller, types.RoleOperator, projectID, "barrier.lower", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, replan.LowerBarrier(tx, rec, projectID, caller.ActorID())
		})
}
