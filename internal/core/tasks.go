package core

import (
	"context"
	"database/sql"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/scheduler"
	"tascade/internal/types"
)

// CreateTask inserts a task at the project's current plan version and
// computes its initial readiness.
func (e *Engine) CreateTask(ctx context.Context, caller Caller, in dag.NewTaskInput) (types.Task, error) {
	var t types.Task
	err := e.write(ctx, caller, types.RolePlanner, in.ProjectID, "task.create", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			project, err := dag.GetProject(tx, in.ProjectID)
			if err != nil {
				return nil, err
			}
			in.PlanVersion = project.PlanVersion
			task, err := dag.CreateTask(tx, rec, in)
			if err != nil {
				return nil, err
			}
			if err := scheduler.Recompute(tx, rec, task.ID); err != nil {
				return nil, err
			}
			return dag.GetTask(tx, task.ID)
		})
	return t, err
}

// GetTask reads one task by id.
func (e *Engine) GetTask(caller Caller, projectID, taskID string) (types.Task, error) {
	var t types.Task
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		task, err := dag.GetTaskDB(db, taskID)
		if err != nil {
			return err
		}
		if task.ProjectID != projectID {
			return types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
		}
		t = task
		return nil
	})
	return t, err
}

// UpdateTask writes planner-facing task fields outside of a change set.
// Material reclassification and hold release belong to replan; direct
// updates are meant for tasks not yet claimed.
func (e *Engine) UpdateTask(ctx context.Context, caller Caller, projectID, taskID string, u *types.TaskUpdate) (types.Task, error) {
	var t types.Task
	err := e.write(ctx, caller, types.RolePlanner, projectID, "task.update", &t,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			task, err := dag.GetTask(tx, taskID)
			if err != nil {
				return nil, err
			}
			if task.ProjectID != projectID {
				return nil, types.E(types.KindProjectScopeViolation, "task %s belongs to a different project", taskID)
			}
			switch task.State {
			case types.StateBacklog, types.StateReady, types.StateBlocked:
			default:
				return nil, types.E(types.KindPreconditionFailed,
					"task %s is %s; use a plan change set to modify held work", task.ShortID, task.State)
			}
			_, after, err := dag.ApplyTaskUpdate(tx, rec, taskID, u)
			return after, err
		})
	return t, err
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(caller Caller, f dag.TaskFilter) ([]types.Task, error) {
	var out []types.Task
	err := e.read(caller, types.RoleAgent, f.ProjectID, func(db *sql.DB) error {
		var err error
		out, err = dag.ListTasks(db, f)
		return err
	})
	return out, err
}

// AddDependency inserts the edge (from → to) and recomputes the target's
// readiness. The context cache drops the project's entries.
func (e *Engine) AddDependency(ctx context.Context, caller Caller, projectID, fromID, toID string, unlockOn types.UnlockOn) (types.DependencyEdge, error) {
	var edge types.DependencyEdge
	err := e.write(ctx, caller, types.RolePlanner, projectID, "edge.add", &edge,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			added, err := dag.AddEdge(tx, rec, projectID, fromID, toID, unlockOn)
			if err != nil {
				return nil, err
			}
			if err := scheduler.Recompute(tx, rec, toID); err != nil {
				return nil, err
			}
			return added, nil
		})
	if err == nil {
		e.context.Invalidate(projectID)
	}
	return edge, err
}

// RemoveDependency deletes an edge and recomputes the target's readiness.
func (e *Engine) RemoveDependency(ctx context.Context, caller Caller, projectID, fromID, toID string) error {
	err := e.write(ctx, caller, types.RolePlanner, projectID, "edge.remove", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			if err := dag.RemoveEdge(tx, rec, projectID, fromID, toID); err != nil {
				return nil, err
			}
			return nil, scheduler.Recompute(tx, rec, toID)
		})
	if err == nil {
		e.context.Invalidate(projectID)
	}
	return err
}

// ListDependencies returns every edge in a project.
func (e *Engine) ListDependencies(caller Caller, projectID string) ([]types.DependencyEdge, error) {
	var out []types.DependencyEdge
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		out, err = dag.ProjectEdges(db, projectID)
		return err
	})
	return out, err
}

// TaskContext returns the bounded dependency subgraph around a task.
// Negative depths select the configured defaults; bypass skips the cache.
func (e *Engine) TaskContext(caller Caller, projectID, taskID string, ancestorDepth, dependentDepth int, bypass bool) (dag.TaskContext, error) {
	var tc dag.TaskContext
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		tc, err = e.context.Get(projectID, taskID, ancestorDepth, dependentDepth, bypass)
		return err
	})
	return tc, err
}
