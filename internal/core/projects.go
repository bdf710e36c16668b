package core

import (
	"context"
	"database/sql"

	"tascade/internal/auth"
	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/types"
)

// CreateProject bootstraps a project. Admin only; the creation is audited
// through the project.created event.
func (e *Engine) CreateProject(ctx context.Context, caller Caller, name, description string) (types.Project, error) {
	var p types.Project
	err := e.writeAdmin(ctx, caller, "", "project.create", &p,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return dag.CreateProject(tx, rec, name, description)
		})
	return p, err
}

// GetProject reads one project.
func (e *Engine) GetProject(ctx context.Context, caller Caller, projectID string) (types.Project, error) {
	var p types.Project
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			p, err = dag.GetProject(tx, projectID)
			return err
		})
	})
	return p, err
}

// ListProjects lists every project. Admin only; scoped keys see only their
// own project through GetProject.
func (e *Engine) ListProjects(caller Caller) ([]types.Project, error) {
	if err := auth.RequireAdmin(caller.Principal); err != nil {
		return nil, err
	}
	return dag.ListProjects(e.store.DB())
}

// CreatePhase adds a phase to a project.
func (e *Engine) CreatePhase(ctx context.Context, caller Caller, projectID, name string) (types.Phase, error) {
	var p types.Phase
	err := e.write(ctx, caller, types.RolePlanner, projectID, "phase.create", &p,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return dag.CreatePhase(tx, rec, projectID, name)
		})
	return p, err
}

// CreateMilestone adds a milestone under a phase.
func (e *Engine) CreateMilestone(ctx context.Context, caller Caller, projectID, phaseID, name string) (types.Milestone, error) {
	var m types.Milestone
	err := e.write(ctx, caller, types.RolePlanner, projectID, "milestone.create", &m,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return dag.CreateMilestone(tx, rec, projectID, phaseID, name)
		})
	return m, err
}

// CreateAPIKey mints a project-scoped key. The secret is returned once.
func (e *Engine) CreateAPIKey(ctx context.Context, caller Caller, projectID, name string, roles []types.Role) (types.APIKey, string, error) {
	if err := auth.RequireAdmin(caller.Principal); err != nil {
		return types.APIKey{}, "", err
	}
	var (
		key    types.APIKey
		secret string
		events []types.Event
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, caller.CorrelationID)
		var err error
		key, secret, err = auth.CreateAPIKey(tx, rec, projectID, name, roles)
		if err != nil {
			return err
		}
		events = rec.Events()
		return nil
	})
	if err != nil {
		return types.APIKey{}, "", err
	}
	e.bus.Publish(events...)
	return key, secret, nil
}

// RevokeAPIKey revokes a key; revoking twice is a no-op.
func (e *Engine) RevokeAPIKey(ctx context.Context, caller Caller, projectID, keyID string) error {
	return e.writeAdmin(ctx, caller, projectID, "apikey.revoke", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, auth.RevokeAPIKey(tx, rec, projectID, keyID)
		})
}

// ListAPIKeys lists a project's keys without secrets.
func (e *Engine) ListAPIKeys(caller Caller, projectID string) ([]types.APIKey, error) {
	if err := auth.RequireAdmin(caller.Principal); err != nil {
		return nil, err
	}
	return auth.ListAPIKeys(e.store.DB(), projectID)
}
