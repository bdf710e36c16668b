package core

import (
	"database/sql"

	"tascade/internal/eventlog"
	"tascade/internal/types"
)

// Events returns a project's event stream after the given id, oldest first.
func (e *Engine) Events(caller Caller, projectID string, afterID int64, limit int) ([]types.Event, error) {
	var out []types.Event
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		out, err = eventlog.List(db, projectID, afterID, limit)
		return err
	})
	return out, err
}

// TaskEvents projects the stream down to one task.
func (e *Engine) TaskEvents(caller Caller, projectID, taskID string, afterID int64, limit int) ([]types.Event, error) {
	var out []types.Event
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		out, err = eventlog.TaskStream(db, projectID, taskID, afterID, limit)
		return err
	})
	return out, err
}

// EntityEvents projects the stream down to one entity kind, e.g. leases or
// gate decisions.
func (e *Engine) EntityEvents(caller Caller, projectID, entityType string, afterID int64, limit int) ([]types.Event, error) {
	var out []types.Event
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		out, err = eventlog.ByEntityKind(db, projectID, entityType, afterID, limit)
		return err
	})
	return out, err
}
