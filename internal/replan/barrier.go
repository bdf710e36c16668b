package replan

import (
	"database/sql"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/types"
)

// RaiseBarrier pauses claims on a project while a replan is coordinated.
// Outstanding leases keep running; only new claims are refused.
func RaiseBarrier(tx *sql.Tx, rec *eventlog.Recorder, projectID, actorID string) error {
	if err := dag.SetReplanBarrier(tx, projectID, true); err != nil {
		return err
	}
	_, err := rec.Append(projectID, types.EntityProject, projectID, types.EventBarrierRaised,
		map[string]interface{}{"actor": actorID})
	return err
}

// LowerBarrier resumes claims after a replan settles.
func LowerBarrier(tx *sql.Tx, rec *eventlog.Recorder, projectID, actorID string) error {
	if err := dag.SetReplanBarrier(tx, projectID, false); err != nil {
		return err
	}
	_, err := rec.Append(projectID, types.EntityProject, projectID, types.EventBarrierLowered,
		map[string]interface{}{"actor": actorID})
	return err
}
