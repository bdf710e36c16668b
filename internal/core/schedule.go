package core

import (
	"context"
	"database/sql"
	"time"

	"tascade/internal/eventlog"
	"tascade/internal/scheduler"
	"tascade/internal/types"
)

// ListReady returns the ranked pull queue as this agent would see it.
func (e *Engine) ListReady(caller Caller, projectID string, capabilities []string) ([]scheduler.RankedTask, error) {
	var out []scheduler.RankedTask
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		out, err = scheduler.ListReady(db, projectID, caller.ActorID(), capabilities)
		return err
	})
	return out, err
}

// Claim pulls the top-ranked eligible task: lease, fencing counter and
// execution snapshot in one transaction. Returns nil when the queue is
// empty for this agent.
func (e *Engine) Claim(ctx context.Context, caller Caller, projectID string, capabilities []string, seenPlanVersion *int64, leaseTTL time.Duration) (*scheduler.ClaimResult, error) {
	var result *scheduler.ClaimResult
	err := e.write(ctx, caller, types.RoleAgent, projectID, "task.claim", &result,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			r, err := scheduler.Claim(tx, rec, scheduler.ClaimRequest{
				ProjectID:       projectID,
				AgentID:         caller.ActorID(),
				Capabilities:    capabilities,
				SeenPlanVersion: seenPlanVersion,
				LeaseTTL:        leaseTTL,
			}, e.cfg.Scheduler.DefaultLeaseTTL)
			if err != nil {
				return nil, err
			}
			return r, nil
		})
	return result, err
}

// Heartbeat renews a lease and surfaces plan staleness.
func (e *Engine) Heartbeat(ctx context.Context, caller Caller, projectID, leaseToken string, seenPlanVersion int64) (types.Lease, error) {
	var lease types.Lease
	err := e.write(ctx, caller, types.RoleAgent, projectID, "lease.heartbeat", &lease,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return scheduler.Heartbeat(tx, rec, leaseToken, seenPlanVersion)
		})
	return lease, err
}

// ReleaseLease voluntarily gives a claimed task back to the queue.
func (e *Engine) ReleaseLease(ctx context.Context, caller Caller, projectID, leaseToken string) error {
	return e.write(ctx, caller, types.RoleAgent, projectID, "lease.release", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, scheduler.ReleaseLease(tx, rec, leaseToken, caller.ActorID())
		})
}

// Assign hard-reserves a Ready task for one agent.
func (e *Engine) Assign(ctx context.Context, caller Caller, projectID, taskID, agentID string, ttlSeconds int) (types.Reservation, error) {
	var r types.Reservation
	err := e.write(ctx, caller, types.RoleOperator, projectID, "task.assign", &r,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return scheduler.Assign(tx, rec, taskID, agentID, ttlSeconds, caller.ActorID())
		})
	return r, err
}

// ReleaseReservation drops an active reservation.
func (e *Engine) ReleaseReservation(ctx context.Context, caller Caller, projectID, taskID string) error {
	return e.write(ctx, caller, types.RoleOperator, projectID, "reservation.release", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, scheduler.ReleaseReservation(tx, rec, taskID, caller.ActorID())
		})
}

// Snapshot returns the execution snapshot captured when a lease was
// granted.
func (e *Engine) Snapshot(caller Caller, projectID, leaseToken string) (types.TaskSnapshot, error) {
	var s types.TaskSnapshot
	err := e.read(caller, types.RoleAgent, projectID, func(db *sql.DB) error {
		var err error
		s, err = scheduler.GetSnapshot(db, leaseToken)
		return err
	})
	return s, err
}
