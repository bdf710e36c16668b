package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// ClaimRequest is the pull-mode claim input.
type ClaimRequest struct {
	ProjectID    string
	AgentID      string
	Capabilities []string
	// SeenPlanVersion, when non-nil, rejects the claim with PLAN_STALE if
	// the agent's view is behind the project's current plan version.
	SeenPlanVersion *int64
	// LeaseTTL bounds the lease; zero selects the configured default.
	LeaseTTL time.Duration
}

// ClaimResult is what a successful claim hands the agent.
type ClaimResult struct {
	Task     types.Task         `json:"task"`
	Lease    types.Lease        `json:"lease"`
	Snapshot types.TaskSnapshot `json:"snapshot"`
}

// ListReady exposes the ranked pull queue for an agent without claiming.
func ListReady(db *sql.DB, projectID, agentID string, capabilities []string) ([]RankedTask, error) {
	return rankQueue(db, projectID, agentID, capabilities)
}

// Claim selects the top-ranked eligible task and atomically creates an
// active lease with a fresh fencing counter, transitions the task to
// Claimed, captures the execution snapshot and consumes any reservation
// held by this agent. Returns nil when no eligible task exists. Races on
// the same task resolve at the unique active-lease index; the loser moves
// to the next candidate.
func Claim(tx *sql.Tx, rec *eventlog.Recorder, req ClaimRequest, defaultTTL time.Duration) (*ClaimResult, error) {
	project, err := dag.GetProject(tx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.ReplanBarrier {
		return nil, types.E(types.KindClaimsPaused, "project %s is in replan barrier mode", project.Name)
	}
	if req.SeenPlanVersion != nil && *req.SeenPlanVersion < project.PlanVersion {
		return nil, types.E(types.KindPlanStale,
			"seen plan version %d is behind current %d", *req.SeenPlanVersion, project.PlanVersion)
	}

	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	queue, err := rankQueue(tx, req.ProjectID, req.AgentID, req.Capabilities)
	if err != nil {
		return nil, err
	}
	for _, cand := range queue {
		result, err := claimOne(tx, rec, cand.Task, req.AgentID, ttl, project.PlanVersion)
		if err != nil {
			if types.IsKind(err, types.KindLeaseConflict) {
				continue
			}
			return nil, err
		}
		return result, nil
	}
	return nil, nil
}

func claimOne(tx *sql.Tx, rec *eventlog.Recorder, task types.Task, agentID string, ttl time.Duration, planVersion int64) (*ClaimResult, error) {
	now := store.Now()

	// Reservation check: a reserved task is claimable only by its assignee;
	// claiming consumes the reservation.
	res, held, err := activeReservation(tx, task.ID)
	if err != nil {
		return nil, err
	}
	if held && res.AssigneeID != agentID {
		return nil, types.E(types.KindLeaseConflict, "task %s is reserved for another agent", task.ShortID)
	}

	// The fencing counter is written to the task only after the lease
	// insert succeeds, so losing a race here leaves the holder's counter
	// untouched.
	fencing := task.FencingCounter + 1
	lease := types.Lease{
		Token:          uuid.NewString(),
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		AgentID:        agentID,
		FencingCounter: fencing,
		Status:         types.LeaseActive,
		TTLSeconds:     int(ttl / time.Second),
		ExpiresAt:      now.Add(ttl),
		HeartbeatAt:    now,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(
		`INSERT INTO leases (token, task_id, project_id, agent_id, fencing_counter, status, ttl_seconds,
			expires_at, heartbeat_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lease.Token, lease.TaskID, lease.ProjectID, lease.AgentID, lease.FencingCounter, lease.Status,
		lease.TTLSeconds, lease.ExpiresAt, lease.HeartbeatAt, lease.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, types.Wrap(types.KindLeaseConflict, err, "task %s already leased", task.ShortID)
		}
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET fencing_counter = ?, updated_at = ? WHERE id = ?`,
		fencing, now, task.ID); err != nil {
		return nil, fmt.Errorf("failed to advance fencing counter: %w", err)
	}
	task, err = dag.GetTask(tx, task.ID)
	if err != nil {
		return nil, err
	}
	agent := agentID
	if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionClaim, lifecycle.Params{
		ActorID:      agentID,
		SetClaimedBy: &agent,
		Payload:      map[string]interface{}{"lease": lease.Token, "fencing_counter": fencing},
	}); err != nil {
		return nil, err
	}
	if held {
		if err := finishReservation(tx, rec, res, types.ReservationConsumed, types.EventReservationConsumed); err != nil {
			return nil, err
		}
	}

	snapshot := types.TaskSnapshot{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		LeaseToken:  lease.Token,
		PlanVersion: planVersion,
		WorkSpec:    task.WorkSpec,
		CapturedAt:  now,
	}
	if _, err := tx.Exec(
		`INSERT INTO task_snapshots (id, task_id, project_id, lease_token, plan_version, work_spec, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.TaskID, snapshot.ProjectID, snapshot.LeaseToken, snapshot.PlanVersion,
		jsonWorkSpec(snapshot.WorkSpec), snapshot.CapturedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	if _, err := rec.Append(task.ProjectID, types.EntityLease, lease.Token, types.EventLeaseCreated,
		map[string]interface{}{"task": task.ID, "agent": agentID, "expires_at": lease.ExpiresAt}); err != nil {
		return nil, err
	}
	if _, err := rec.Append(task.ProjectID, types.EntityTask, task.ID, types.EventSnapshotCaptured,
		map[string]interface{}{"snapshot": snapshot.ID, "plan_version": planVersion}); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryScheduler).Info("task claimed",
		zap.String("task", task.ShortID),
		zap.String("agent", agentID),
		zap.Int64("fencing", fencing))
	return &ClaimResult{Task: task, Lease: lease, Snapshot: snapshot}, nil
}

// Heartbeat extends an active lease to now+ttl. Agents whose plan view is
// behind the task's latest material plan version get PLAN_STALE and must
// re-pull.
func Heartbeat(tx *sql.Tx, rec *eventlog.Recorder, token string, seenPlanVersion int64) (types.Lease, error) {
	lease, task, err := lifecycle.VerifyLease(tx, token)
	if err != nil {
		return types.Lease{}, err
	}
	if seenPlanVersion < task.LatestMaterialVer {
		return types.Lease{}, types.E(types.KindPlanStale,
			"seen plan version %d is behind latest material version %d",
			seenPlanVersion, task.LatestMaterialVer)
	}
	now := store.Now()
	lease.HeartbeatAt = now
	lease.ExpiresAt = now.Add(time.Duration(lease.TTLSeconds) * time.Second)
	if _, err := tx.Exec(
		`UPDATE leases SET heartbeat_at = ?, expires_at = ? WHERE token = ? AND status = ?`,
		lease.HeartbeatAt, lease.ExpiresAt, token, types.LeaseActive,
	); err != nil {
		return types.Lease{}, fmt.Errorf("failed to renew lease: %w", err)
	}
	if _, err := rec.Append(lease.ProjectID, types.EntityLease, token, types.EventLeaseRenewed,
		map[string]interface{}{"expires_at": lease.ExpiresAt}); err != nil {
		return types.Lease{}, err
	}
	return lease, nil
}

// ReleaseLease voluntarily gives up a claimed task: the lease is marked
// released, the fencing counter advances, and the task returns to Ready.
func ReleaseLease(tx *sql.Tx, rec *eventlog.Recorder, token, actorID string) error {
	lease, task, err := lifecycle.VerifyLease(tx, token)
	if err != nil {
		return err
	}
	if err := markLease(tx, token, types.LeaseReleased); err != nil {
		return err
	}
	if _, err := lifecycle.BumpFencing(tx, task.ID); err != nil {
		return err
	}
	task, err = dag.GetTask(tx, task.ID)
	if err != nil {
		return err
	}
	empty := ""
	if task.State == types.StateClaimed {
		if err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease, lifecycle.Params{
			ActorID:      actorID,
			Reason:       "lease released",
			SetClaimedBy: &empty,
		}); err != nil {
			return err
		}
	}
	_, err = rec.Append(lease.ProjectID, types.EntityLease, token, types.EventLeaseReleased,
		map[string]interface{}{"task": task.ID, "agent": lease.AgentID})
	return err
}

// ConsumeLease marks a lease consumed when its task reaches Implemented.
func ConsumeLease(tx *sql.Tx, token string) error {
	return markLease(tx, token, types.LeaseConsumed)
}

func markLease(tx *sql.Tx, token string, status types.LeaseStatus) error {
	res, err := tx.Exec(
		`UPDATE leases SET status = ? WHERE token = ? AND status = ?`,
		status, token, types.LeaseActive)
	if err != nil {
		return fmt.Errorf("failed to mark lease %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindLeaseExpired, "lease %s is no longer active", token)
	}
	return nil
}

func jsonWorkSpec(ws types.WorkSpec) string {
	b, _ := json.Marshal(ws)
	return string(b)
}

func unmarshalWorkSpec(raw string, dst *types.WorkSpec) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode work spec: %w", err)
	}
	return nil
}

// GetSnapshot returns the execution snapshot bound to a lease token.
func GetSnapshot(db *sql.DB, leaseToken string) (types.TaskSnapshot, error) {
	var (
		s    types.TaskSnapshot
		spec string
	)
	err := db.QueryRow(
		`SELECT id, task_id, project_id, lease_token, plan_version, work_spec, captured_at
		 FROM task_snapshots WHERE lease_token = ? ORDER BY captured_at DESC LIMIT 1`,
		leaseToken,
	).Scan(&s.ID, &s.TaskID, &s.ProjectID, &s.LeaseToken, &s.PlanVersion, &spec, &s.CapturedAt)
	if err == sql.ErrNoRows {
		return types.TaskSnapshot{}, types.E(types.KindPreconditionFailed, "no snapshot for lease")
	}
	if err != nil {
		return types.TaskSnapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := unmarshalWorkSpec(spec, &s.WorkSpec); err != nil {
		return types.TaskSnapshot{}, err
	}
	return s, nil
}
