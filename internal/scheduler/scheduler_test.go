package scheduler_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/scheduler"
	"tascade/internal/store"
	"tascade/internal/types"
)

const leaseTTL = 15 * time.Minute

type fixture struct {
	store   *store.Store
	project types.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s}
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		f.project, err = dag.CreateProject(tx, rec, "demo", "")
		return err
	})
	return f
}

func (f *fixture) inTx(t *testing.T, fn func(tx *sql.Tx, rec *eventlog.Recorder) error) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return fn(tx, eventlog.NewRecorder(tx, ""))
	}))
}

// readyTask creates a task and recomputes it into Ready.
func (f *fixture) readyTask(t *testing.T, in dag.NewTaskInput) types.Task {
	t.Helper()
	in.ProjectID = f.project.ID
	var task types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		task, err = dag.CreateTask(tx, rec, in)
		if err != nil {
			return err
		}
		if err := scheduler.Recompute(tx, rec, task.ID); err != nil {
			return err
		}
		task, err = dag.GetTask(tx, task.ID)
		return err
	})
	return task
}

func (f *fixture) claim(t *testing.T, agentID string, caps []string) (*scheduler.ClaimResult, error) {
	t.Helper()
	var result *scheduler.ClaimResult
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		result, err = scheduler.Claim(tx, eventlog.NewRecorder(tx, ""), scheduler.ClaimRequest{
			ProjectID:    f.project.ID,
			AgentID:      agentID,
			Capabilities: caps,
		}, leaseTTL)
		return err
	})
	return result, err
}

func (f *fixture) getTask(t *testing.T, id string) types.Task {
	t.Helper()
	task, err := dag.GetTaskDB(f.store.DB(), id)
	require.NoError(t, err)
	return task
}

func TestRecomputeReadiness(t *testing.T) {
	f := newFixture(t)

	a := f.readyTask(t, dag.NewTaskInput{Title: "a"})
	assert.Equal(t, types.StateReady, a.State)

	var b types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		b, err = dag.CreateTask(tx, rec, dag.NewTaskInput{ProjectID: f.project.ID, Title: "b"})
		require.NoError(t, err)
		_, err = dag.AddEdge(tx, rec, f.project.ID, a.ID, b.ID, "")
		require.NoError(t, err)
		return scheduler.Recompute(tx, rec, b.ID)
	})
	assert.Equal(t, types.StateBacklog, f.getTask(t, b.ID).State)

	// a Implemented unlocks b under the default criterion.
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		task := f.getTask(t, a.ID)
		for _, action := range []lifecycle.Action{
			lifecycle.ActionClaim, lifecycle.ActionStart, lifecycle.ActionSubmitImplemented,
		} {
			if err := lifecycle.Transition(tx, rec, &task, action, lifecycle.Params{}); err != nil {
				return err
			}
		}
		return scheduler.RecomputeSuccessors(tx, rec, a.ID)
	})
	assert.Equal(t, types.StateReady, f.getTask(t, b.ID).State)
}

func TestRecomputeHonorsIntegratedUnlock(t *testing.T) {
	f := newFixture(t)
	a := f.readyTask(t, dag.NewTaskInput{Title: "a"})

	var b types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		b, err = dag.CreateTask(tx, rec, dag.NewTaskInput{ProjectID: f.project.ID, Title: "b"})
		require.NoError(t, err)
		_, err = dag.AddEdge(tx, rec, f.project.ID, a.ID, b.ID, types.UnlockOnIntegrated)
		return err
	})

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		task := f.getTask(t, a.ID)
		for _, action := range []lifecycle.Action{
			lifecycle.ActionClaim, lifecycle.ActionStart, lifecycle.ActionSubmitImplemented,
		} {
			require.NoError(t, lifecycle.Transition(tx, rec, &task, action, lifecycle.Params{}))
		}
		return scheduler.RecomputeSuccessors(tx, rec, a.ID)
	})
	// Implemented is not enough for an integrated-unlock edge.
	assert.Equal(t, types.StateBacklog, f.getTask(t, b.ID).State)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		task := f.getTask(t, a.ID)
		require.NoError(t, lifecycle.Transition(tx, rec, &task, lifecycle.ActionIntegrate, lifecycle.Params{}))
		return scheduler.RecomputeSuccessors(tx, rec, a.ID)
	})
	assert.Equal(t, types.StateReady, f.getTask(t, b.ID).State)
}

func TestQueueRankingIsDeterministic(t *testing.T) {
	f := newFixture(t)

	low := f.readyTask(t, dag.NewTaskInput{Title: "low", Priority: 200})
	high := f.readyTask(t, dag.NewTaskInput{Title: "high", Priority: 10})
	mid1 := f.readyTask(t, dag.NewTaskInput{Title: "mid-1", Priority: 100})
	mid2 := f.readyTask(t, dag.NewTaskInput{Title: "mid-2", Priority: 100})

	// mid2 has been Ready longer, so it outranks mid1 at equal priority.
	_, err := f.store.DB().Exec(`UPDATE tasks SET ready_since = ? WHERE id = ?`,
		store.Now().Add(-time.Hour), mid2.ID)
	require.NoError(t, err)

	queue, err := scheduler.ListReady(f.store.DB(), f.project.ID, "agent-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 4)
	assert.Equal(t, high.ID, queue[0].Task.ID)
	assert.Equal(t, mid2.ID, queue[1].Task.ID)
	assert.Equal(t, mid1.ID, queue[2].Task.ID)
	assert.Equal(t, low.ID, queue[3].Task.ID)
}

func TestQueueFiltersCapabilitiesAndGates(t *testing.T) {
	f := newFixture(t)

	f.readyTask(t, dag.NewTaskInput{Title: "needs go", CapabilityTags: []string{"go"}})
	plain := f.readyTask(t, dag.NewTaskInput{Title: "plain"})
	f.readyTask(t, dag.NewTaskInput{Title: "checkpoint", Class: types.ClassReviewGate, InitialState: types.StateReady})

	queue, err := scheduler.ListReady(f.store.DB(), f.project.ID, "agent-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, plain.ID, queue[0].Task.ID)

	queue, err = scheduler.ListReady(f.store.DB(), f.project.ID, "agent-1", []string{"go", "sql"})
	require.NoError(t, err)
	assert.Len(t, queue, 2)
}

func TestClaimCreatesLeaseSnapshotAndFencing(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{
		Title:    "work",
		WorkSpec: types.WorkSpec{Objective: "build the thing"},
	})

	result, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, task.ID, result.Task.ID)
	assert.Equal(t, types.StateClaimed, result.Task.State)
	assert.Equal(t, "agent-1", result.Task.ClaimedBy)
	assert.Equal(t, int64(1), result.Task.FencingCounter)
	assert.Equal(t, int64(1), result.Lease.FencingCounter)
	assert.Equal(t, "build the thing", result.Snapshot.WorkSpec.Objective)
	assert.Equal(t, result.Lease.Token, result.Snapshot.LeaseToken)

	snap, err := scheduler.GetSnapshot(f.store.DB(), result.Lease.Token)
	require.NoError(t, err)
	assert.Equal(t, result.Snapshot.ID, snap.ID)
}

func TestParallelClaimsGetDistinctTasks(t *testing.T) {
	f := newFixture(t)
	f.readyTask(t, dag.NewTaskInput{Title: "one", Priority: 1})
	f.readyTask(t, dag.NewTaskInput{Title: "two", Priority: 2})

	r1, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)
	r2, err := f.claim(t, "agent-2", nil)
	require.NoError(t, err)
	require.NotNil(t, r1)
	require.NotNil(t, r2)
	assert.NotEqual(t, r1.Task.ID, r2.Task.ID)

	// Queue drained: the next claim comes back empty, not an error.
	r3, err := f.claim(t, "agent-3", nil)
	require.NoError(t, err)
	assert.Nil(t, r3)
}

func TestClaimRefusedDuringBarrierOrStalePlan(t *testing.T) {
	f := newFixture(t)
	f.readyTask(t, dag.NewTaskInput{Title: "work"})

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		return dag.SetReplanBarrier(tx, f.project.ID, true)
	})
	_, err := f.claim(t, "agent-1", nil)
	assert.True(t, types.IsKind(err, types.KindClaimsPaused))

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		if err := dag.SetReplanBarrier(tx, f.project.ID, false); err != nil {
			return err
		}
		_, err := dag.BumpPlanVersion(tx, f.project.ID)
		return err
	})

	seen := int64(0)
	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Claim(tx, eventlog.NewRecorder(tx, ""), scheduler.ClaimRequest{
			ProjectID:       f.project.ID,
			AgentID:         "agent-1",
			SeenPlanVersion: &seen,
		}, leaseTTL)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindPlanStale))
}

func TestReservationDirectsClaim(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "reserved work"})

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := scheduler.Assign(tx, rec, task.ID, "agent-2", 0, "operator")
		return err
	})
	assert.Equal(t, types.StateReserved, f.getTask(t, task.ID).State)

	// Not the assignee: nothing claimable.
	r, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = f.claim(t, "agent-2", nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, task.ID, r.Task.ID)

	var status string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT status FROM reservations WHERE task_id = ?`, task.ID).Scan(&status))
	assert.Equal(t, "consumed", status)
}

func TestAssignValidatesTTLBounds(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})

	for _, ttl := range []int{59, 86401, -5} {
		err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
			_, err := scheduler.Assign(tx, eventlog.NewRecorder(tx, ""), task.ID, "agent-1", ttl, "operator")
			return err
		})
		assert.True(t, types.IsKind(err, types.KindInvalidArgument), "ttl %d", ttl)
	}

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := scheduler.Assign(tx, rec, task.ID, "agent-1", 60, "operator")
		return err
	})
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Assign(tx, eventlog.NewRecorder(tx, ""), task.ID, "agent-2", 60, "operator")
		return err
	})
	assert.True(t, types.IsKind(err, types.KindReservationConflict))
}

func TestHeartbeatExtendsAndChecksPlanView(t *testing.T) {
	f := newFixture(t)
	f.readyTask(t, dag.NewTaskInput{Title: "work"})
	r, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)
	require.NotNil(t, r)

	var renewed types.Lease
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		renewed, err = scheduler.Heartbeat(tx, rec, r.Lease.Token, 0)
		return err
	})
	assert.False(t, renewed.ExpiresAt.Before(r.Lease.ExpiresAt))

	// A material replan moved past the agent's view.
	_, err = f.store.DB().Exec(`UPDATE tasks SET latest_material_plan = 3 WHERE id = ?`, r.Task.ID)
	require.NoError(t, err)
	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Heartbeat(tx, eventlog.NewRecorder(tx, ""), r.Lease.Token, 2)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindPlanStale))
}

func TestReleaseLeaseReturnsTaskAndFencesToken(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	r, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		return scheduler.ReleaseLease(tx, rec, r.Lease.Token, "agent-1")
	})

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateReady, after.State)
	assert.Empty(t, after.ClaimedBy)
	assert.Equal(t, int64(2), after.FencingCounter)

	// The released token is dead.
	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Heartbeat(tx, eventlog.NewRecorder(tx, ""), r.Lease.Token, 0)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindLeaseExpired))
}

func expireLease(t *testing.T, f *fixture, token string) {
	t.Helper()
	_, err := f.store.DB().Exec(`UPDATE leases SET expires_at = ? WHERE token = ?`,
		store.Now().Add(-time.Minute), token)
	require.NoError(t, err)
}

func TestExpireLeasesRecoversClaimedTasks(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	r, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)
	expireLease(t, f, r.Lease.Token)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		n, err := scheduler.ExpireLeases(tx, rec, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateReady, after.State)
	assert.Equal(t, int64(2), after.FencingCounter)

	// Recovered tasks are claimable again, under a fresh fencing counter.
	r2, err := f.claim(t, "agent-2", nil)
	require.NoError(t, err)
	require.NotNil(t, r2)
	assert.Equal(t, int64(3), r2.Lease.FencingCounter)
}

func TestExpireLeasesLeavesInProgressState(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	r, err := f.claim(t, "agent-1", nil)
	require.NoError(t, err)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		tk := f.getTask(t, task.ID)
		return lifecycle.Transition(tx, rec, &tk, lifecycle.ActionStart, lifecycle.Params{ActorID: "agent-1"})
	})
	expireLease(t, f, r.Lease.Token)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		n, err := scheduler.ExpireLeases(tx, rec, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})

	// The sweep never yanks in-flight work; the agent fails its next
	// fenced write instead.
	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateInProgress, after.State)
	assert.Equal(t, int64(2), after.FencingCounter)

	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Heartbeat(tx, eventlog.NewRecorder(tx, ""), r.Lease.Token, 0)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindLeaseExpired))
}

func TestExpireReservations(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := scheduler.Assign(tx, rec, task.ID, "agent-1", 60, "operator")
		return err
	})
	_, err := f.store.DB().Exec(`UPDATE reservations SET expires_at = ? WHERE task_id = ?`,
		store.Now().Add(-time.Minute), task.ID)
	require.NoError(t, err)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		n, err := scheduler.ExpireReservations(tx, rec, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	assert.Equal(t, types.StateReady, f.getTask(t, task.ID).State)
}
