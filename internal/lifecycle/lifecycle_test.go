package lifecycle_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/lifecycle"
	"tascade/internal/store"
	"tascade/internal/types"
)

type fixture struct {
	store   *store.Store
	project types.Project
	task    types.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s}
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		f.project, err = dag.CreateProject(tx, rec, "demo", "")
		if err != nil {
			return err
		}
		f.task, err = dag.CreateTask(tx, rec, dag.NewTaskInput{
			ProjectID: f.project.ID,
			Title:     "work",
		})
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

func TestNextCoversLegalEdges(t *testing.T) {
	legal := []struct {
		from   types.TaskState
		action lifecycle.Action
		to     types.TaskState
	}{
		{types.StateBacklog, lifecycle.ActionMarkReady, types.StateReady},
		{types.StateReady, lifecycle.ActionClaim, types.StateClaimed},
		{types.StateReady, lifecycle.ActionReserve, types.StateReserved},
		{types.StateReserved, lifecycle.ActionClaim, types.StateClaimed},
		{types.StateClaimed, lifecycle.ActionStart, types.StateInProgress},
		{types.StateClaimed, lifecycle.ActionRelease, types.StateReady},
		{types.StateInProgress, lifecycle.ActionSubmitImplemented, types.StateImplemented},
		{types.StateInProgress, lifecycle.ActionAbandon, types.StateAbandoned},
		{types.StateImplemented, lifecycle.ActionIntegrate, types.StateIntegrated},
		{types.StateImplemented, lifecycle.ActionReportConflict, types.StateConflict},
		{types.StateConflict, lifecycle.ActionRetry, types.StateReady},
		{types.StateBlocked, lifecycle.ActionUnblock, types.StateReady},
	}
	for _, tc := range legal {
		to, err := lifecycle.Next(tc.from, tc.action)
		require.NoError(t, err, "%s from %s", tc.action, tc.from)
		assert.Equal(t, tc.to, to)
	}

	illegal := []struct {
		from   types.TaskState
		action lifecycle.Action
	}{
		{types.StateBacklog, lifecycle.ActionClaim},
		{types.StateReady, lifecycle.ActionSubmitImplemented},
		{types.StateIntegrated, lifecycle.ActionRetry},
		{types.StateCancelled, lifecycle.ActionMarkReady},
		{types.StateImplemented, lifecycle.ActionClaim},
	}
	for _, tc := range illegal {
		_, err := lifecycle.Next(tc.from, tc.action)
		assert.True(t, types.IsKind(err, types.KindIllegalTransition),
			"%s from %s should be illegal", tc.action, tc.from)
	}
}

func TestTransitionWritesAuditTrail(t *testing.T) {
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		task := f.task
		err := lifecycle.Transition(tx, rec, &task, lifecycle.ActionMarkReady, lifecycle.Params{
			ActorID: "planner-1",
			Reason:  "deps satisfied",
		})
		require.NoError(t, err)
		assert.Equal(t, types.StateReady, task.State)
		assert.Equal(t, f.task.Version+1, task.Version)
		assert.NotNil(t, task.ReadySince)

		require.Len(t, rec.Events(), 1)
		assert.Equal(t, types.EventTaskTransition, rec.Events()[0].EventType)
		return nil
	})

	var from, to, actor string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT from_state, to_state, actor_id FROM task_changelog WHERE task_id = ?`, f.task.ID,
	).Scan(&from, &to, &actor))
	assert.Equal(t, "backlog", from)
	assert.Equal(t, "ready", to)
	assert.Equal(t, "planner-1", actor)
}

func TestTransitionVersionGuard(t *testing.T) {
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		stale := f.task
		current := f.task
		require.NoError(t, lifecycle.Transition(tx, rec, &current, lifecycle.ActionMarkReady, lifecycle.Params{}))

		// The stale copy still carries the old version and loses.
		err := lifecycle.Transition(tx, rec, &stale, lifecycle.ActionMarkReady, lifecycle.Params{})
		assert.True(t, types.IsKind(err, types.KindPreconditionFailed))
		return nil
	})
}

func TestTransitionSetsAndClearsClaimedBy(t *testing.T) {
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		task := f.task
		require.NoError(t, lifecycle.Transition(tx, rec, &task, lifecycle.ActionMarkReady, lifecycle.Params{}))

		agent := "agent-7"
		require.NoError(t, lifecycle.Transition(tx, rec, &task, lifecycle.ActionClaim, lifecycle.Params{
			SetClaimedBy: &agent,
		}))
		assert.Equal(t, "agent-7", task.ClaimedBy)

		empty := ""
		require.NoError(t, lifecycle.Transition(tx, rec, &task, lifecycle.ActionRelease, lifecycle.Params{
			SetClaimedBy: &empty,
		}))
		assert.Empty(t, task.ClaimedBy)
		assert.Equal(t, types.StateReady, task.State)
		return nil
	})
}

func (f *fixture) newTask(t *testing.T, title string) types.Task {
	t.Helper()
	var task types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		task, err = dag.CreateTask(tx, rec, dag.NewTaskInput{ProjectID: f.project.ID, Title: title})
		return err
	})
	return task
}

func insertLease(t *testing.T, f *fixture, taskID string, fencing int64, expiresAt time.Time, status types.LeaseStatus) string {
	t.Helper()
	token := uuid.NewString()
	now := store.Now()
	_, err := f.store.DB().Exec(
		`INSERT INTO leases (token, task_id, project_id, agent_id, fencing_counter, status, ttl_seconds,
			expires_at, heartbeat_at, created_at)
		 VALUES (?, ?, ?, 'agent-1', ?, ?, 900, ?, ?, ?)`,
		token, taskID, f.project.ID, fencing, status, expiresAt, now, now)
	require.NoError(t, err)
	return token
}

func TestVerifyLease(t *testing.T) {
	f := newFixture(t)
	future := store.Now().Add(time.Hour)

	good := insertLease(t, f, f.task.ID, 0, future, types.LeaseActive)
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		lease, task, err := lifecycle.VerifyLease(tx, good)
		require.NoError(t, err)
		assert.Equal(t, f.task.ID, lease.TaskID)
		assert.Equal(t, f.task.ID, task.ID)

		_, _, err = lifecycle.VerifyLease(tx, "no-such-token")
		assert.True(t, types.IsKind(err, types.KindLeaseExpired))
		return nil
	})
}

func TestVerifyLeaseRejectsExpiredAndStale(t *testing.T) {
	f := newFixture(t)
	past := store.Now().Add(-time.Minute)
	future := store.Now().Add(time.Hour)

	staleTask := f.newTask(t, "stale holder")
	expired := insertLease(t, f, f.task.ID, 0, past, types.LeaseActive)
	released := insertLease(t, f, staleTask.ID, 0, future, types.LeaseReleased)
	stale := insertLease(t, f, staleTask.ID, 0, future, types.LeaseActive)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, _, err := lifecycle.VerifyLease(tx, expired)
		assert.True(t, types.IsKind(err, types.KindLeaseExpired))

		_, _, err = lifecycle.VerifyLease(tx, released)
		assert.True(t, types.IsKind(err, types.KindLeaseExpired))

		// Fencing bump strands the outstanding token.
		_, err = lifecycle.BumpFencing(tx, staleTask.ID)
		require.NoError(t, err)
		_, _, err = lifecycle.VerifyLease(tx, stale)
		assert.True(t, types.IsKind(err, types.KindFencingStale))
		return nil
	})
}

func TestBumpFencingIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		for want := int64(1); want <= 3; want++ {
			c, err := lifecycle.BumpFencing(tx, f.task.ID)
			require.NoError(t, err)
			assert.Equal(t, want, c)
		}
		return nil
	})
}
