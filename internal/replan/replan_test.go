package replan_test

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
	"tascade/internal/replan"
	"tascade/internal/scheduler"
	"tascade/internal/store"
	"tascade/internal/types"
)

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

func (f *fixture) planVersion(t *testing.T) int64 {
	t.Helper()
	var v int64
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT plan_version FROM projects WHERE id = ?`, f.project.ID).Scan(&v))
	return v
}

func (f *fixture) submit(t *testing.T, ops []types.ChangeOp) types.ChangeSet {
	t.Helper()
	var cs types.ChangeSet
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		cs, err = replan.SubmitChangeSet(tx, rec, f.project.ID, f.planVersion(t), ops, "test")
		return err
	})
	return cs
}

func (f *fixture) apply(t *testing.T, changeSetID string) (*replan.ApplyResult, error) {
	t.Helper()
	var result *replan.ApplyResult
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		result, err = replan.Apply(tx, eventlog.NewRecorder(tx, ""), changeSetID, "planner")
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

func (f *fixture) claim(t *testing.T, agentID string) *scheduler.ClaimResult {
	t.Helper()
	var r *scheduler.ClaimResult
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		r, err = scheduler.Claim(tx, rec, scheduler.ClaimRequest{
			ProjectID: f.project.ID,
			AgentID:   agentID,
		}, 15*time.Minute)
		return err
	})
	require.NotNil(t, r)
	return r
}

func TestSubmitValidatesShapeAndBaseVersion(t *testing.T) {
	f := newFixture(t)

	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := replan.SubmitChangeSet(tx, eventlog.NewRecorder(tx, ""), f.project.ID, 0, nil, "")
		return err
	})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))

	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := replan.SubmitChangeSet(tx, eventlog.NewRecorder(tx, ""), f.project.ID, 7,
			[]types.ChangeOp{{Type: types.OpDeprecate, TaskID: "x"}}, "")
		return err
	})
	assert.True(t, types.IsKind(err, types.KindPlanVersionConflict))

	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := replan.SubmitChangeSet(tx, eventlog.NewRecorder(tx, ""), f.project.ID, 0,
			[]types.ChangeOp{{Type: types.OpAddEdge, FromID: "a"}}, "")
		return err
	})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))
}

func TestApplyAddsTasksAndBumpsVersion(t *testing.T) {
	f := newFixture(t)
	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpAddTask, NewTask: &types.Task{Title: "new work", Priority: 50}},
	})

	result, err := f.apply(t, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.PlanVersion)
	assert.Equal(t, int64(1), f.planVersion(t))

	tasks, err := dag.ListTasks(f.store.DB(), dag.TaskFilter{ProjectID: f.project.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "new work", tasks[0].Title)
	assert.Equal(t, int64(1), tasks[0].IntroducedInPlan)
	// Readiness was recomputed for the dependency-free newcomer.
	assert.Equal(t, types.StateReady, tasks[0].State)

	var n int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(1) FROM plan_versions WHERE project_id = ? AND version_number = 1`,
		f.project.ID).Scan(&n))
	assert.Equal(t, 1, n)

	// Applying the same set again is refused.
	_, err = f.apply(t, cs.ID)
	assert.True(t, types.IsKind(err, types.KindPreconditionFailed))
}

func TestApplyRejectsOnBaseVersionConflict(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, []types.ChangeOp{
		{Type: types.OpAddTask, NewTask: &types.Task{Title: "a"}},
	})
	second := f.submit(t, []types.ChangeOp{
		{Type: types.OpAddTask, NewTask: &types.Task{Title: "b"}},
	})

	_, err := f.apply(t, first.ID)
	require.NoError(t, err)

	// The second set was built against plan v0 and loses.
	_, err = f.apply(t, second.ID)
	assert.True(t, types.IsKind(err, types.KindPlanVersionConflict))

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		cs, err := replan.GetChangeSet(tx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ChangeSetRejected, cs.Status)
		return nil
	})
}

func TestMaterialUpdateReleasesClaimedHold(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	claimed := f.claim(t, "agent-1")

	newSpec := types.WorkSpec{Objective: "changed objective"}
	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpUpdateTask, TaskID: task.ID, Update: &types.TaskUpdate{WorkSpec: &newSpec}},
	})
	result, err := f.apply(t, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, result.MaterialTasks)
	assert.Equal(t, []string{task.ID}, result.ReleasedHolds)

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateReady, after.State)
	assert.Empty(t, after.ClaimedBy)
	assert.Equal(t, claimed.Lease.FencingCounter+1, after.FencingCounter)
	assert.Equal(t, int64(1), after.LatestMaterialVer)

	// The displaced lease token is fenced out.
	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Heartbeat(tx, eventlog.NewRecorder(tx, ""), claimed.Lease.Token, 1)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindLeaseExpired))
}

func TestPriorityOnlyChangeIsNotMaterial(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work", Priority: 100})
	claimed := f.claim(t, "agent-1")

	p := 5
	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpReprioritize, TaskID: task.ID, Priority: &p},
	})
	result, err := f.apply(t, cs.ID)
	require.NoError(t, err)
	assert.Empty(t, result.MaterialTasks)
	assert.Empty(t, result.ReleasedHolds)

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateClaimed, after.State)
	assert.Equal(t, 5, after.Priority)
	assert.Zero(t, after.LatestMaterialVer)

	// The holder's lease is untouched.
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := scheduler.Heartbeat(tx, rec, claimed.Lease.Token, 1)
		return err
	})
}

func TestMaterialChangeLeavesInProgressRunning(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "work"})
	claimed := f.claim(t, "agent-1")

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		tk := f.getTask(t, task.ID)
		return lifecycle.Transition(tx, rec, &tk, lifecycle.ActionStart,
			lifecycle.Params{ActorID: "agent-1"})
	})

	newClass := types.ClassSecurity
	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpUpdateTask, TaskID: task.ID, Update: &types.TaskUpdate{Class: &newClass}},
	})
	result, err := f.apply(t, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, result.MaterialTasks)
	assert.Empty(t, result.ReleasedHolds)

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateInProgress, after.State)
	assert.Equal(t, int64(1), after.LatestMaterialVer)

	// The running agent discovers staleness at its next heartbeat.
	err = f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Heartbeat(tx, eventlog.NewRecorder(tx, ""), claimed.Lease.Token, 0)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindPlanStale))
}

func TestPreviewComputesImpactWithoutMutating(t *testing.T) {
	f := newFixture(t)
	a := f.readyTask(t, dag.NewTaskInput{Title: "a"})
	b := f.readyTask(t, dag.NewTaskInput{Title: "b"})

	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpAddEdge, FromID: a.ID, ToID: b.ID},
	})
	var imp *types.ImpactPreview
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		imp, err = replan.Preview(tx, rec, cs.ID)
		return err
	})
	assert.Equal(t, []string{b.ID}, imp.NewlyBlocked)
	assert.Equal(t, -1, imp.ReadyDelta)
	assert.Equal(t, []string{b.ID}, imp.MaterialTasks)

	// Nothing moved: b is still Ready and no edge exists.
	assert.Equal(t, types.StateReady, f.getTask(t, b.ID).State)
	edges, err := dag.ProjectEdges(f.store.DB(), f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The preview is persisted and the set validated.
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		got, err := replan.GetChangeSet(tx, cs.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ChangeSetValidated, got.Status)
		require.NotNil(t, got.Impact)
		assert.Equal(t, imp.NewlyBlocked, got.Impact.NewlyBlocked)
		return nil
	})
}

func TestPreviewRejectsInvalidSets(t *testing.T) {
	f := newFixture(t)
	a := f.readyTask(t, dag.NewTaskInput{Title: "a"})
	b := f.readyTask(t, dag.NewTaskInput{Title: "b"})
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := dag.AddEdge(tx, rec, f.project.ID, a.ID, b.ID, "")
		return err
	})

	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpAddEdge, FromID: b.ID, ToID: a.ID},
	})
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := replan.Preview(tx, eventlog.NewRecorder(tx, ""), cs.ID)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindCycleDetected))

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		got, err := replan.GetChangeSet(tx, cs.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ChangeSetRejected, got.Status)
		return nil
	})
}

func TestDeprecateRemovesFromScheduling(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "obsolete"})

	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpDeprecate, TaskID: task.ID},
	})
	_, err := f.apply(t, cs.ID)
	require.NoError(t, err)

	after := f.getTask(t, task.ID)
	assert.Equal(t, int64(1), after.DeprecatedInPlan)
	assert.False(t, after.Active())

	queue, err := scheduler.ListReady(f.store.DB(), f.project.ID, "agent-1", nil)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestPostponePreviewMatchesApply(t *testing.T) {
	f := newFixture(t)
	task := f.readyTask(t, dag.NewTaskInput{Title: "deferred"})

	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpPostpone, TaskID: task.ID},
	})
	var imp *types.ImpactPreview
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		imp, err = replan.Preview(tx, rec, cs.ID)
		return err
	})
	assert.Equal(t, []string{task.ID}, imp.MaterialTasks)
	assert.Empty(t, imp.NewlyBlocked, "postponing keeps the task in the plan")

	result, err := f.apply(t, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, imp.MaterialTasks, result.MaterialTasks,
		"apply must land on the same material set the preview reported")

	after := f.getTask(t, task.ID)
	assert.Equal(t, types.StateBacklog, after.State)
	assert.Zero(t, after.DeprecatedInPlan)
	assert.True(t, after.Active())
}

func TestPreviewRejectsRemovingMissingEdge(t *testing.T) {
	f := newFixture(t)
	a := f.readyTask(t, dag.NewTaskInput{Title: "a"})
	b := f.readyTask(t, dag.NewTaskInput{Title: "b"})

	cs := f.submit(t, []types.ChangeOp{
		{Type: types.OpRemoveEdge, FromID: a.ID, ToID: b.ID},
	})
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := replan.Preview(tx, eventlog.NewRecorder(tx, ""), cs.ID)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument),
		"removing an edge that does not exist must fail in preview as it does in apply")

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		got, err := replan.GetChangeSet(tx, cs.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ChangeSetRejected, got.Status)
		return nil
	})
}

func TestBarrierPausesClaims(t *testing.T) {
	f := newFixture(t)
	f.readyTask(t, dag.NewTaskInput{Title: "work"})

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		return replan.RaiseBarrier(tx, rec, f.project.ID, "operator")
	})
	err := f.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := scheduler.Claim(tx, eventlog.NewRecorder(tx, ""), scheduler.ClaimRequest{
			ProjectID: f.project.ID, AgentID: "agent-1",
		}, 15*time.Minute)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindClaimsPaused))

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		return replan.LowerBarrier(tx, rec, f.project.ID, "operator")
	})
	f.claim(t, "agent-1")
}
