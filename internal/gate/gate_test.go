package gate_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/gate"
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

// implementedTask creates a task and moves it straight to Implemented,
// optionally recording who holds it.
func (f *fixture) implementedTask(t *testing.T, in dag.NewTaskInput, claimedBy string) types.Task {
	t.Helper()
	in.ProjectID = f.project.ID
	var task types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		task, err = dag.CreateTask(tx, rec, in)
		return err
	})
	_, err := f.store.DB().Exec(
		`UPDATE tasks SET state = ?, claimed_by = ? WHERE id = ?`,
		types.StateImplemented, claimedBy, task.ID)
	require.NoError(t, err)
	task.State = types.StateImplemented
	task.ClaimedBy = claimedBy
	return task
}

func (f *fixture) createRule(t *testing.T, in gate.NewRuleInput) types.GateRule {
	t.Helper()
	in.ProjectID = f.project.ID
	var rule types.GateRule
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		rule, err = gate.CreateRule(tx, rec, in)
		return err
	})
	return rule
}

func (f *fixture) evaluate(t *testing.T) []types.Task {
	t.Helper()
	var opened []types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		opened, err = gate.Evaluate(tx, rec, f.project.ID)
		return err
	})
	return opened
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		in   gate.NewRuleInput
	}{
		{"missing name", gate.NewRuleInput{Condition: types.CondImplementedBacklog, Threshold: 3}},
		{"unknown condition", gate.NewRuleInput{Name: "r", Condition: "full_moon"}},
		{"milestone_complete without milestone", gate.NewRuleInput{Name: "r", Condition: types.CondMilestoneComplete}},
		{"backlog without threshold", gate.NewRuleInput{Name: "r", Condition: types.CondImplementedBacklog}},
		{"risk without threshold", gate.NewRuleInput{Name: "r", Condition: types.CondRiskThreshold}},
		{"age without age", gate.NewRuleInput{Name: "r", Condition: types.CondImplementedAge}},
		{"non-gate checkpoint class", gate.NewRuleInput{
			Name: "r", Condition: types.CondImplementedBacklog, Threshold: 1,
			CheckpointClass: types.ClassBackend,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
				tc.in.ProjectID = f.project.ID
				_, err := gate.CreateRule(tx, rec, tc.in)
				assert.True(t, types.IsKind(err, types.KindInvalidArgument))
				return nil
			})
		})
	}

	rule := f.createRule(t, gate.NewRuleInput{
		Name:      "batch review",
		Condition: types.CondImplementedBacklog,
		Threshold: 2,
	})
	assert.Equal(t, types.ClassReviewGate, rule.CheckpointClass)
	assert.True(t, rule.Enabled)

	listed, err := gate.ListRules(f.store.DB(), f.project.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rule.ID, listed[0].ID)
}

func TestEvaluateImplementedBacklog(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, gate.NewRuleInput{
		Name:      "two in the bank",
		Condition: types.CondImplementedBacklog,
		Threshold: 2,
	})

	a := f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "")
	assert.Empty(t, f.evaluate(t), "one implemented task should not reach the threshold")

	b := f.implementedTask(t, dag.NewTaskInput{Title: "b"}, "")
	opened := f.evaluate(t)
	require.Len(t, opened, 1)

	cp := opened[0]
	assert.Equal(t, "G1", cp.ShortID)
	assert.Equal(t, types.StateReady, cp.State)
	assert.Equal(t, 0, cp.Priority)
	assert.Equal(t, types.ClassReviewGate, cp.Class)
	assert.Equal(t, rule.ID, cp.WorkSpec.Extras["rule_id"])

	rows, err := f.store.DB().Query(
		`SELECT candidate_task_id FROM gate_candidates WHERE checkpoint_task_id = ?`, cp.ID)
	require.NoError(t, err)
	defer rows.Close()
	var candidates []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		candidates = append(candidates, id)
	}
	require.NoError(t, rows.Err())
	assert.ElementsMatch(t, []string{a.ID, b.ID}, candidates)

	// The open checkpoint suppresses re-firing.
	assert.Empty(t, f.evaluate(t))
}

func TestOpenCheckpointSuppressesOnlyItsOwnRule(t *testing.T) {
	f := newFixture(t)
	first := f.createRule(t, gate.NewRuleInput{
		Name:      "review backlog",
		Condition: types.CondImplementedBacklog,
		Threshold: 1,
	})
	f.implementedTask(t, dag.NewTaskInput{Title: "schema change", Class: types.ClassDBSchema}, "")

	opened := f.evaluate(t)
	require.Len(t, opened, 1)
	assert.Equal(t, first.ID, opened[0].WorkSpec.Extras["rule_id"])

	// A rule added while the first checkpoint is still open fires on its
	// own; suppression is per rule, not per project.
	second := f.createRule(t, gate.NewRuleInput{
		Name:      "risky pile",
		Condition: types.CondRiskThreshold,
		Threshold: 1,
	})
	opened = f.evaluate(t)
	require.Len(t, opened, 1)
	assert.Equal(t, second.ID, opened[0].WorkSpec.Extras["rule_id"])

	assert.Empty(t, f.evaluate(t), "both rules now hold open checkpoints")
}

func TestEvaluateMilestoneComplete(t *testing.T) {
	f := newFixture(t)

	var milestone types.Milestone
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		phase, err := dag.CreatePhase(tx, rec, f.project.ID, "build")
		if err != nil {
			return err
		}
		milestone, err = dag.CreateMilestone(tx, rec, f.project.ID, phase.ID, "mvp")
		return err
	})
	f.createRule(t, gate.NewRuleInput{
		Name:        "milestone done",
		MilestoneID: milestone.ID,
		Condition:   types.CondMilestoneComplete,
	})

	f.implementedTask(t, dag.NewTaskInput{Title: "a", MilestoneID: milestone.ID}, "")
	var straggler types.Task
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		straggler, err = dag.CreateTask(tx, rec, dag.NewTaskInput{
			ProjectID: f.project.ID, Title: "b", MilestoneID: milestone.ID,
		})
		return err
	})
	assert.Empty(t, f.evaluate(t), "a backlog task keeps the milestone incomplete")

	_, err := f.store.DB().Exec(
		`UPDATE tasks SET state = ? WHERE id = ?`, types.StateImplemented, straggler.ID)
	require.NoError(t, err)
	assert.Len(t, f.evaluate(t), 1)
}

func TestEvaluateRiskThreshold(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:      "risky pile",
		Condition: types.CondRiskThreshold,
		Threshold: 2,
	})

	f.implementedTask(t, dag.NewTaskInput{Title: "auth", Class: types.ClassSecurity}, "")
	f.implementedTask(t, dag.NewTaskInput{Title: "listing", Class: types.ClassCRUD}, "")
	assert.Empty(t, f.evaluate(t), "crud work should not count toward the risk threshold")

	f.implementedTask(t, dag.NewTaskInput{Title: "schema", Class: types.ClassDBSchema}, "")
	assert.Len(t, f.evaluate(t), 1)
}

func TestEvaluateImplementedAge(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:      "stale work",
		Condition: types.CondImplementedAge,
		AgeSecs:   3600,
	})

	task := f.implementedTask(t, dag.NewTaskInput{Title: "fresh"}, "")
	assert.Empty(t, f.evaluate(t))

	_, err := f.store.DB().Exec(
		`UPDATE tasks SET updated_at = ? WHERE id = ?`,
		store.Now().Add(-2*time.Hour), task.ID)
	require.NoError(t, err)
	assert.Len(t, f.evaluate(t), 1)
}

func TestRecordDecisionValidation(t *testing.T) {
	f := newFixture(t)
	task := f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "")

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		_, err := gate.RecordDecision(tx, rec, gate.DecisionInput{
			ProjectID: f.project.ID, TaskID: task.ID, ActorID: "reviewer-1", Outcome: "maybe",
		})
		assert.True(t, types.IsKind(err, types.KindInvalidArgument))

		_, err = gate.RecordDecision(tx, rec, gate.DecisionInput{
			ProjectID: f.project.ID, TaskID: task.ID, Outcome: types.GateApproved,
		})
		assert.True(t, types.IsKind(err, types.KindInvalidArgument))

		_, err = gate.RecordDecision(tx, rec, gate.DecisionInput{
			ProjectID: f.project.ID, ActorID: "reviewer-1", Outcome: types.GateApproved,
		})
		assert.True(t, types.IsKind(err, types.KindInvalidArgument))

		d, err := gate.RecordDecision(tx, rec, gate.DecisionInput{
			ProjectID: f.project.ID, TaskID: task.ID, ActorID: "reviewer-1",
			Outcome: types.GateApprovedWithRisk, Reason: "ship it, watch the logs",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, d.ID)

		require.Len(t, rec.Events(), 1)
		assert.Equal(t, types.EventGateDecisionLogged, rec.Events()[0].EventType)
		return nil
	})
}

func TestCheckIntegrateWithoutApplicableRuleIsFree(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:        "security only",
		TaskClasses: []types.TaskClass{types.ClassSecurity},
		Condition:   types.CondImplementedBacklog,
		Threshold:   1,
	})
	task := f.implementedTask(t, dag.NewTaskInput{Title: "listing", Class: types.ClassCRUD}, "agent-1")

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		assert.NoError(t, gate.CheckIntegrate(tx, rec, task, "agent-1", nil))
		return nil
	})
}

func TestCheckIntegrateRequiresIndependentApproval(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:             "review required",
		Condition:        types.CondImplementedBacklog,
		Threshold:        1,
		RequiredEvidence: []string{"review_url"},
	})
	task := f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "agent-1")

	decide := func(t *testing.T, actor string, refs map[string]string) {
		t.Helper()
		f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
			_, err := gate.RecordDecision(tx, rec, gate.DecisionInput{
				ProjectID: f.project.ID, TaskID: task.ID, ActorID: actor,
				Outcome: types.GateApproved, EvidenceRefs: refs,
			})
			return err
		})
	}

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		err := gate.CheckIntegrate(tx, rec, task, "agent-1", nil)
		assert.True(t, types.IsKind(err, types.KindGateEvidenceRequired),
			"no decision at all should demand evidence")
		return nil
	})

	decide(t, "agent-1", map[string]string{"review_url": "http://pr/1"})
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		err := gate.CheckIntegrate(tx, rec, task, "agent-1", nil)
		assert.True(t, types.IsKind(err, types.KindGateSelfReview))
		return nil
	})

	decide(t, "reviewer-1", nil)
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		err := gate.CheckIntegrate(tx, rec, task, "agent-1", nil)
		assert.True(t, types.IsKind(err, types.KindGateSelfReview),
			"an approval missing required evidence does not clear the self-review taint")
		return nil
	})

	decide(t, "reviewer-1", map[string]string{"review_url": "http://pr/1"})
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		assert.NoError(t, gate.CheckIntegrate(tx, rec, task, "agent-1", nil))
		return nil
	})
}

func TestCheckIntegrateHonorsEvidenceWindow(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:           "fresh approval",
		Condition:      types.CondImplementedBacklog,
		Threshold:      1,
		EvidenceWindow: 600,
	})
	task := f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "agent-1")

	var decision types.GateDecision
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		var err error
		decision, err = gate.RecordDecision(tx, rec, gate.DecisionInput{
			ProjectID: f.project.ID, TaskID: task.ID, ActorID: "reviewer-1",
			Outcome: types.GateApproved,
		})
		return err
	})
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		assert.NoError(t, gate.CheckIntegrate(tx, rec, task, "agent-1", nil))
		return nil
	})

	_, err := f.store.DB().Exec(
		`UPDATE gate_decisions SET created_at = ? WHERE id = ?`,
		store.Now().Add(-time.Hour), decision.ID)
	require.NoError(t, err)
	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		err := gate.CheckIntegrate(tx, rec, task, "agent-1", nil)
		assert.True(t, types.IsKind(err, types.KindGateEvidenceRequired))
		return nil
	})
}

func TestCheckIntegrateForcePath(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:      "review required",
		Condition: types.CondImplementedBacklog,
		Threshold: 1,
	})
	task := f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "agent-1")

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		err := gate.CheckIntegrate(tx, rec, task, "agent-1", &gate.ForceRequest{Reason: "hotfix"})
		assert.True(t, types.IsKind(err, types.KindGateForceRequiresAdmin))

		err = gate.CheckIntegrate(tx, rec, task, "admin-1", &gate.ForceRequest{IsAdmin: true})
		assert.True(t, types.IsKind(err, types.KindGateForceRequiresAdmin),
			"admins still owe a backfill reason")

		require.NoError(t, gate.CheckIntegrate(tx, rec, task, "admin-1",
			&gate.ForceRequest{IsAdmin: true, Reason: "prod hotfix, review backfilled in PR 42"}))

		require.Len(t, rec.Events(), 1)
		assert.Equal(t, types.EventGateForceOverride, rec.Events()[0].EventType)
		return nil
	})
}

func TestListCheckpointsFlagsSLA(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, gate.NewRuleInput{
		Name:      "batch review",
		Condition: types.CondImplementedBacklog,
		Threshold: 1,
	})
	f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "")
	opened := f.evaluate(t)
	require.Len(t, opened, 1)

	views, err := gate.ListCheckpoints(f.store.DB(), f.project.ID, 3600)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, rule.ID, views[0].RuleID)
	assert.Len(t, views[0].CandidateIDs, 1)
	assert.Equal(t, 1, views[0].ReadyCandidates)
	assert.False(t, views[0].SLABreached)

	_, err = f.store.DB().Exec(
		`UPDATE tasks SET created_at = ? WHERE id = ?`,
		store.Now().Add(-2*time.Hour), opened[0].ID)
	require.NoError(t, err)

	views, err = gate.ListCheckpoints(f.store.DB(), f.project.ID, 3600)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].SLABreached)
	assert.Greater(t, views[0].AgeSeconds, int64(3600))
}

func TestEmitRiskSummary(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, gate.NewRuleInput{
		Name:      "batch review",
		Condition: types.CondImplementedBacklog,
		Threshold: 2,
	})
	f.implementedTask(t, dag.NewTaskInput{Title: "a"}, "")
	f.implementedTask(t, dag.NewTaskInput{Title: "b"}, "")
	require.Len(t, f.evaluate(t), 1)

	f.inTx(t, func(tx *sql.Tx, rec *eventlog.Recorder) error {
		require.NoError(t, gate.EmitRiskSummary(tx, rec, f.project.ID))
		require.Len(t, rec.Events(), 1)
		assert.Equal(t, types.EventGateRiskSummary, rec.Events()[0].EventType)
		assert.Contains(t, string(rec.Events()[0].Payload), "implemented")
		return nil
	})
}
