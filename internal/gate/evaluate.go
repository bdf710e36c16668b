package gate

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// Evaluate runs every enabled rule of a project against current task
// state. A rule that fires without an open checkpoint gets one synthesized;
// the new checkpoint tasks are returned. Runs on transition events and on
// the periodic tick; both paths are idempotent because an open checkpoint
// suppresses re-firing.
func Evaluate(tx *sql.Tx, rec *eventlog.Recorder, projectID string) ([]types.Task, error) {
	rules, err := enabledRules(tx, projectID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	tasks, err := projectTasks(tx, projectID)
	if err != nil {
		return nil, err
	}

	var opened []types.Task
	for _, rule := range rules {
		open, err := hasOpenCheckpoint(tx, rule.ID)
		if err != nil {
			return nil, err
		}
		if open {
			continue
		}
		candidates := candidatesFor(rule, tasks)
		if !conditionMet(rule, tasks, candidates) {
			continue
		}
		cp, err := synthesize(tx, rec, rule, candidates)
		if err != nil {
			return nil, err
		}
		opened = append(opened, cp)
	}
	return opened, nil
}

func projectTasks(tx *sql.Tx, projectID string) ([]types.Task, error) {
	rows, err := tx.Query(
		`SELECT `+dag.TaskColumns+` FROM tasks WHERE project_id = ? AND deprecated_in_plan = 0`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := dag.ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// candidatesFor returns the Implemented tasks in a rule's scope, the work
// a checkpoint batches for decision.
func candidatesFor(rule types.GateRule, tasks []types.Task) []types.Task {
	var out []types.Task
	for _, t := range tasks {
		if t.State != types.StateImplemented {
			continue
		}
		if ruleMatches(rule, t) {
			out = append(out, t)
		}
	}
	return out
}

// riskyClasses are the task classes that count toward risk_threshold.
var riskyClasses = map[types.TaskClass]bool{
	types.ClassArchitecture: true,
	types.ClassDBSchema:     true,
	types.ClassSecurity:     true,
	types.ClassCrossCutting: true,
}

func conditionMet(rule types.GateRule, tasks []types.Task, candidates []types.Task) bool {
	switch rule.Condition {
	case types.CondMilestoneComplete:
		// Fires when every non-gate task in the milestone has reached
		// Implemented or beyond, and there is at least one.
		total := 0
		for _, t := range tasks {
			if t.MilestoneID != rule.MilestoneID || t.Class.IsGate() {
				continue
			}
			total++
			if t.State.Finality() < 1 {
				return false
			}
		}
		return total > 0 && len(candidates) > 0

	case types.CondImplementedBacklog:
		return len(candidates) >= rule.Threshold

	case types.CondRiskThreshold:
		risky := 0
		for _, t := range candidates {
			if riskyClasses[t.Class] {
				risky++
			}
		}
		return risky >= rule.Threshold

	case types.CondImplementedAge:
		cutoff := store.Now().Add(-time.Duration(rule.AgeSecs) * time.Second)
		for _, t := range candidates {
			if t.UpdatedAt.Before(cutoff) {
				return true
			}
		}
		return false
	}
	return false
}

// hasOpenCheckpoint reports whether the rule already has a live checkpoint
// task. Checkpoints carry their rule id in the work spec extras; the match
// goes through the JSON path, never text.
func hasOpenCheckpoint(tx *sql.Tx, ruleID string) (bool, error) {
	var n int
	err := tx.QueryRow(
		`SELECT COUNT(1) FROM tasks
		 WHERE task_class IN (?, ?) AND state NOT IN (?, ?, ?)
		 AND json_extract(work_spec, '$.extras.rule_id') = ?`,
		types.ClassReviewGate, types.ClassMergeGate,
		types.StateIntegrated, types.StateCancelled, types.StateAbandoned,
		ruleID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open checkpoints: %w", err)
	}
	return n > 0, nil
}

// synthesize creates the checkpoint task in Ready state with a
// deterministic project-scoped G<n> short id and binds the candidates. It
// is excluded from the general pull queue by its class; reviewers reach it
// through a reservation.
func synthesize(tx *sql.Tx, rec *eventlog.Recorder, rule types.GateRule, candidates []types.Task) (types.Task, error) {
	var seq int
	if err := tx.QueryRow(
		`SELECT COUNT(1) + 1 FROM tasks WHERE project_id = ? AND task_class IN (?, ?)`,
		rule.ProjectID, types.ClassReviewGate, types.ClassMergeGate,
	).Scan(&seq); err != nil {
		return types.Task{}, fmt.Errorf("failed to compute checkpoint sequence: %w", err)
	}

	project, err := dag.GetProject(tx, rule.ProjectID)
	if err != nil {
		return types.Task{}, err
	}
	cp, err := dag.CreateTask(tx, rec, dag.NewTaskInput{
		ProjectID:   rule.ProjectID,
		PhaseID:     rule.PhaseID,
		MilestoneID: rule.MilestoneID,
		Title:       fmt.Sprintf("Checkpoint: %s", rule.Name),
		Description: fmt.Sprintf("Review %d candidate task(s) batched by rule %s", len(candidates), rule.Name),
		Priority:    0,
		Class:       rule.CheckpointClass,
		WorkSpec: types.WorkSpec{
			Objective: fmt.Sprintf("Decide on candidates gathered by rule %s", rule.Name),
			Extras:    map[string]string{"rule_id": rule.ID},
		},
		ShortID:      fmt.Sprintf("G%d", seq),
		PlanVersion:  project.PlanVersion,
		InitialState: types.StateReady,
	})
	if err != nil {
		return types.Task{}, err
	}

	now := store.Now()
	candidateIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, err := tx.Exec(
			`INSERT INTO gate_candidates (checkpoint_task_id, candidate_task_id, project_id, created_at)
			 VALUES (?, ?, ?, ?)`,
			cp.ID, c.ID, rule.ProjectID, now); err != nil {
			return types.Task{}, fmt.Errorf("failed to link gate candidate: %w", err)
		}
		candidateIDs = append(candidateIDs, c.ID)
	}
	if _, err := rec.Append(rule.ProjectID, types.EntityTask, cp.ID, types.EventCheckpointOpened,
		map[string]interface{}{"rule": rule.ID, "short_id": cp.ShortID, "candidates": candidateIDs}); err != nil {
		return types.Task{}, err
	}

	logging.Get(logging.CategoryGate).Info("checkpoint opened",
		zap.String("rule", rule.Name),
		zap.String("checkpoint", cp.ShortID),
		zap.Int("candidates", len(candidates)))
	return cp, nil
}
