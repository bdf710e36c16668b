// Package gate implements checkpoint policy: rules scoped by phase,
// milestone or task class fire on lifecycle events or the periodic tick
// and synthesize checkpoint tasks batching candidate work for human
// decision. The Implemented→Integrated transition is refused without an
// approving decision from someone other than the claimant.
package gate

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// NewRuleInput carries the caller-supplied fields of a gate rule.
type NewRuleInput struct {
	ProjectID        string
	Name             string
	PhaseID          string
	MilestoneID      string
	TaskClasses      []types.TaskClass
	Condition        types.GateCondition
	Threshold        int
	AgeSecs          int
	CheckpointClass  types.TaskClass
	RequiredEvidence []string
	EvidenceWindow   int
}

// CreateRule inserts an enabled gate rule.
func CreateRule(tx *sql.Tx, rec *eventlog.Recorder, in NewRuleInput) (types.GateRule, error) {
	if in.Name == "" {
		return types.GateRule{}, types.E(types.KindInvalidArgument, "gate rule name is required")
	}
	switch in.Condition {
	case types.CondMilestoneComplete, types.CondImplementedBacklog, types.CondRiskThreshold, types.CondImplementedAge:
	default:
		return types.GateRule{}, types.E(types.KindInvalidArgument, "unknown gate condition %q", in.Condition)
	}
	if in.Condition == types.CondMilestoneComplete && in.MilestoneID == "" {
		return types.GateRule{}, types.E(types.KindInvalidArgument, "milestone_complete requires a milestone scope")
	}
	if (in.Condition == types.CondImplementedBacklog || in.Condition == types.CondRiskThreshold) && in.Threshold <= 0 {
		return types.GateRule{}, types.E(types.KindInvalidArgument, "condition %s requires a positive threshold", in.Condition)
	}
	if in.Condition == types.CondImplementedAge && in.AgeSecs <= 0 {
		return types.GateRule{}, types.E(types.KindInvalidArgument, "implemented_age requires a positive age")
	}
	if in.CheckpointClass == "" {
		in.CheckpointClass = types.ClassReviewGate
	}
	if !in.CheckpointClass.IsGate() {
		return types.GateRule{}, types.E(types.KindInvalidArgument,
			"checkpoint class must be review_gate or merge_gate, got %q", in.CheckpointClass)
	}

	r := types.GateRule{
		ID:               uuid.NewString(),
		ProjectID:        in.ProjectID,
		Name:             in.Name,
		PhaseID:          in.PhaseID,
		MilestoneID:      in.MilestoneID,
		TaskClasses:      in.TaskClasses,
		Condition:        in.Condition,
		Threshold:        in.Threshold,
		AgeSecs:          in.AgeSecs,
		CheckpointClass:  in.CheckpointClass,
		RequiredEvidence: in.RequiredEvidence,
		EvidenceWindow:   in.EvidenceWindow,
		Enabled:          true,
		CreatedAt:        store.Now(),
	}
	classes, _ := json.Marshal(classStrings(r.TaskClasses))
	evidence, _ := json.Marshal(emptyIfNil(r.RequiredEvidence))
	if _, err := tx.Exec(
		`INSERT INTO gate_rules (id, project_id, name, phase_id, milestone_id, task_classes, condition,
			threshold, age_seconds, checkpoint_class, required_evidence, evidence_window_seconds, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		r.ID, r.ProjectID, r.Name, r.PhaseID, r.MilestoneID, string(classes), r.Condition,
		r.Threshold, r.AgeSecs, r.CheckpointClass, string(evidence), r.EvidenceWindow, r.CreatedAt,
	); err != nil {
		return types.GateRule{}, fmt.Errorf("failed to insert gate rule: %w", err)
	}
	if _, err := rec.Append(r.ProjectID, types.EntityGateRule, r.ID, types.EventGateRuleCreated,
		map[string]interface{}{"name": r.Name, "condition": r.Condition}); err != nil {
		return types.GateRule{}, err
	}
	return r, nil
}

func classStrings(cs []types.TaskClass) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, string(c))
	}
	return out
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

const ruleColumns = `id, project_id, name, phase_id, milestone_id, task_classes, condition,
	threshold, age_seconds, checkpoint_class, required_evidence, evidence_window_seconds, enabled, created_at`

func scanRule(r interface{ Scan(...interface{}) error }) (types.GateRule, error) {
	var (
		rule             types.GateRule
		classes, evid    string
		enabled          int
	)
	err := r.Scan(&rule.ID, &rule.ProjectID, &rule.Name, &rule.PhaseID, &rule.MilestoneID,
		&classes, &rule.Condition, &rule.Threshold, &rule.AgeSecs, &rule.CheckpointClass,
		&evid, &rule.EvidenceWindow, &enabled, &rule.CreatedAt)
	if err != nil {
		return types.GateRule{}, err
	}
	var classNames []string
	if err := json.Unmarshal([]byte(classes), &classNames); err != nil {
		return types.GateRule{}, fmt.Errorf("corrupt task_classes on rule %s: %w", rule.ID, err)
	}
	for _, c := range classNames {
		rule.TaskClasses = append(rule.TaskClasses, types.TaskClass(c))
	}
	if err := json.Unmarshal([]byte(evid), &rule.RequiredEvidence); err != nil {
		return types.GateRule{}, fmt.Errorf("corrupt required_evidence on rule %s: %w", rule.ID, err)
	}
	rule.Enabled = enabled != 0
	return rule, nil
}

// GetRule reads one gate rule.
func GetRule(tx *sql.Tx, ruleID string) (types.GateRule, error) {
	row := tx.QueryRow(`SELECT `+ruleColumns+` FROM gate_rules WHERE id = ?`, ruleID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return types.GateRule{}, types.E(types.KindInvalidArgument, "gate rule %s not found", ruleID)
	}
	if err != nil {
		return types.GateRule{}, fmt.Errorf("failed to read gate rule: %w", err)
	}
	return rule, nil
}

// enabledRules lists a project's enabled rules inside a transaction.
func enabledRules(tx *sql.Tx, projectID string) ([]types.GateRule, error) {
	rows, err := tx.Query(
		`SELECT `+ruleColumns+` FROM gate_rules WHERE project_id = ? AND enabled = 1 ORDER BY created_at, id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate rules: %w", err)
	}
	defer rows.Close()
	var out []types.GateRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRules lists every rule of a project, enabled or not.
func ListRules(db *sql.DB, projectID string) ([]types.GateRule, error) {
	rows, err := db.Query(
		`SELECT `+ruleColumns+` FROM gate_rules WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate rules: %w", err)
	}
	defer rows.Close()
	var out []types.GateRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleEnabled toggles a rule.
func SetRuleEnabled(tx *sql.Tx, ruleID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := tx.Exec(`UPDATE gate_rules SET enabled = ? WHERE id = ?`, v, ruleID)
	if err != nil {
		return fmt.Errorf("failed to toggle gate rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindInvalidArgument, "gate rule %s not found", ruleID)
	}
	return nil
}

// ruleMatches reports whether a task falls in the rule's scope. Empty
// predicates match anything; checkpoint tasks are never candidates.
func ruleMatches(rule types.GateRule, t types.Task) bool {
	if t.Class.IsGate() {
		return false
	}
	if rule.PhaseID != "" && rule.PhaseID != t.PhaseID {
		return false
	}
	if rule.MilestoneID != "" && rule.MilestoneID != t.MilestoneID {
		return false
	}
	if len(rule.TaskClasses) > 0 {
		found := false
		for _, c := range rule.TaskClasses {
			if c == t.Class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
