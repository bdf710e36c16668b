package gate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// DecisionInput carries one review outcome.
type DecisionInput struct {
	ProjectID    string
	RuleID       string
	CheckpointID string
	TaskID       string
	Outcome      types.GateOutcome
	ActorID      string
	Reason       string
	EvidenceRefs map[string]string
}

// RecordDecision appends an auditable gate decision for one task.
// Enforcement happens at integration time; recording never blocks.
func RecordDecision(tx *sql.Tx, rec *eventlog.Recorder, in DecisionInput) (types.GateDecision, error) {
	switch in.Outcome {
	case types.GateApproved, types.GateRejected, types.GateApprovedWithRisk:
	default:
		return types.GateDecision{}, types.E(types.KindInvalidArgument, "unknown gate outcome %q", in.Outcome)
	}
	if in.ActorID == "" {
		return types.GateDecision{}, types.E(types.KindInvalidArgument, "decision actor is required")
	}
	if in.TaskID == "" {
		return types.GateDecision{}, types.E(types.KindInvalidArgument, "decision task is required")
	}

	d := types.GateDecision{
		ID:           uuid.NewString(),
		ProjectID:    in.ProjectID,
		RuleID:       in.RuleID,
		CheckpointID: in.CheckpointID,
		TaskID:       in.TaskID,
		Outcome:      in.Outcome,
		ActorID:      in.ActorID,
		Reason:       in.Reason,
		EvidenceRefs: in.EvidenceRefs,
		CreatedAt:    store.Now(),
	}
	refs := d.EvidenceRefs
	if refs == nil {
		refs = map[string]string{}
	}
	raw, _ := json.Marshal(refs)
	if _, err := tx.Exec(
		`INSERT INTO gate_decisions (id, project_id, rule_id, checkpoint_task_id, task_id, outcome,
			actor_id, reason, evidence_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.RuleID, d.CheckpointID, d.TaskID, d.Outcome,
		d.ActorID, d.Reason, string(raw), d.CreatedAt,
	); err != nil {
		return types.GateDecision{}, fmt.Errorf("failed to insert gate decision: %w", err)
	}
	if _, err := rec.Append(d.ProjectID, types.EntityGateDecision, d.ID, types.EventGateDecisionLogged,
		map[string]interface{}{"task": d.TaskID, "outcome": d.Outcome, "actor": d.ActorID}); err != nil {
		return types.GateDecision{}, err
	}
	return d, nil
}

// decisionsFor reads a task's decisions newest first.
func decisionsFor(tx *sql.Tx, taskID string) ([]types.GateDecision, error) {
	rows, err := tx.Query(
		`SELECT id, project_id, rule_id, checkpoint_task_id, task_id, outcome, actor_id, reason,
			evidence_refs, created_at
		 FROM gate_decisions WHERE task_id = ? ORDER BY created_at DESC, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate decisions: %w", err)
	}
	defer rows.Close()
	var out []types.GateDecision
	for rows.Next() {
		var (
			d   types.GateDecision
			raw string
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.RuleID, &d.CheckpointID, &d.TaskID,
			&d.Outcome, &d.ActorID, &d.Reason, &raw, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate decision: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.EvidenceRefs); err != nil {
			return nil, fmt.Errorf("corrupt evidence_refs on decision %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ForceRequest is an admin backfill of the integration gate.
type ForceRequest struct {
	Reason  string
	IsAdmin bool
}

// CheckIntegrate enforces the gate on Implemented→Integrated. With no
// applicable rule the transition is free. Otherwise there must be an
// approving decision inside the rule's evidence window, recorded by
// someone other than the claimant, carrying every required evidence key.
// force is nil for normal mode; a non-nil force bypasses the decision
// check for admins with a non-empty reason and emits a distinct event.
func CheckIntegrate(tx *sql.Tx, rec *eventlog.Recorder, task types.Task, actorID string, force *ForceRequest) error {
	rules, err := enabledRules(tx, task.ProjectID)
	if err != nil {
		return err
	}
	var applicable []types.GateRule
	for _, r := range rules {
		if ruleMatches(r, task) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return nil
	}

	if force != nil {
		if !force.IsAdmin || force.Reason == "" {
			return types.E(types.KindGateForceRequiresAdmin,
				"forced integration requires admin and a backfill reason")
		}
		_, err := rec.Append(task.ProjectID, types.EntityTask, task.ID, types.EventGateForceOverride,
			map[string]interface{}{"actor": actorID, "reason": force.Reason})
		return err
	}

	decisions, err := decisionsFor(tx, task.ID)
	if err != nil {
		return err
	}
	now := store.Now()
	sawSelfApproval := false
	for _, rule := range applicable {
		if ruleSatisfied(rule, task, decisions, now, &sawSelfApproval) {
			continue
		}
		if sawSelfApproval {
			return types.E(types.KindGateSelfReview,
				"task %s cannot be integrated on the claimant's own approval", task.ShortID)
		}
		return types.E(types.KindGateEvidenceRequired,
			"task %s lacks an approving decision satisfying rule %s", task.ShortID, rule.Name)
	}
	return nil
}

// ruleSatisfied looks for one decision that unlocks the rule. Approvals by
// the claimant are noted but never count.
func ruleSatisfied(rule types.GateRule, task types.Task, decisions []types.GateDecision, now time.Time, sawSelfApproval *bool) bool {
	for _, d := range decisions {
		if !d.Outcome.Approving() {
			continue
		}
		if rule.EvidenceWindow > 0 &&
			d.CreatedAt.Before(now.Add(-time.Duration(rule.EvidenceWindow)*time.Second)) {
			continue
		}
		if task.ClaimedBy != "" && d.ActorID == task.ClaimedBy {
			*sawSelfApproval = true
			continue
		}
		if !evidenceCovers(d.EvidenceRefs, rule.RequiredEvidence) {
			continue
		}
		return true
	}
	return false
}

func evidenceCovers(refs map[string]string, required []string) bool {
	for _, key := range required {
		if refs[key] == "" {
			return false
		}
	}
	return true
}
