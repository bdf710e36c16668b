package types

import "time"

// GateCondition names the trigger condition of a gate rule.
type GateCondition string

const (
	CondMilestoneComplete  GateCondition = "milestone_complete"
	CondImplementedBacklog GateCondition = "implemented_backlog"
	CondRiskThreshold      GateCondition = "risk_threshold"
	CondImplementedAge     GateCondition = "implemented_age"
)

// GateRule describes when a checkpoint task is synthesized and what
// evidence an approving decision must carry.
type GateRule struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`

	// Scope predicates; empty means "any".
	PhaseID     string      `json:"phase_id,omitempty"`
	MilestoneID string      `json:"milestone_id,omitempty"`
	TaskClasses []TaskClass `json:"task_classes,omitempty"`

	Condition GateCondition `json:"condition"`
	Threshold int           `json:"threshold,omitempty"`
	AgeSecs   int           `json:"age_seconds,omitempty"`

	CheckpointClass  TaskClass `json:"checkpoint_class"`
	RequiredEvidence []string  `json:"required_evidence,omitempty"`
	EvidenceWindow   int       `json:"evidence_window_seconds,omitempty"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// GateOutcome is the recorded result of a human gate decision.
type GateOutcome string

const (
	GateApproved         GateOutcome = "approved"
	GateRejected         GateOutcome = "rejected"
	GateApprovedWithRisk GateOutcome = "approved_with_risk"
)

// Approving reports whether the outcome unlocks integration.
func (o GateOutcome) Approving() bool {
	return o == GateApproved || o == GateApprovedWithRisk
}

// GateDecision is the auditable record of a review outcome.
type GateDecision struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	RuleID       string            `json:"rule_id"`
	CheckpointID string            `json:"checkpoint_task_id,omitempty"`
	TaskID       string            `json:"task_id"`
	Outcome      GateOutcome       `json:"outcome"`
	ActorID      string            `json:"actor_id"`
	Reason       string            `json:"reason,omitempty"`
	EvidenceRefs map[string]string `json:"evidence_refs,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// GateCandidate binds a synthesized checkpoint task to one candidate task
// in its scope.
type GateCandidate struct {
	CheckpointID string    `json:"checkpoint_task_id"`
	CandidateID  string    `json:"candidate_task_id"`
	ProjectID    string    `json:"project_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckpointView is the read-only listing row for an open gate.
type CheckpointView struct {
	Task              Task      `json:"task"`
	RuleID            string    `json:"rule_id"`
	AgeSeconds        int64     `json:"age_seconds"`
	SLABreached       bool      `json:"sla_breached"`
	ReadyCandidates   int       `json:"ready_candidates"`
	BlockedCandidates int       `json:"blocked_candidates"`
	CandidateIDs      []string  `json:"candidate_ids"`
	OpenedAt          time.Time `json:"opened_at"`
}
