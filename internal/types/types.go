// Package types holds the shared domain model for the Tascade execution
// core: projects, tasks, dependency edges, leases, reservations, plan change
// sets, gate records, events, and the error taxonomy every component
// surfaces. All persistence layers and engines speak these types.
package types

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectPaused   ProjectStatus = "paused"
	ProjectArchived ProjectStatus = "archived"
)

// TaskState enumerates the task state machine.
type TaskState string

const (
	StateBacklog     TaskState = "backlog"
	StateReady       TaskState = "ready"
	StateReserved    TaskState = "reserved"
	StateClaimed     TaskState = "claimed"
	StateInProgress  TaskState = "in_progress"
	StateImplemented TaskState = "implemented"
	StateIntegrated  TaskState = "integrated"
	StateConflict    TaskState = "conflict"
	StateBlocked     TaskState = "blocked"
	StateAbandoned   TaskState = "abandoned"
	StateCancelled   TaskState = "cancelled"
)

// Finality returns the position of a state in the finality order used by
// unlock_on evaluation: Integrated > Implemented > everything else.
func (s TaskState) Finality() int {
	switch s {
	case StateIntegrated:
		return 2
	case StateImplemented:
		return 1
	default:
		return 0
	}
}

// TaskClass buckets tasks for gate-rule scoping and scheduling hints.
type TaskClass string

const (
	ClassArchitecture TaskClass = "architecture"
	ClassDBSchema     TaskClass = "db_schema"
	ClassSecurity     TaskClass = "security"
	ClassCrossCutting TaskClass = "cross_cutting"
	ClassReviewGate   TaskClass = "review_gate"
	ClassMergeGate    TaskClass = "merge_gate"
	ClassFrontend     TaskClass = "frontend"
	ClassBackend      TaskClass = "backend"
	ClassCRUD         TaskClass = "crud"
	ClassOther        TaskClass = "other"
)

// IsGate reports whether the class marks a synthesized checkpoint task.
func (c TaskClass) IsGate() bool {
	return c == ClassReviewGate || c == ClassMergeGate
}

// UnlockOn is the predecessor state at which a dependency edge stops
// blocking its successor.
type UnlockOn string

const (
	UnlockOnImplemented UnlockOn = "implemented"
	UnlockOnIntegrated  UnlockOn = "integrated"
)

// Satisfied reports whether a predecessor in the given state unlocks an
// edge with this criterion.
func (u UnlockOn) Satisfied(from TaskState) bool {
	switch u {
	case UnlockOnIntegrated:
		return from.Finality() >= 2
	default:
		return from.Finality() >= 1
	}
}

// CheckStatus is the CI outcome recorded on an artifact.
type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
)

// Project is the top-level isolation unit; it owns every other entity.
type Project struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Status        ProjectStatus `json:"status"`
	PlanVersion   int64         `json:"plan_version"`
	ReplanBarrier bool          `json:"replan_barrier"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Phase groups milestones; short id P<n> within its project.
type Phase struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ShortID   string    `json:"short_id"`
	Sequence  int       `json:"sequence"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Milestone groups tasks within a phase; short id P<n>.M<m>.
type Milestone struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	PhaseID   string    `json:"phase_id"`
	ShortID   string    `json:"short_id"`
	Sequence  int       `json:"sequence"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkSpec is the execution payload handed to an agent. Extras carries
// variant-specific fields that validation does not interpret.
type WorkSpec struct {
	Objective          string            `json:"objective"`
	Constraints        []string          `json:"constraints,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	Interfaces         []string          `json:"interfaces,omitempty"`
	PathHints          []string          `json:"path_hints,omitempty"`
	Extras             map[string]string `json:"extras,omitempty"`
}

// Task is the unit of execution.
type Task struct {
	ID          string    `json:"id"`
	ShortID     string    `json:"short_id"`
	ProjectID   string    `json:"project_id"`
	PhaseID     string    `json:"phase_id,omitempty"`
	MilestoneID string    `json:"milestone_id,omitempty"`
	Sequence    int       `json:"sequence"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	Class       TaskClass `json:"task_class"`

	CapabilityTags  []string `json:"capability_tags,omitempty"`
	ExpectedTouches []string `json:"expected_touches,omitempty"`
	ExclusivePaths  []string `json:"exclusive_paths,omitempty"`
	SharedPaths     []string `json:"shared_paths,omitempty"`

	WorkSpec WorkSpec `json:"work_spec"`

	State             TaskState  `json:"state"`
	Version           int64      `json:"version"`
	FencingCounter    int64      `json:"fencing_counter"`
	ClaimedBy         string     `json:"claimed_by,omitempty"`
	ReadySince        *time.Time `json:"ready_since,omitempty"`
	IntroducedInPlan  int64      `json:"introduced_in_plan_version"`
	DeprecatedInPlan  int64      `json:"deprecated_in_plan_version,omitempty"`
	LatestMaterialVer int64      `json:"latest_material_plan_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the task still participates in scheduling.
func (t *Task) Active() bool {
	switch t.State {
	case StateCancelled, StateAbandoned:
		return false
	}
	return t.DeprecatedInPlan == 0
}

// DependencyEdge is a directed edge: To depends on From.
type DependencyEdge struct {
	ProjectID string    `json:"project_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	UnlockOn  UnlockOn  `json:"unlock_on"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaseStatus is the lifecycle of a lease.
type LeaseStatus string

const (
	LeaseActive   LeaseStatus = "active"
	LeaseExpired  LeaseStatus = "expired"
	LeaseReleased LeaseStatus = "released"
	LeaseConsumed LeaseStatus = "consumed"
)

// Lease is a time-bounded exclusive hold of a task by one agent.
type Lease struct {
	Token          string      `json:"token"`
	TaskID         string      `json:"task_id"`
	ProjectID      string      `json:"project_id"`
	AgentID        string      `json:"agent_id"`
	FencingCounter int64       `json:"fencing_counter"`
	Status         LeaseStatus `json:"status"`
	TTLSeconds     int         `json:"ttl_seconds"`
	ExpiresAt      time.Time   `json:"expires_at"`
	HeartbeatAt    time.Time   `json:"heartbeat_at"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReservationStatus is the lifecycle of a directed assignment.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationExpired  ReservationStatus = "expired"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
)

// Reservation assigns a task to a specific agent ahead of claiming.
type Reservation struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	ProjectID  string            `json:"project_id"`
	AssigneeID string            `json:"assignee_agent_id"`
	Status     ReservationStatus `json:"status"`
	TTLSeconds int               `json:"ttl_seconds"`
	ExpiresAt  time.Time         `json:"expires_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Artifact is append-only evidence of work on a task.
type Artifact struct {
	ID           string      `json:"id"`
	TaskID       string      `json:"task_id"`
	ProjectID    string      `json:"project_id"`
	AgentID      string      `json:"agent_id"`
	Branch       string      `json:"branch"`
	CommitSHA    string      `json:"commit_sha"`
	CheckStatus  CheckStatus `json:"check_status"`
	TouchedFiles []string    `json:"touched_files,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IntegrationOutcome is the result of a merge attempt.
type IntegrationOutcome string

const (
	IntegrationQueued       IntegrationOutcome = "queued"
	IntegrationSuccess      IntegrationOutcome = "success"
	IntegrationConflict     IntegrationOutcome = "conflict"
	IntegrationFailedChecks IntegrationOutcome = "failed_checks"
)

// IntegrationAttempt is an append-only record of a merge outcome.
type IntegrationAttempt struct {
	ID        string             `json:"id"`
	TaskID    string             `json:"task_id"`
	ProjectID string             `json:"project_id"`
	Outcome   IntegrationOutcome `json:"outcome"`
	Detail    string             `json:"detail,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// TaskSnapshot binds a lease to the work_spec and plan version in effect
// when execution started. Immutable once captured.
type TaskSnapshot struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ProjectID   string    `json:"project_id"`
	LeaseToken  string    `json:"lease_token"`
	PlanVersion int64     `json:"plan_version"`
	WorkSpec    WorkSpec  `json:"work_spec"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ChangelogEntry records one task transition for audit.
type ChangelogEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	ProjectID string    `json:"project_id"`
	FromState TaskState `json:"from_state"`
	ToState   TaskState `json:"to_state"`
	ActorID   string    `json:"actor_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one entry in the append-only per-project event stream.
type Event struct {
	ID            int64           `json:"id"`
	ProjectID     string          `json:"project_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Role is a capability scope granted to an API key.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleAgent    Role = "agent"
	RoleReviewer Role = "reviewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// APIKeyStatus marks whether a key is usable.
type APIKeyStatus string

const (
	KeyActive  APIKeyStatus = "active"
	KeyRevoked APIKeyStatus = "revoked"
)

// APIKey is a per-project principal. Only the hash of the secret is stored.
type APIKey struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Roles     []Role       `json:"role_scopes"`
	Status    APIKeyStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Principal is the authenticated caller of a core operation.
type Principal struct {
	KeyID     string `json:"key_id"`
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Roles     []Role `json:"roles"`
}

// HasRole reports whether the principal carries the role. Admin implies
// every other role.
func (p *Principal) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r || have == RoleAdmin {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	for _, have := range p.Roles {
		if have == RoleAdmin {
			return true
		}
	}
	return false
}
