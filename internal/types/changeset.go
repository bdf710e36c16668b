package types

import "time"

// ChangeOpType enumerates the mutations a plan change set may carry.
type ChangeOpType string

const (
	OpAddTask      ChangeOpType = "add_task"
	OpRemoveTask   ChangeOpType = "remove_task"
	OpUpdateTask   ChangeOpType = "update_task"
	OpAddEdge      ChangeOpType = "add_edge"
	OpRemoveEdge   ChangeOpType = "remove_edge"
	OpReprioritize ChangeOpType = "reprioritize"
	OpPostpone     ChangeOpType = "postpone"
	OpDeprecate    ChangeOpType = "deprecate"
)

// TaskUpdate carries the mutable planner-facing fields of a task. Nil
// pointers mean "leave unchanged"; the material-change classifier inspects
// exactly which fields are set.
type TaskUpdate struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	Priority       *int       `json:"priority,omitempty"`
	Class          *TaskClass `json:"task_class,omitempty"`
	CapabilityTags *[]string  `json:"capability_tags,omitempty"`
	ExclusivePaths *[]string  `json:"exclusive_paths,omitempty"`
	SharedPaths    *[]string  `json:"shared_paths,omitempty"`
	WorkSpec       *WorkSpec  `json:"work_spec,omitempty"`
}

// ChangeOp is one operation inside a change set. Exactly the fields
// relevant to its type are populated.
type ChangeOp struct {
	Type ChangeOpType `json:"type"`

	// add_task
	NewTask *Task `json:"new_task,omitempty"`

	// remove_task / update_task / reprioritize / postpone / deprecate
	TaskID   string      `json:"task_id,omitempty"`
	Update   *TaskUpdate `json:"update,omitempty"`
	Priority *int        `json:"priority,omitempty"`

	// add_edge / remove_edge
	FromID   string   `json:"from_id,omitempty"`
	ToID     string   `json:"to_id,omitempty"`
	UnlockOn UnlockOn `json:"unlock_on,omitempty"`
}

// ChangeSetStatus is the lifecycle of a plan change set.
type ChangeSetStatus string

const (
	ChangeSetDraft     ChangeSetStatus = "draft"
	ChangeSetValidated ChangeSetStatus = "validated"
	ChangeSetApplied   ChangeSetStatus = "applied"
	ChangeSetRejected  ChangeSetStatus = "rejected"
)

// ChangeSet is a versioned batch of DAG mutations.
type ChangeSet struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	BasePlanVersion   int64           `json:"base_plan_version"`
	TargetPlanVersion int64           `json:"target_plan_version,omitempty"`
	Operations        []ChangeOp      `json:"operations"`
	Status            ChangeSetStatus `json:"status"`
	Reason            string          `json:"reason,omitempty"`
	Impact            *ImpactPreview  `json:"impact_preview,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	AppliedAt         *time.Time      `json:"applied_at,omitempty"`
}

// ImpactPreview summarizes what a change set would do without committing it.
type ImpactPreview struct {
	NewlyBlocked     []string          `json:"newly_blocked,omitempty"`
	NewlyUnblocked   []string          `json:"newly_unblocked,omitempty"`
	ReadyDelta       int               `json:"ready_delta"`
	MaterialTasks    []string          `json:"material_tasks,omitempty"`
	ReleasedHolds    []string          `json:"released_holds,omitempty"`
	ActiveConflicts  []string          `json:"active_conflicts,omitempty"`
	GateImplications []string          `json:"gate_implications,omitempty"`
	Extras           map[string]string `json:"extras,omitempty"`
}

// PlanVersion links an applied change set to the project-scoped monotonic
// plan counter.
type PlanVersion struct {
	ProjectID   string    `json:"project_id"`
	Version     int64     `json:"version_number"`
	ChangeSetID string    `json:"change_set_id"`
	CreatedAt   time.Time `json:"created_at"`
}
