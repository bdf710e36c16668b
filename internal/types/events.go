package types

// Entity type tags used in the event log.
const (
	EntityProject      = "project"
	EntityPhase        = "phase"
	EntityMilestone    = "milestone"
	EntityTask         = "task"
	EntityEdge         = "dependency_edge"
	EntityLease        = "lease"
	EntityReservation  = "reservation"
	EntityArtifact     = "artifact"
	EntityIntegration  = "integration_attempt"
	EntityChangeSet    = "plan_change_set"
	EntityGateRule     = "gate_rule"
	EntityGateDecision = "gate_decision"
	EntityAPIKey       = "api_key"
)

// Event type tags. One constant per observable fact; payloads carry detail.
const (
	EventProjectCreated      = "project.created"
	EventPhaseCreated        = "phase.created"
	EventMilestoneCreated    = "milestone.created"
	EventTaskCreated         = "task.created"
	EventTaskUpdated         = "task.updated"
	EventTaskTransition      = "task.transition"
	EventSubmitForceOverride = "task.submit_force_override"
	EventEdgeAdded           = "edge.added"
	EventEdgeRemoved         = "edge.removed"

	EventLeaseCreated  = "lease.created"
	EventLeaseRenewed  = "lease.renewed"
	EventLeaseReleased = "lease.released"
	EventLeaseExpired  = "lease.expired"

	EventReservationCreated  = "reservation.created"
	EventReservationConsumed = "reservation.consumed"
	EventReservationExpired  = "reservation.expired"
	EventReservationReleased = "reservation.released"

	EventArtifactAppended    = "artifact.appended"
	EventIntegrationRecorded = "integration.recorded"
	EventSnapshotCaptured    = "snapshot.captured"

	EventChangeSetSubmitted = "change_set.submitted"
	EventChangeSetValidated = "change_set.validated"
	EventChangeSetRejected  = "change_set.rejected"
	EventChangeSetOpApplied = "change_set.op_applied"
	EventPlanVersionBumped  = "plan_version.bumped"
	EventHoldReleased       = "hold.released_by_replan"
	EventTaskDeprecated     = "task.deprecated"
	EventBarrierRaised      = "replan_barrier.raised"
	EventBarrierLowered     = "replan_barrier.lowered"

	EventGateRuleCreated    = "gate_rule.created"
	EventCheckpointOpened   = "gate.checkpoint_opened"
	EventGateDecisionLogged = "gate.decision_recorded"
	EventGateForceOverride  = "gate.force_override"
	EventGateRiskSummary    = "gate.risk_summary"

	EventAPIKeyCreated = "api_key.created"
	EventAPIKeyRevoked = "api_key.revoked"
)
