package types

import (
	"errors"
	"fmt"
)

// Kind identifies a stable error category surfaced to callers.
// Clients branch on kinds, never on message text.
type Kind string

const (
	// Validation
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindTaskNotFound    Kind = "TASK_NOT_FOUND"
	KindProjectNotFound Kind = "PROJECT_NOT_FOUND"

	// DAG
	KindDependencyProjectMismatch Kind = "DEPENDENCY_PROJECT_MISMATCH"
	KindDependencyTaskNotFound    Kind = "DEPENDENCY_TASK_NOT_FOUND"
	KindCycleDetected             Kind = "CYCLE_DETECTED"
	KindShortIDConflict           Kind = "SHORT_ID_CONFLICT"

	// State machine
	KindIllegalTransition  Kind = "ILLEGAL_TRANSITION"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"

	// Concurrency
	KindLeaseConflict       Kind = "LEASE_CONFLICT"
	KindLeaseExpired        Kind = "LEASE_EXPIRED"
	KindFencingStale        Kind = "FENCING_STALE"
	KindReservationConflict Kind = "RESERVATION_CONFLICT"
	KindClaimsPaused        Kind = "CLAIMS_PAUSED"

	// Replan
	KindPlanStale           Kind = "PLAN_STALE"
	KindPlanVersionConflict Kind = "PLAN_VERSION_CONFLICT"

	// Gate
	KindGateEvidenceRequired   Kind = "GATE_EVIDENCE_REQUIRED"
	KindGateSelfReview         Kind = "GATE_SELF_REVIEW"
	KindGateForceRequiresAdmin Kind = "GATE_FORCE_REQUIRES_ADMIN"

	// Auth
	KindUnauthenticated       Kind = "UNAUTHENTICATED"
	KindRoleScopeViolation    Kind = "ROLE_SCOPE_VIOLATION"
	KindProjectScopeViolation Kind = "PROJECT_SCOPE_VIOLATION"
)

// Error is the typed error carried across all core operations.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E constructs a typed error with a formatted message.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error while preserving the chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// KindOf extracts the kind from an error chain. Returns "" when the error
// carries no kind (infrastructure failures stay kindless).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
