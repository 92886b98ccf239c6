package authz

import (
	"errors"
	"fmt"
)

// Authorization errors. Every one of them resolves to a deny; they only
// travel through error callbacks, logs and audit records.
var (
	// ErrUnauthenticated is reported when there is no subject identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrPolicyLoadPending is reported while role state has not loaded.
	ErrPolicyLoadPending = errors.New("policy state not loaded")
	// ErrContextualCheckFailed is reported when the contextual check could
	// not be evaluated (network, server or evaluator failure).
	ErrContextualCheckFailed = errors.New("contextual check failed")
	// ErrTimeout is reported when the contextual check exceeded its deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrContextualCheckFailed)
	// ErrInvalidContext is reported for malformed condition input.
	ErrInvalidContext = errors.New("invalid condition context")
)

// Store errors.
var (
	// ErrRoleNotFound is returned when a role does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrConditionRuleNotFound is returned when a condition rule does not exist.
	ErrConditionRuleNotFound = errors.New("condition rule not found")
	// ErrAssignmentNotFound is returned when revoking a role the user does not hold.
	ErrAssignmentNotFound = errors.New("role assignment not found")
)

// ReasonFor maps an error to its decision reason code.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ReasonConditionFailed
	case errors.Is(err, ErrUnauthenticated):
		return ReasonUnauthenticated
	case errors.Is(err, ErrPolicyLoadPending):
		return ReasonPolicyLoadPending
	case errors.Is(err, ErrInvalidContext):
		return ReasonInvalidContext
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	default:
		return ReasonConditionError
	}
}
