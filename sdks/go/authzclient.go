// Package authzclient is a Go client for the EdunexIA authorization API.
//
// Platform services use it to ask whether a subject may perform an action
// before doing it. The client fails closed: any transport or server error
// is reported as an error and Check returns false.
//
// Quick start:
//
//	// Set EDUNEXIA_AUTHZ_SERVER_ADDR and EDUNEXIA_AUTHZ_API_KEY, then:
//	client := authzclient.NewClient()
//
//	d, err := client.Authorize(ctx, authzclient.Subject{ID: "u1", InstitutionID: "inst-1"},
//	    authzclient.Condition{Resource: "invoices", Action: "approve", EntityID: "inv-9"})
//	if err != nil {
//	    var denied *authzclient.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied: %s\n", denied.Reason)
//	    }
//	}
package authzclient

import "time"

// Subject identifies the caller being authorized. An empty InstitutionID
// denotes a platform-level subject.
type Subject struct {
	ID            string `json:"id"`
	InstitutionID string `json:"institution_id,omitempty"`
	PoloID        string `json:"polo_id,omitempty"`
}

// DateRange is an inclusive time window. A zero bound is open.
type DateRange struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

// Condition carries the attributes of a contextual check. Resource and
// Action are required; every other attribute that is set must hold.
type Condition struct {
	Resource           string     `json:"resource"`
	Action             string     `json:"action"`
	EntityID           string     `json:"entity_id,omitempty"`
	InstitutionID      string     `json:"institution_id,omitempty"`
	PoloID             string     `json:"polo_id,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	PaymentStatus      string     `json:"payment_status,omitempty"`
	InstitutionPhase   string     `json:"institution_phase,omitempty"`
	EntityOwnerID      string     `json:"entity_owner_id,omitempty"`
	DateRange          *DateRange `json:"date_range,omitempty"`
}

// State is the outcome state of an authorization.
type State string

const (
	StatePending State = "pending"
	StateDenied  State = "denied"
	StateAllowed State = "allowed"
)

// Decision is the server's answer to an authorize request.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	State     State  `json:"state"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

// ConditionResult is the server's answer to a contextual check. Reason is
// empty when Allowed is true.
type ConditionResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Target names one cached attribute record: an institution, a polo, or an
// entity of a resource type.
type Target struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id"`
}

type permissionRequest struct {
	Subject  Subject `json:"subject"`
	Resource string  `json:"resource"`
	Action   string  `json:"action"`
}

type permissionResponse struct {
	Allowed bool `json:"allowed"`
}

type conditionRequest struct {
	Subject   Subject   `json:"subject"`
	Condition Condition `json:"condition"`
	TimeoutMS int       `json:"timeout_ms,omitempty"`
}

type subjectPermissionsResponse struct {
	SubjectID   string   `json:"subject_id"`
	Permissions []string `json:"permissions"`
}

type invalidateRequest struct {
	Targets  []Target `json:"targets,omitempty"`
	Subjects []string `json:"subjects,omitempty"`
	All      bool     `json:"all,omitempty"`
}
