// Package attribute resolves the runtime attributes of entities,
// institutions and polos that contextual checks depend on, such as
// subscription state, payment state and lifecycle phase.
package attribute

import (
	"context"
	"errors"
	"fmt"
)

// TargetKind is the kind of record being resolved.
type TargetKind string

const (
	TargetEntity      TargetKind = "entity"
	TargetInstitution TargetKind = "institution"
	TargetPolo        TargetKind = "polo"
)

// Target identifies one record at the attribute source. Resource is only
// meaningful for entities.
type Target struct {
	Kind     TargetKind
	Resource string
	ID       string
}

// Key returns a cache key for the target.
func (t Target) Key() string {
	if t.Kind == TargetEntity {
		return string(t.Kind) + "/" + t.Resource + "/" + t.ID
	}
	return string(t.Kind) + "/" + t.ID
}

// Attributes are the normalized fields of a resolved record. Empty fields
// were absent in the provider response.
type Attributes struct {
	ID                 string `json:"id,omitempty"`
	OwnerID            string `json:"owner_id,omitempty"`
	InstitutionID      string `json:"institution_id,omitempty"`
	PoloID             string `json:"polo_id,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	PaymentStatus      string `json:"payment_status,omitempty"`
	Phase              string `json:"phase,omitempty"`
}

// Fields returns the non-empty attributes keyed "<kind>.<field>".
func (a Attributes) Fields(kind TargetKind) map[string]string {
	out := make(map[string]string, 7)
	put := func(name, v string) {
		if v != "" {
			out[string(kind)+"."+name] = v
		}
	}
	put("id", a.ID)
	put("owner_id", a.OwnerID)
	put("institution_id", a.InstitutionID)
	put("polo_id", a.PoloID)
	put("subscription_status", a.SubscriptionStatus)
	put("payment_status", a.PaymentStatus)
	put("phase", a.Phase)
	return out
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeFailed
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// Result is the tagged outcome of a lookup: Found carries Attributes,
// NotFound carries nothing, Failed carries Err.
type Result struct {
	Outcome    Outcome
	Attributes Attributes
	Err        error
}

// ErrResolveFailed wraps every Failed result error.
var ErrResolveFailed = errors.New("attribute resolution failed")

// Found returns a Found result.
func Found(a Attributes) Result {
	return Result{Outcome: OutcomeFound, Attributes: a}
}

// NotFound returns a NotFound result.
func NotFound() Result {
	return Result{Outcome: OutcomeNotFound}
}

// Failed returns a Failed result wrapping ErrResolveFailed.
func Failed(err error) Result {
	if err == nil {
		err = ErrResolveFailed
	} else if !errors.Is(err, ErrResolveFailed) {
		err = fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

// Source resolves targets. Implementations never panic; every failure is
// reported as a Failed result.
type Source interface {
	Resolve(ctx context.Context, target Target) Result
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, target Target) Result

// Resolve calls f.
func (f SourceFunc) Resolve(ctx context.Context, target Target) Result {
	return f(ctx, target)
}
