package authz

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DateRange is an inclusive time window. A zero bound is open.
type DateRange struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

// Contains reports whether t falls inside the window.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Condition is the input of a contextual check. Resource and Action are
// required; every other field is optional and an empty value imposes no
// constraint.
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

// HasAttributes reports whether any contextual attribute is supplied.
func (c Condition) HasAttributes() bool {
	return c.EntityID != "" ||
		c.InstitutionID != "" ||
		c.PoloID != "" ||
		c.SubscriptionStatus != "" ||
		c.PaymentStatus != "" ||
		c.InstitutionPhase != "" ||
		c.EntityOwnerID != "" ||
		c.DateRange != nil
}

// NeedsResolution reports whether evaluating the condition requires
// looking up current attributes from the attribute source.
func (c Condition) NeedsResolution() bool {
	return c.EntityID != "" || c.InstitutionID != "" || c.PoloID != ""
}

// Validate checks the condition is well formed. Returned errors wrap
// ErrInvalidContext.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Resource) == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidContext)
	}
	if strings.TrimSpace(c.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidContext)
	}
	if r := c.DateRange; r != nil && !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return fmt.Errorf("%w: date range start %s is after end %s",
			ErrInvalidContext, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Fingerprint returns a stable hash of every field. Two conditions with the
// same fingerprint are the same guard input.
func (c Condition) Fingerprint() uint64 {
	h := xxhash.New()
	for _, s := range []string{
		c.Resource, c.Action, c.EntityID, c.InstitutionID, c.PoloID,
		c.SubscriptionStatus, c.PaymentStatus, c.InstitutionPhase, c.EntityOwnerID,
	} {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	var buf [8]byte
	if c.DateRange == nil {
		_, _ = h.Write([]byte{0})
	} else {
		_, _ = h.Write([]byte{1})
		for _, t := range []time.Time{c.DateRange.Start, c.DateRange.End} {
			var n int64
			if !t.IsZero() {
				n = t.UnixNano()
			}
			binary.LittleEndian.PutUint64(buf[:], uint64(n))
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}
