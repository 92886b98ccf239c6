package authz

import "strings"

// AttributeKind names a status attribute constrained by an allow-list.
type AttributeKind string

const (
	KindSubscriptionStatus AttributeKind = "subscription_status"
	KindPaymentStatus      AttributeKind = "payment_status"
	KindInstitutionPhase   AttributeKind = "institution_phase"
)

// AllowLists holds the permitted values of each status attribute, keyed by
// "resource:action" with "*" wildcards. Values compare case-insensitively.
type AllowLists struct {
	lists map[AttributeKind]map[string]map[string]struct{}
}

// NewAllowLists builds allow-lists from kind -> key -> values.
func NewAllowLists(src map[AttributeKind]map[string][]string) *AllowLists {
	a := &AllowLists{lists: make(map[AttributeKind]map[string]map[string]struct{}, len(src))}
	for kind, byKey := range src {
		m := make(map[string]map[string]struct{}, len(byKey))
		for key, values := range byKey {
			set := make(map[string]struct{}, len(values))
			for _, v := range values {
				set[normalizeStatus(v)] = struct{}{}
			}
			m[key] = set
		}
		a.lists[kind] = m
	}
	return a
}

// DefaultAllowLists returns the built-in allow-lists. Reads tolerate
// degraded billing states that writes do not.
func DefaultAllowLists() *AllowLists {
	return NewAllowLists(DefaultAllowListSpec())
}

// DefaultAllowListSpec returns the raw form of DefaultAllowLists.
func DefaultAllowListSpec() map[AttributeKind]map[string][]string {
	return map[AttributeKind]map[string][]string{
		KindSubscriptionStatus: {
			"*":      {"active", "trialing"},
			"*:read": {"active", "trialing", "past_due"},
		},
		KindPaymentStatus: {
			"*":      {"received", "confirmed", "received_in_cash", "paid"},
			"*:read": {"received", "confirmed", "received_in_cash", "paid", "pending", "overdue"},
		},
		KindInstitutionPhase: {
			"*":      {"active"},
			"*:read": {"active", "implementation"},
		},
	}
}

// Merge overlays other on a copy of a. Keys in other replace keys in a.
func (a *AllowLists) Merge(other map[AttributeKind]map[string][]string) *AllowLists {
	merged := make(map[AttributeKind]map[string][]string)
	for kind, byKey := range a.lists {
		merged[kind] = make(map[string][]string, len(byKey))
		for key, set := range byKey {
			for v := range set {
				merged[kind][key] = append(merged[kind][key], v)
			}
		}
	}
	for kind, byKey := range other {
		if merged[kind] == nil {
			merged[kind] = make(map[string][]string, len(byKey))
		}
		for key, values := range byKey {
			merged[kind][key] = values
		}
	}
	return NewAllowLists(merged)
}

// Allows reports whether value is permitted for kind on (resource, action).
// The most specific key wins: "resource:action", "*:action", "resource:*",
// then "*". A kind or key with no list denies.
func (a *AllowLists) Allows(kind AttributeKind, resource, action, value string) bool {
	if a == nil {
		return false
	}
	byKey := a.lists[kind]
	if byKey == nil {
		return false
	}
	for _, key := range []string{
		resource + ":" + action,
		"*:" + action,
		resource + ":*",
		"*",
	} {
		if set, ok := byKey[key]; ok {
			_, allowed := set[normalizeStatus(value)]
			return allowed
		}
	}
	return false
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
