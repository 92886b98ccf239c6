// Package audit contains domain types for the authorization audit trail.
package audit

import (
	"strings"
	"time"
)

// Decision values for audit records.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event types.
const (
	// EventTypeDecision is an authorization query answered by the service.
	EventTypeDecision = "decision"

	EventTypeRoleSave     = "config.role_save"
	EventTypeRoleDelete   = "config.role_delete"
	EventTypeRuleSave     = "config.rule_save"
	EventTypeRuleDelete   = "config.rule_delete"
	EventTypePolicyReload = "config.reload"
	EventTypePolicyImport = "config.import"
	EventTypeRoleAssign   = "access.role_assign"
	EventTypeRoleRevoke   = "access.role_revoke"
	EventTypeCacheFlush   = "cache.invalidate"
)

// Check kinds for decision records.
const (
	CheckPermission = "permission"
	CheckCondition  = "condition"
	CheckAuthorize  = "authorize"
)

// AuditRecord is one auditable event.
type AuditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	RequestID string    `json:"request_id,omitempty"`
	// ClientID is the API caller (a backend service), not the end user.
	ClientID string `json:"client_id,omitempty"`

	// Decision fields.
	Check         string `json:"check,omitempty"`
	SubjectID     string `json:"subject_id,omitempty"`
	InstitutionID string `json:"institution_id,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Action        string `json:"action,omitempty"`
	EntityID      string `json:"entity_id,omitempty"`
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion uint64 `json:"policy_version,omitempty"`
	LatencyMicros int64  `json:"latency_us,omitempty"`

	// Administrative fields.
	TargetID string `json:"target_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// DecisionFor maps an allowed flag to a decision value.
func DecisionFor(allowed bool) string {
	if allowed {
		return DecisionAllow
	}
	return DecisionDeny
}

// AuditFilter selects records. Zero fields match everything.
type AuditFilter struct {
	StartTime time.Time
	EndTime   time.Time
	EventType string
	SubjectID string
	Resource  string
	Decision  string
	// Limit defaults to 100 and is capped at 1000.
	Limit int
}

// Matches reports whether r passes the filter.
func (f AuditFilter) Matches(r AuditRecord) bool {
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(r.Decision, f.Decision) {
		return false
	}
	return true
}

// EffectiveLimit returns the bounded limit.
func (f AuditFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 1000:
		return 1000
	default:
		return f.Limit
	}
}
