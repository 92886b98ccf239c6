package authz

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// PredicateInput is what a compiled condition rule is evaluated against.
type PredicateInput struct {
	Subject   Subject
	Condition Condition
	// Resolved holds attributes fetched from the attribute source, keyed
	// "<kind>.<field>" (for example "institution.subscription_status").
	Resolved map[string]string
	Now      time.Time
}

// Predicate is a compiled condition rule.
type Predicate interface {
	Eval(ctx context.Context, in PredicateInput) (bool, error)
}

// PredicateCompiler compiles condition rule expressions.
type PredicateCompiler interface {
	Compile(expression string) (Predicate, error)
}

// NamedPredicate pairs a compiled predicate with its rule.
type NamedPredicate struct {
	Rule      ConditionRule
	Predicate Predicate
}

type permissionSet map[Permission]struct{}

// PolicySnapshot is an immutable view of the policy store taken at load
// time. Evaluators read it without locking.
type PolicySnapshot struct {
	version    uint64
	loadedAt   time.Time
	roles      map[string]permissionSet
	userRoles  map[string][]string
	predicates []NamedPredicate
}

// BuildSnapshot compiles store contents into a snapshot. compiler may be nil
// when no condition rules are defined; a rule that fails to compile fails
// the whole build.
func BuildSnapshot(roles []Role, userRoles []UserRole, rules []ConditionRule, compiler PredicateCompiler) (*PolicySnapshot, error) {
	s := &PolicySnapshot{
		loadedAt:  time.Now().UTC(),
		roles:     make(map[string]permissionSet, len(roles)),
		userRoles: make(map[string][]string),
	}
	for _, r := range roles {
		set := make(permissionSet, len(r.Permissions))
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
		s.roles[r.ID] = set
	}
	for _, ur := range userRoles {
		if !slices.Contains(s.userRoles[ur.UserID], ur.RoleID) {
			s.userRoles[ur.UserID] = append(s.userRoles[ur.UserID], ur.RoleID)
		}
	}
	for user := range s.userRoles {
		sort.Strings(s.userRoles[user])
	}

	sorted := slices.Clone(rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, rule := range sorted {
		if compiler == nil {
			return nil, fmt.Errorf("condition rule %q: no compiler configured", rule.Name)
		}
		pred, err := compiler.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("condition rule %q: %w", rule.Name, err)
		}
		s.predicates = append(s.predicates, NamedPredicate{Rule: rule, Predicate: pred})
	}
	return s, nil
}

// Version is the monotonically increasing load counter assigned by RBAC.
func (s *PolicySnapshot) Version() uint64 { return s.version }

// LoadedAt returns when the snapshot was built.
func (s *PolicySnapshot) LoadedAt() time.Time { return s.loadedAt }

// RoleCount returns the number of roles.
func (s *PolicySnapshot) RoleCount() int { return len(s.roles) }

// RolesOf returns the role IDs held by userID.
func (s *PolicySnapshot) RolesOf(userID string) []string {
	return slices.Clone(s.userRoles[userID])
}

// PredicatesFor returns the condition rules that apply to (resource, action).
func (s *PolicySnapshot) PredicatesFor(resource, action string) []NamedPredicate {
	var out []NamedPredicate
	for _, p := range s.predicates {
		if p.Rule.Applies(resource, action) {
			out = append(out, p)
		}
	}
	return out
}

// withUserRoles returns a copy of s with userID's roles replaced.
func (s *PolicySnapshot) withUserRoles(userID string, roleIDs []string) *PolicySnapshot {
	cp := *s
	cp.userRoles = maps.Clone(s.userRoles)
	if len(roleIDs) == 0 {
		delete(cp.userRoles, userID)
	} else {
		ids := slices.Clone(roleIDs)
		sort.Strings(ids)
		cp.userRoles[userID] = slices.Compact(ids)
	}
	return &cp
}

// effective returns the union of permissions across userID's roles.
func (s *PolicySnapshot) effective(userID string) permissionSet {
	out := make(permissionSet)
	for _, roleID := range s.userRoles[userID] {
		for p := range s.roles[roleID] {
			out[p] = struct{}{}
		}
	}
	return out
}
