package cel

import (
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// NewConditionEnvironment creates the CEL environment condition rules are
// compiled in. Variables:
//   - subject: subject_id, subject_institution_id, subject_polo_id
//   - request: resource, action, entity_id, institution_id, polo_id,
//     subscription_status, payment_status, institution_phase,
//     entity_owner_id, date_start, date_end, has_date_range
//   - now: evaluation time
//   - resolved: attributes fetched from the billing source, keyed
//     "<kind>.<field>", e.g. resolved["institution.subscription_status"]
//
// Functions: glob(pattern, value), resolved_or(resolved, key, default).
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("subject_id", cel.StringType),
		cel.Variable("subject_institution_id", cel.StringType),
		cel.Variable("subject_polo_id", cel.StringType),

		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("institution_id", cel.StringType),
		cel.Variable("polo_id", cel.StringType),
		cel.Variable("subscription_status", cel.StringType),
		cel.Variable("payment_status", cel.StringType),
		cel.Variable("institution_phase", cel.StringType),
		cel.Variable("entity_owner_id", cel.StringType),
		cel.Variable("has_date_range", cel.BoolType),
		cel.Variable("date_start", cel.TimestampType),
		cel.Variable("date_end", cel.TimestampType),

		cel.Variable("now", cel.TimestampType),
		cel.Variable("resolved", cel.MapType(cel.StringType, cel.StringType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					v, _ := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		// resolved_or(resolved, "polo.status", "unknown")
		cel.Function("resolved_or",
			cel.Overload("resolved_or_map_string_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.StringType), cel.StringType, cel.StringType},
				cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if m, ok := args[0].(traits.Mapper); ok {
						if v, found := m.Find(args[1]); found {
							return v
						}
					}
					return args[2]
				}),
			),
		),
	)
}

// BuildActivation maps a predicate input to CEL variables. Absent strings
// are empty and absent date bounds are the zero time.
func BuildActivation(in authz.PredicateInput) map[string]any {
	c := in.Condition
	resolved := in.Resolved
	if resolved == nil {
		resolved = map[string]string{}
	}
	var start, end time.Time
	if c.DateRange != nil {
		start, end = c.DateRange.Start, c.DateRange.End
	}
	return map[string]any{
		"subject_id":             in.Subject.ID,
		"subject_institution_id": in.Subject.InstitutionID,
		"subject_polo_id":        in.Subject.PoloID,
		"resource":               c.Resource,
		"action":                 c.Action,
		"entity_id":              c.EntityID,
		"institution_id":         c.InstitutionID,
		"polo_id":                c.PoloID,
		"subscription_status":    c.SubscriptionStatus,
		"payment_status":         c.PaymentStatus,
		"institution_phase":      c.InstitutionPhase,
		"entity_owner_id":        c.EntityOwnerID,
		"has_date_range":         c.DateRange != nil,
		"date_start":             start,
		"date_end":               end,
		"now":                    in.Now,
		"resolved":               resolved,
	}
}
