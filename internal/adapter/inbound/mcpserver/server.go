// Package mcpserver exposes authorization queries as MCP tools so agents
// can ask whether a user may act before they act.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// maxTimeout caps the timeout_ms a tool caller may request.
const maxTimeout = 30 * time.Second

// Authorizer answers authorization queries.
type Authorizer interface {
	HasPermission(ctx context.Context, subject authz.Subject, resource, action string) bool
	CheckCondition(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) (bool, error)
	Authorize(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) authz.Decision
	EffectivePermissions(userID string) ([]authz.Permission, bool)
}

// PermissionArgs are the has_permission arguments.
type PermissionArgs struct {
	SubjectID     string `json:"subject_id" jsonschema:"ID of the user being checked"`
	InstitutionID string `json:"institution_id,omitempty" jsonschema:"tenant institution of the user; empty for platform users"`
	PoloID        string `json:"polo_id,omitempty" jsonschema:"polo (branch) of the user"`
	Resource      string `json:"resource" jsonschema:"resource name, case-sensitive"`
	Action        string `json:"action" jsonschema:"action name, case-sensitive"`
}

func (a PermissionArgs) subject() authz.Subject {
	return authz.Subject{ID: a.SubjectID, InstitutionID: a.InstitutionID, PoloID: a.PoloID}
}

// ConditionArgs are the check_condition and authorize arguments. The
// target_* fields describe the record being acted on.
type ConditionArgs struct {
	SubjectID          string `json:"subject_id" jsonschema:"ID of the user being checked"`
	InstitutionID      string `json:"institution_id,omitempty" jsonschema:"tenant institution of the user"`
	PoloID             string `json:"polo_id,omitempty" jsonschema:"polo (branch) of the user"`
	Resource           string `json:"resource" jsonschema:"resource name"`
	Action             string `json:"action" jsonschema:"action name"`
	EntityID           string `json:"entity_id,omitempty" jsonschema:"record the action targets"`
	TargetInstitution  string `json:"target_institution_id,omitempty" jsonschema:"institution that owns the target"`
	TargetPolo         string `json:"target_polo_id,omitempty" jsonschema:"polo that owns the target"`
	SubscriptionStatus string `json:"subscription_status,omitempty" jsonschema:"subscription status to validate"`
	PaymentStatus      string `json:"payment_status,omitempty" jsonschema:"payment status to validate"`
	InstitutionPhase   string `json:"institution_phase,omitempty" jsonschema:"institution lifecycle phase to validate"`
	EntityOwnerID      string `json:"entity_owner_id,omitempty" jsonschema:"owner of the target record"`
	From               string `json:"from,omitempty" jsonschema:"RFC 3339 start of the allowed window"`
	To                 string `json:"to,omitempty" jsonschema:"RFC 3339 end of the allowed window"`
	TimeoutMS          int    `json:"timeout_ms,omitempty" jsonschema:"lookup timeout in milliseconds"`
}

// SubjectOnlyArgs are the effective_permissions arguments.
type SubjectOnlyArgs struct {
	SubjectID string `json:"subject_id" jsonschema:"ID of the user"`
}

// Verdict is the structured result of every check tool.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// PermissionList is the structured result of effective_permissions.
type PermissionList struct {
	SubjectID   string   `json:"subject_id"`
	Permissions []string `json:"permissions"`
}

// ErrPolicyNotLoaded is returned by effective_permissions before the first
// policy load.
var ErrPolicyNotLoaded = errors.New("policy not loaded")

// NewServer builds the MCP server with every authorization tool.
func NewServer(a Authorizer, version string, logger *slog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "edunexia-authz", Version: version}, nil)
	t := &tools{authz: a, logger: logger}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "has_permission",
		Description: "Report whether a user holds a resource:action permission through any of their roles.",
	}, t.hasPermission)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_condition",
		Description: "Evaluate only the contextual conditions (tenant, status, ownership, date window) for an action.",
	}, t.checkCondition)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "authorize",
		Description: "Run the full check: permission first, then contextual conditions. Returns allowed or denied with a reason code.",
	}, t.authorize)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "effective_permissions",
		Description: "List every resource:action a user holds.",
	}, t.effectivePermissions)

	return server
}

// HTTPHandler serves server over the streamable HTTP transport.
func HTTPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

type tools struct {
	authz  Authorizer
	logger *slog.Logger
}

func (t *tools) hasPermission(ctx context.Context, _ *mcp.CallToolRequest, args PermissionArgs) (*mcp.CallToolResult, Verdict, error) {
	allowed := t.authz.HasPermission(ctx, args.subject(), args.Resource, args.Action)
	v := Verdict{Allowed: allowed}
	if !allowed {
		v.Reason = authz.ReasonPermissionMissing
	}
	return nil, v, nil
}

func (t *tools) checkCondition(ctx context.Context, _ *mcp.CallToolRequest, args ConditionArgs) (*mcp.CallToolResult, Verdict, error) {
	cond, opts, err := args.condition()
	if err != nil {
		return nil, Verdict{Reason: authz.ReasonInvalidContext}, nil
	}
	allowed, checkErr := t.authz.CheckCondition(ctx, args.subject(), cond, opts...)
	v := Verdict{Allowed: allowed}
	switch {
	case checkErr != nil:
		v.Reason = authz.ReasonFor(checkErr)
	case !allowed:
		v.Reason = authz.ReasonConditionFailed
	}
	return nil, v, nil
}

func (t *tools) authorize(ctx context.Context, _ *mcp.CallToolRequest, args ConditionArgs) (*mcp.CallToolResult, Verdict, error) {
	cond, opts, err := args.condition()
	if err != nil {
		return nil, Verdict{State: authz.StateDenied.String(), Reason: authz.ReasonInvalidContext}, nil
	}
	d := t.authz.Authorize(ctx, args.subject(), cond, opts...)
	if d.Err != nil {
		t.logger.Debug("mcp authorize denied", "subject_id", args.SubjectID, "reason", d.Reason, "error", d.Err)
	}
	return nil, Verdict{Allowed: d.Allowed(), State: d.State.String(), Reason: d.Reason}, nil
}

func (t *tools) effectivePermissions(_ context.Context, _ *mcp.CallToolRequest, args SubjectOnlyArgs) (*mcp.CallToolResult, PermissionList, error) {
	perms, ok := t.authz.EffectivePermissions(args.SubjectID)
	if !ok {
		return nil, PermissionList{}, ErrPolicyNotLoaded
	}
	out := PermissionList{SubjectID: args.SubjectID, Permissions: make([]string, len(perms))}
	for i, p := range perms {
		out.Permissions[i] = p.String()
	}
	return nil, out, nil
}

func (a ConditionArgs) subject() authz.Subject {
	return authz.Subject{ID: a.SubjectID, InstitutionID: a.InstitutionID, PoloID: a.PoloID}
}

func (a ConditionArgs) condition() (authz.Condition, []authz.CheckOption, error) {
	cond := authz.Condition{
		Resource:           a.Resource,
		Action:             a.Action,
		EntityID:           a.EntityID,
		InstitutionID:      a.TargetInstitution,
		PoloID:             a.TargetPolo,
		SubscriptionStatus: a.SubscriptionStatus,
		PaymentStatus:      a.PaymentStatus,
		InstitutionPhase:   a.InstitutionPhase,
		EntityOwnerID:      a.EntityOwnerID,
	}
	if a.From != "" || a.To != "" {
		var r authz.DateRange
		var err error
		if a.From != "" {
			if r.Start, err = time.Parse(time.RFC3339, a.From); err != nil {
				return cond, nil, err
			}
		}
		if a.To != "" {
			if r.End, err = time.Parse(time.RFC3339, a.To); err != nil {
				return cond, nil, err
			}
		}
		cond.DateRange = &r
	}
	var opts []authz.CheckOption
	if a.TimeoutMS > 0 {
		ms := min(int64(a.TimeoutMS), maxTimeout.Milliseconds())
		opts = append(opts, authz.WithTimeout(time.Duration(ms)*time.Millisecond))
	}
	return cond, opts, nil
}
