package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// errDenied makes check exit non-zero on a deny.
var errDenied = errors.New("denied")

var checkFlags struct {
	subject, institution, polo string
	resource, action           string
	cond                       authz.Condition
	from, to                   string
	timeout                    time.Duration
	permissionOnly, asJSON     bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one authorization query against the configured store",
	Long: `Evaluate one query the way the HTTP API would, using the configured
store and attribute source. Exits non-zero when the query is denied.

Examples:
  # Does u1 hold invoices:update?
  edunexia-authz check --subject u1 --resource invoices --action update --permission-only

  # Full check: permission, then tenant and billing status
  edunexia-authz check --subject u1 --institution inst-1 \
    --resource invoices --action update \
    --target-institution inst-1 --subscription-status active`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkFlags.subject, "subject", "", "subject (user) ID")
	f.StringVar(&checkFlags.institution, "institution", "", "institution the subject belongs to")
	f.StringVar(&checkFlags.polo, "polo", "", "polo the subject belongs to")
	f.StringVar(&checkFlags.resource, "resource", "", "resource name")
	f.StringVar(&checkFlags.action, "action", "", "action name")
	f.StringVar(&checkFlags.cond.EntityID, "entity", "", "target entity ID")
	f.StringVar(&checkFlags.cond.InstitutionID, "target-institution", "", "institution that owns the target")
	f.StringVar(&checkFlags.cond.PoloID, "target-polo", "", "polo that owns the target")
	f.StringVar(&checkFlags.cond.SubscriptionStatus, "subscription-status", "", "subscription status to validate")
	f.StringVar(&checkFlags.cond.PaymentStatus, "payment-status", "", "payment status to validate")
	f.StringVar(&checkFlags.cond.InstitutionPhase, "institution-phase", "", "institution phase to validate")
	f.StringVar(&checkFlags.cond.EntityOwnerID, "owner", "", "owner of the target entity")
	f.StringVar(&checkFlags.from, "from", "", "RFC 3339 start of the date window")
	f.StringVar(&checkFlags.to, "to", "", "RFC 3339 end of the date window")
	f.DurationVar(&checkFlags.timeout, "timeout", 0, "contextual check timeout (default: attributes.check_timeout)")
	f.BoolVar(&checkFlags.permissionOnly, "permission-only", false, "check the role permission only")
	f.BoolVar(&checkFlags.asJSON, "json", false, "print the result as JSON")
	_ = checkCmd.MarkFlagRequired("resource")
	_ = checkCmd.MarkFlagRequired("action")
	rootCmd.AddCommand(checkCmd)
}

// checkResult is the printed outcome of check.
type checkResult struct {
	Allowed bool   `json:"allowed"`
	State   string `json:"state"`
	Reason  string `json:"reason"`
	Error   string `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newLogger(cfg)

	a, err := buildApp(ctx, cfg, logger, buildOptions{stdout: io.Discard})
	if err != nil {
		return err
	}
	defer a.close()
	a.audit.Start(ctx)
	defer a.audit.Stop()

	if err := a.seed(ctx); err != nil {
		return err
	}
	if err := a.authz.Reload(ctx); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	subject := authz.Subject{ID: checkFlags.subject, InstitutionID: checkFlags.institution, PoloID: checkFlags.polo}
	cond := checkFlags.cond
	cond.Resource, cond.Action = checkFlags.resource, checkFlags.action
	if cond.DateRange, err = parseDateRange(checkFlags.from, checkFlags.to); err != nil {
		return err
	}

	var res checkResult
	if checkFlags.permissionOnly {
		res.Allowed = a.authz.HasPermission(ctx, subject, cond.Resource, cond.Action)
		res.State, res.Reason = authz.StateAllowed.String(), authz.ReasonAllowed
		if !res.Allowed {
			res.State, res.Reason = authz.StateDenied.String(), authz.ReasonPermissionMissing
			if !subject.Authenticated() {
				res.Reason = authz.ReasonUnauthenticated
			}
		}
	} else {
		var opts []authz.CheckOption
		if checkFlags.timeout > 0 {
			opts = append(opts, authz.WithTimeout(checkFlags.timeout))
		}
		d := a.authz.Authorize(ctx, subject, cond, opts...)
		res = checkResult{Allowed: d.Allowed(), State: d.State.String(), Reason: d.Reason}
		if d.Err != nil {
			res.Error = d.Err.Error()
		}
	}

	out := cmd.OutOrStdout()
	if checkFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s (%s)\n", res.State, res.Reason)
		if res.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", res.Error)
		}
	}
	if !res.Allowed {
		return errDenied
	}
	return nil
}

func parseDateRange(from, to string) (*authz.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	var r authz.DateRange
	var err error
	if from != "" {
		if r.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return nil, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if r.End, err = time.Parse(time.RFC3339, to); err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
	}
	return &r, nil
}
