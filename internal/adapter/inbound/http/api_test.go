package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/cel"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/memory"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
)

const (
	checkKey = "check-key"
	adminKey = "admin-key"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// billingStub serves institution attributes. "inst-down" fails and
// "inst-slow" blocks until the lookup context ends.
type billingStub struct {
	mu    sync.Mutex
	calls int
	byID  map[string]attribute.Attributes
}

func (b *billingStub) Resolve(ctx context.Context, t attribute.Target) attribute.Result {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	switch t.ID {
	case "inst-down":
		return attribute.Failed(io.ErrUnexpectedEOF)
	case "inst-slow":
		<-ctx.Done()
		return attribute.Failed(ctx.Err())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.byID[t.ID]
	if !ok {
		return attribute.NotFound()
	}
	return attribute.Found(a)
}

func (b *billingStub) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type apiFixture struct {
	t        *testing.T
	store    *memory.MemoryPolicyStore
	authz    *service.AuthorizationService
	audit    *memory.AuditStore
	billing  *billingStub
	metrics  *Metrics
	registry *prometheus.Registry
	handler  http.Handler
}

func seedAPIPolicy(t *testing.T, store authz.PolicyStore) {
	t.Helper()
	ctx := context.Background()
	roles := []authz.Role{
		{ID: "viewer", Name: "Viewer", Permissions: []authz.Permission{{Resource: "contacts", Action: "read"}}},
		{ID: "editor", Name: "Editor", Permissions: []authz.Permission{
			{Resource: "invoices", Action: "read"},
			{Resource: "invoices", Action: "update"},
		}},
		{ID: "authz-admin", Name: "Authorization admin", Permissions: []authz.Permission{{Resource: "authz", Action: "manage"}}},
	}
	for i := range roles {
		if err := store.SaveRole(ctx, &roles[i]); err != nil {
			t.Fatalf("SaveRole(%s) error: %v", roles[i].ID, err)
		}
	}
	for _, a := range []authz.UserRole{
		{UserID: "u1", RoleID: "editor"},
		{UserID: "u2", RoleID: "viewer"},
		{UserID: "boss", RoleID: "authz-admin"},
	} {
		if err := store.AssignRole(ctx, a.UserID, a.RoleID); err != nil {
			t.Fatalf("AssignRole() error: %v", err)
		}
	}
}

func newAPIFixture(t *testing.T, load bool, opts ...Option) *apiFixture {
	t.Helper()
	logger := discardLogger()

	store := memory.NewPolicyStore()
	seedAPIPolicy(t, store)

	billing := &billingStub{byID: map[string]attribute.Attributes{
		"inst-1": {ID: "inst-1", SubscriptionStatus: "ACTIVE", Phase: "active"},
		"inst-2": {ID: "inst-2", SubscriptionStatus: "suspended"},
	}}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	cached := attribute.NewCachedSource(metrics.InstrumentSource(billing), 64, time.Minute,
		attribute.WithFetchTimeout(time.Second))

	eval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	abac := authz.NewABAC(cached, authz.WithLogger(logger), authz.WithDefaultTimeout(time.Second))
	authorizer := authz.NewAuthorizer(authz.NewRBAC(0), abac)

	auditStore := memory.NewAuditStore(nil, 100)
	auditSvc := service.NewAuditService(auditStore, logger, service.WithFlushInterval(10*time.Millisecond))
	auditSvc.Start(context.Background())
	t.Cleanup(auditSvc.Stop)

	authzSvc := service.NewAuthorizationService(store, authorizer, logger,
		service.WithCompiler(eval),
		service.WithAttributeCache(cached),
		service.WithAudit(auditSvc),
		service.WithDecisionObserver(metrics),
	)
	if load {
		if err := authzSvc.Reload(context.Background()); err != nil {
			t.Fatalf("Reload() error: %v", err)
		}
	}
	admin := service.NewPolicyAdminService(store, authzSvc, logger, service.WithAdminAudit(auditSvc))
	cache := service.NewCacheService(authzSvc, nil, auditSvc, logger)

	authStore := memory.NewAuthStore()
	authStore.AddClient(&auth.Client{ID: "lms", Name: "LMS backend", Scopes: []auth.Scope{auth.ScopeCheck}})
	authStore.AddClient(&auth.Client{ID: "portal", Name: "Admin portal", Scopes: []auth.Scope{auth.ScopeAdmin}})
	authStore.AddKey(&auth.APIKey{Key: "sha256:" + auth.HashKey(checkKey), ClientID: "lms"})
	authStore.AddKey(&auth.APIKey{Key: "sha256:" + auth.HashKey(adminKey), ClientID: "portal"})

	opts = append([]Option{
		WithAdminService(admin),
		WithCacheService(cache),
		WithAuditReader(auditStore),
		WithHealthChecker(NewHealthChecker(authzSvc, auditSvc, "test")),
		WithMetrics(metrics, registry),
		WithLogger(logger),
	}, opts...)
	h := NewHandler(authzSvc, auth.NewAPIKeyService(authStore), opts...)

	return &apiFixture{
		t:        t,
		store:    store,
		authz:    authzSvc,
		audit:    auditStore,
		billing:  billing,
		metrics:  metrics,
		registry: registry,
		handler:  h.Routes(),
	}
}

func (f *apiFixture) do(method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAPI_Authentication(t *testing.T) {
	f := newAPIFixture(t, true)
	perm := PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "read"}

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"no key", http.MethodPost, "/v1/authz/permission", "", perm, http.StatusUnauthorized},
		{"unknown key", http.MethodPost, "/v1/authz/permission", "nope", perm, http.StatusUnauthorized},
		{"check scope on check route", http.MethodPost, "/v1/authz/permission", checkKey, perm, http.StatusOK},
		{"admin scope implies check", http.MethodPost, "/v1/authz/permission", adminKey, perm, http.StatusOK},
		{"check scope on admin route", http.MethodGet, "/v1/admin/roles", checkKey, nil, http.StatusForbidden},
		{"check scope on invalidation", http.MethodPost, "/v1/attributes/invalidate", checkKey, InvalidateRequest{All: true}, http.StatusForbidden},
		{"health is public", http.MethodGet, "/health", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.key, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID header missing")
			}
		})
	}
}

func TestAPI_Permission(t *testing.T) {
	f := newAPIFixture(t, true)

	tests := []struct {
		name string
		req  PermissionRequest
		want bool
	}{
		{"granted through role", PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "update"}, true},
		{"case sensitive resource", PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "Invoices", Action: "update"}, false},
		{"other role", PermissionRequest{Subject: authz.Subject{ID: "u2"}, Resource: "invoices", Action: "update"}, false},
		{"unknown user", PermissionRequest{Subject: authz.Subject{ID: "ghost"}, Resource: "contacts", Action: "read"}, false},
		{"no subject", PermissionRequest{Resource: "contacts", Action: "read"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey, tt.req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if got := decode[PermissionResponse](t, rec).Allowed; got != tt.want {
				t.Errorf("allowed = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("missing action", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey, PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
	t.Run("malformed body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey, "{")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
	t.Run("wrong method", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/authz/permission", checkKey, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestAPI_Condition(t *testing.T) {
	f := newAPIFixture(t, true)
	u1 := authz.Subject{ID: "u1"}

	tests := []struct {
		name       string
		req        ConditionRequest
		wantAllow  bool
		wantReason string
	}{
		{"institution active", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-1"}}, true, ""},
		{"institution suspended", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-2"}}, false, authz.ReasonConditionFailed},
		{"institution unknown", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-x"}}, false, authz.ReasonConditionFailed},
		{"billing failure", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-down"}}, false, authz.ReasonConditionError},
		{"billing timeout", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-slow"}, TimeoutMS: 20}, false, authz.ReasonTimeout},
		{"missing resource", ConditionRequest{Subject: u1, Condition: authz.Condition{Action: "update", PoloID: "p1"}}, false, authz.ReasonInvalidContext},
		{"owner mismatch", ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", EntityOwnerID: "u2"}}, false, authz.ReasonConditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/authz/condition", checkKey, tt.req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			got := decode[ConditionResponse](t, rec)
			if got.Allowed != tt.wantAllow || got.Reason != tt.wantReason {
				t.Errorf("got %+v, want allowed=%v reason=%q", got, tt.wantAllow, tt.wantReason)
			}
			if strings.Contains(rec.Body.String(), "unexpected EOF") {
				t.Errorf("raw error leaked: %s", rec.Body.String())
			}
		})
	}

	t.Run("no attributes needs no lookup", func(t *testing.T) {
		before := f.billing.Calls()
		rec := f.do(http.MethodPost, "/v1/authz/condition", checkKey,
			ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update"}})
		if got := decode[ConditionResponse](t, rec); !got.Allowed {
			t.Errorf("got %+v, want allowed", got)
		}
		if f.billing.Calls() != before {
			t.Error("billing source called for a condition without attributes")
		}
	})

	t.Run("huge timeout is capped", func(t *testing.T) {
		capped := newAPIFixture(t, true, WithMaxCheckTimeout(20*time.Millisecond))
		start := time.Now()
		rec := capped.do(http.MethodPost, "/v1/authz/condition", checkKey,
			ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-slow"}, TimeoutMS: 1 << 62})
		if got := decode[ConditionResponse](t, rec); got.Allowed || got.Reason != authz.ReasonTimeout {
			t.Errorf("got %+v, want timeout deny", got)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("check took %s, want the 20ms cap", elapsed)
		}
	})

	t.Run("negative timeout", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/authz/condition", checkKey,
			ConditionRequest{Subject: u1, Condition: authz.Condition{Resource: "invoices", Action: "update"}, TimeoutMS: -1})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestAPI_Authorize(t *testing.T) {
	f := newAPIFixture(t, true)

	tests := []struct {
		name       string
		req        ConditionRequest
		wantState  string
		wantReason string
	}{
		{"allowed", ConditionRequest{Subject: authz.Subject{ID: "u1"}, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-1"}}, "allowed", authz.ReasonAllowed},
		{"permission missing skips condition", ConditionRequest{Subject: authz.Subject{ID: "u2"}, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-down"}}, "denied", authz.ReasonPermissionMissing},
		{"condition fails", ConditionRequest{Subject: authz.Subject{ID: "u1"}, Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-2"}}, "denied", authz.ReasonConditionFailed},
		{"unauthenticated", ConditionRequest{Condition: authz.Condition{Resource: "invoices", Action: "update"}}, "denied", authz.ReasonUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/authz/authorize", checkKey, tt.req, "X-Request-ID", "req-42")
			got := decode[DecisionResponse](t, rec)
			if got.State != tt.wantState || got.Reason != tt.wantReason {
				t.Errorf("got %+v, want state=%s reason=%s", got, tt.wantState, tt.wantReason)
			}
			if got.Allowed != (tt.wantState == "allowed") {
				t.Errorf("allowed = %v inconsistent with state %s", got.Allowed, got.State)
			}
			if got.RequestID != "req-42" {
				t.Errorf("request_id = %q, want req-42", got.RequestID)
			}
		})
	}
}

func TestAPI_FailsClosedBeforePolicyLoad(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey,
		PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "update"})
	if decode[PermissionResponse](t, rec).Allowed {
		t.Error("permission allowed before policy load")
	}

	rec = f.do(http.MethodPost, "/v1/authz/authorize", checkKey,
		ConditionRequest{Subject: authz.Subject{ID: "u1"}, Condition: authz.Condition{Resource: "invoices", Action: "update"}})
	if got := decode[DecisionResponse](t, rec); got.Reason != authz.ReasonPolicyLoadPending {
		t.Errorf("reason = %q, want %q", got.Reason, authz.ReasonPolicyLoadPending)
	}

	if rec := f.do(http.MethodGet, "/v1/authz/subjects/u1/permissions", checkKey, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("subject permissions status = %d, want 503", rec.Code)
	}

	rec = f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", rec.Code)
	}
	if got := decode[HealthResponse](t, rec); got.Checks["policy"] != "not loaded" {
		t.Errorf("policy check = %q", got.Checks["policy"])
	}

	if rec := f.do(http.MethodPost, "/v1/admin/reload", adminKey, nil); rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodPost, "/v1/authz/permission", checkKey,
		PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "update"})
	if !decode[PermissionResponse](t, rec).Allowed {
		t.Error("permission denied after reload")
	}
}

func TestAPI_SubjectPermissions(t *testing.T) {
	f := newAPIFixture(t, true)
	rec := f.do(http.MethodGet, "/v1/authz/subjects/u1/permissions", checkKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[SubjectPermissionsResponse](t, rec)
	want := []string{"invoices:read", "invoices:update"}
	if strings.Join(got.Permissions, ",") != strings.Join(want, ",") {
		t.Errorf("permissions = %v, want %v", got.Permissions, want)
	}
}

func TestAPI_RoleLifecycle(t *testing.T) {
	f := newAPIFixture(t, true)
	canExport := func() bool {
		rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey,
			PermissionRequest{Subject: authz.Subject{ID: "u3"}, Resource: "reports", Action: "export"})
		return decode[PermissionResponse](t, rec).Allowed
	}

	role := authz.Role{ID: "analyst", Name: "Analyst", Permissions: []authz.Permission{{Resource: "reports", Action: "export"}}}
	if rec := f.do(http.MethodPost, "/v1/admin/roles", adminKey, role); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodPost, "/v1/admin/roles", adminKey, role); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/admin/roles", adminKey, authz.Role{ID: "blank"}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid create status = %d, want 400", rec.Code)
	}

	if rec := f.do(http.MethodPost, "/v1/admin/user-roles", adminKey, AssignmentRequest{UserID: "u3", RoleID: "analyst"}); rec.Code != http.StatusCreated {
		t.Fatalf("assign status = %d: %s", rec.Code, rec.Body.String())
	}
	if !canExport() {
		t.Fatal("assignment not effective")
	}
	if rec := f.do(http.MethodPost, "/v1/admin/user-roles", adminKey, AssignmentRequest{UserID: "u3", RoleID: "missing"}); rec.Code != http.StatusNotFound {
		t.Errorf("assign unknown role status = %d, want 404", rec.Code)
	}

	urs := decode[[]authz.UserRole](t, f.do(http.MethodGet, "/v1/admin/user-roles?user_id=u3", adminKey, nil))
	if len(urs) != 1 || urs[0].RoleID != "analyst" {
		t.Errorf("user roles = %+v", urs)
	}

	update := authz.Role{Name: "Analyst", Permissions: []authz.Permission{{Resource: "reports", Action: "read"}}}
	if rec := f.do(http.MethodPut, "/v1/admin/roles/analyst", adminKey, update); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	if canExport() {
		t.Error("replaced permission still granted")
	}

	if rec := f.do(http.MethodDelete, "/v1/admin/user-roles?user_id=u3&role_id=analyst", adminKey, nil); rec.Code != http.StatusNoContent {
		t.Errorf("revoke status = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/v1/admin/user-roles?user_id=u3&role_id=analyst", adminKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second revoke status = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/v1/admin/user-roles?user_id=u3", adminKey, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("revoke without role status = %d, want 400", rec.Code)
	}

	if rec := f.do(http.MethodDelete, "/v1/admin/roles/analyst", adminKey, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/admin/roles/analyst", adminKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rec.Code)
	}
}

func TestAPI_ConditionRules(t *testing.T) {
	f := newAPIFixture(t, true)
	now := time.Now()
	authorizeRange := func(days int) DecisionResponse {
		half := time.Duration(days) * 12 * time.Hour
		rec := f.do(http.MethodPost, "/v1/authz/authorize", checkKey, ConditionRequest{
			Subject: authz.Subject{ID: "u1"},
			Condition: authz.Condition{
				Resource:  "invoices",
				Action:    "read",
				DateRange: &authz.DateRange{Start: now.Add(-half), End: now.Add(half)},
			},
		})
		return decode[DecisionResponse](t, rec)
	}

	bad := authz.ConditionRule{Resource: "invoices", Action: "read", Expression: "date_start +"}
	if rec := f.do(http.MethodPut, "/v1/admin/conditions/window", adminKey, bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid rule status = %d, want 400", rec.Code)
	}

	rule := authz.ConditionRule{
		Resource:   "invoices",
		Action:     "read",
		Expression: `!has_date_range || date_end - date_start <= duration("744h")`,
	}
	if rec := f.do(http.MethodPut, "/v1/admin/conditions/window", adminKey, rule); rec.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := authorizeRange(10); !got.Allowed {
		t.Errorf("10-day range denied: %+v", got)
	}
	if got := authorizeRange(60); got.Allowed || got.Reason != authz.ReasonConditionFailed {
		t.Errorf("60-day range = %+v, want condition_failed", got)
	}

	rules := decode[[]authz.ConditionRule](t, f.do(http.MethodGet, "/v1/admin/conditions", adminKey, nil))
	if len(rules) != 1 || rules[0].Name != "window" {
		t.Errorf("rules = %+v", rules)
	}

	if rec := f.do(http.MethodDelete, "/v1/admin/conditions/window", adminKey, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if got := authorizeRange(60); !got.Allowed {
		t.Errorf("deleted rule still applied: %+v", got)
	}
	if rec := f.do(http.MethodDelete, "/v1/admin/conditions/window", adminKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", rec.Code)
	}
}

func TestAPI_BundleExportImport(t *testing.T) {
	f := newAPIFixture(t, true)

	rec := f.do(http.MethodGet, "/v1/admin/bundle", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "id: editor") {
		t.Errorf("export missing editor role:\n%s", rec.Body.String())
	}

	bundle := `version: 1
roles:
  - id: coordinator
    name: Coordinator
    permissions:
      - {resource: enrollments, action: approve}
assignments:
  - {user_id: u7, role_id: coordinator}
`
	rec = f.do(http.MethodPost, "/v1/admin/bundle?replace=true", adminKey, bundle)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[ImportResponse](t, rec); got.Roles != 1 || !got.Replaced {
		t.Errorf("import response = %+v", got)
	}

	roles := decode[[]authz.Role](t, f.do(http.MethodGet, "/v1/admin/roles", adminKey, nil))
	if len(roles) != 1 || roles[0].ID != "coordinator" {
		t.Errorf("roles after replace = %+v", roles)
	}
	rec = f.do(http.MethodPost, "/v1/authz/permission", checkKey,
		PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "update"})
	if decode[PermissionResponse](t, rec).Allowed {
		t.Error("pruned role still grants")
	}

	if rec := f.do(http.MethodPost, "/v1/admin/bundle", adminKey, "version: 1\nbogus: true\n"); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/admin/bundle?replace=maybe", adminKey, bundle); rec.Code != http.StatusBadRequest {
		t.Errorf("bad replace status = %d, want 400", rec.Code)
	}
}

func TestAPI_InvalidateAttributes(t *testing.T) {
	f := newAPIFixture(t, true)
	check := func() {
		f.do(http.MethodPost, "/v1/authz/condition", checkKey, ConditionRequest{
			Subject:   authz.Subject{ID: "u1"},
			Condition: authz.Condition{Resource: "invoices", Action: "update", InstitutionID: "inst-1"},
		})
	}

	check()
	check()
	if got := f.billing.Calls(); got != 1 {
		t.Fatalf("billing calls = %d, want 1 (second answered from cache)", got)
	}

	rec := f.do(http.MethodPost, "/v1/attributes/invalidate", adminKey, InvalidateRequest{
		Targets: []TargetDTO{{Kind: "institution", ID: "inst-1"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("invalidate status = %d: %s", rec.Code, rec.Body.String())
	}
	check()
	if got := f.billing.Calls(); got != 2 {
		t.Errorf("billing calls = %d, want 2 after invalidation", got)
	}

	var found float64
	metrics, _ := f.registry.Gather()
	for _, mf := range metrics {
		if mf.GetName() == "edunexia_authz_invalidations_total" {
			for _, m := range mf.GetMetric() {
				found += m.GetCounter().GetValue()
			}
		}
	}
	if found != 1 {
		t.Errorf("invalidations_total = %v, want 1", found)
	}

	tests := []struct {
		name string
		req  InvalidateRequest
	}{
		{"empty", InvalidateRequest{}},
		{"unknown kind", InvalidateRequest{Targets: []TargetDTO{{Kind: "campus", ID: "c1"}}}},
		{"entity without resource", InvalidateRequest{Targets: []TargetDTO{{Kind: "entity", ID: "e1"}}}},
		{"missing id", InvalidateRequest{Targets: []TargetDTO{{Kind: "polo"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(http.MethodPost, "/v1/attributes/invalidate", adminKey, tt.req); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAPI_AuditQuery(t *testing.T) {
	f := newAPIFixture(t, true)
	f.do(http.MethodPost, "/v1/authz/permission", checkKey,
		PermissionRequest{Subject: authz.Subject{ID: "u2"}, Resource: "invoices", Action: "update"})

	var got AuditQueryResponse
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := f.do(http.MethodGet, "/v1/admin/audit?event_type=decision&decision=deny&subject_id=u2", adminKey, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		got = decode[AuditQueryResponse](t, rec)
		if got.Count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Count != 1 {
		t.Fatalf("records = %+v, want one deny", got.Records)
	}
	r := got.Records[0]
	if r.ClientID != "lms" || r.Reason != authz.ReasonPermissionMissing || r.RequestID == "" {
		t.Errorf("record = %+v", r)
	}

	for _, q := range []string{"decision=maybe", "limit=0", "start=yesterday"} {
		if rec := f.do(http.MethodGet, "/v1/admin/audit?"+q, adminKey, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestAPI_AdminPermission(t *testing.T) {
	f := newAPIFixture(t, true, WithAdminPermission("authz", "manage"))

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"no end user", nil, http.StatusUnauthorized},
		{"end user without grant", []string{HeaderSubjectID, "u1"}, http.StatusForbidden},
		{"end user with grant", []string{HeaderSubjectID, "boss"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/v1/admin/status", adminKey, nil, tt.headers...)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPI_ClientRateLimit(t *testing.T) {
	f := newAPIFixture(t, true, WithRateLimit(RateLimitConfig{ClientRate: 2}))
	req := PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "read"}

	limited := 0
	for range 3 {
		if rec := f.do(http.MethodPost, "/v1/authz/permission", checkKey, req); rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 1 {
		t.Errorf("limited = %d, want 1", limited)
	}
	if got := testutil.ToFloat64(f.metrics.RateLimited); got != 1 {
		t.Errorf("rate_limited_total = %v, want 1", got)
	}
	// A different client has its own budget.
	if rec := f.do(http.MethodPost, "/v1/authz/permission", adminKey, req); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, true)
	f.do(http.MethodPost, "/v1/authz/permission", checkKey,
		PermissionRequest{Subject: authz.Subject{ID: "u1"}, Resource: "invoices", Action: "read"})

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`edunexia_authz_decisions_total{check="permission",reason="allowed",result="allow"} 1`,
		`edunexia_authz_requests_total{method="POST",status="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestAPI_MCPEndpointRequiresCheckScope(t *testing.T) {
	var reached int
	mcpStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	})
	f := newAPIFixture(t, true, WithMCP(mcpStub))

	if rec := f.do(http.MethodPost, "/mcp", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/mcp", "check-key", `{}`); rec.Code != http.StatusOK {
		t.Errorf("check key: status = %d, want 200", rec.Code)
	}
	if reached != 1 {
		t.Errorf("mcp handler reached %d times, want 1", reached)
	}
}

func TestAPI_CreateConditionRule(t *testing.T) {
	f := newAPIFixture(t, true)

	unnamed := authz.ConditionRule{Resource: "invoices", Action: "read", Expression: "true"}
	if rec := f.do(http.MethodPost, "/v1/admin/conditions", adminKey, unnamed); rec.Code != http.StatusBadRequest {
		t.Errorf("unnamed rule status = %d, want 400", rec.Code)
	}

	rule := authz.ConditionRule{Name: "same-tenant", Resource: "invoices", Action: "update", Expression: `institution_id == "" || institution_id == subject_institution_id`}
	rec := f.do(http.MethodPost, "/v1/admin/conditions", adminKey, rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[authz.ConditionRule](t, rec); got.Name != "same-tenant" {
		t.Errorf("created rule = %+v", got)
	}
}
