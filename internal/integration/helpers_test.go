// Package integration exercises the authorization stack end to end: real
// stores, the billing client against a stub gateway, the HTTP API and the
// Redis invalidation bus.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apihttp "github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/inbound/http"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/billing"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/cel"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/memory"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/redisbus"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
)

const (
	checkKey = "lms-key"
	adminKey = "portal-key"
)

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gateway stands in for the billing gateway. Institutions missing from
// statuses are 404; "inst-down" answers 500.
type gateway struct {
	mu       sync.Mutex
	statuses map[string]string
	calls    int
}

func newGateway(t *testing.T, statuses map[string]string) (*gateway, string) {
	t.Helper()
	g := &gateway{statuses: statuses}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /institutions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		g.mu.Lock()
		g.calls++
		status, ok := g.statuses[id]
		g.mu.Unlock()
		switch {
		case id == "inst-down":
			w.WriteHeader(http.StatusInternalServerError)
			return
		case !ok:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"id": id, "subscription_status": status, "phase": "active"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv.URL
}

func (g *gateway) set(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = status
}

func (g *gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// seedPolicy writes the roles used across these tests.
func seedPolicy(t *testing.T, store authz.PolicyStore) {
	t.Helper()
	ctx := context.Background()
	roles := []authz.Role{
		{ID: "secretary", Name: "Secretary", Permissions: []authz.Permission{
			{Resource: "enrollments", Action: "read"},
			{Resource: "enrollments", Action: "create"},
		}},
		{ID: "finance", Name: "Finance", Permissions: []authz.Permission{{Resource: "invoices", Action: "approve"}}},
	}
	for i := range roles {
		if err := store.SaveRole(ctx, &roles[i]); err != nil {
			t.Fatalf("SaveRole(%s) error: %v", roles[i].ID, err)
		}
	}
	if err := store.AssignRole(ctx, "u1", "secretary"); err != nil {
		t.Fatalf("AssignRole() error: %v", err)
	}
}

// node is one running instance of the service.
type node struct {
	authz  *service.AuthorizationService
	server *httptest.Server
}

// startNode wires an instance over store. A non-nil rdb joins the shared
// invalidation bus.
func startNode(t *testing.T, store authz.PolicyStore, gatewayURL string, rdb *redis.Client) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := testLogger()

	source := billing.NewClient(gatewayURL, billing.WithTimeout(time.Second), billing.WithLogger(logger))
	cached := attribute.NewCachedSource(source, 64, time.Minute)
	abac := authz.NewABAC(cached, authz.WithLogger(logger), authz.WithDefaultTimeout(time.Second))
	authorizer := authz.NewAuthorizer(authz.NewRBAC(0), abac)

	eval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	auditStore := memory.NewAuditStore(nil, 100)
	auditSvc := service.NewAuditService(auditStore, logger, service.WithFlushInterval(10*time.Millisecond))
	auditSvc.Start(ctx)
	t.Cleanup(auditSvc.Stop)

	authzSvc := service.NewAuthorizationService(store, authorizer, logger,
		service.WithCompiler(eval),
		service.WithAttributeCache(cached),
		service.WithAudit(auditSvc),
	)
	if err := authzSvc.Reload(ctx); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	adminOpts := []service.AdminOption{service.WithAdminAudit(auditSvc)}
	var publisher service.AttributePublisher
	if rdb != nil {
		bus := redisbus.New(rdb, "", logger)
		sub, err := bus.Subscribe(ctx)
		if err != nil {
			t.Fatalf("Subscribe() error: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = sub.Run(ctx, redisbus.Apply(authzSvc, logger))
		}()
		t.Cleanup(func() {
			cancel()
			_ = sub.Close()
			<-done
		})
		adminOpts = append(adminOpts, service.WithNotifier(bus))
		publisher = bus
	}
	admin := service.NewPolicyAdminService(store, authzSvc, logger, adminOpts...)
	cache := service.NewCacheService(authzSvc, publisher, auditSvc, logger)

	authStore := memory.NewAuthStore()
	authStore.AddClient(&auth.Client{ID: "lms", Name: "LMS backend", Scopes: []auth.Scope{auth.ScopeCheck}})
	authStore.AddClient(&auth.Client{ID: "portal", Name: "Admin portal", Scopes: []auth.Scope{auth.ScopeAdmin}})
	authStore.AddKey(&auth.APIKey{Key: "sha256:" + auth.HashKey(checkKey), ClientID: "lms"})
	authStore.AddKey(&auth.APIKey{Key: "sha256:" + auth.HashKey(adminKey), ClientID: "portal"})

	h := apihttp.NewHandler(authzSvc, auth.NewAPIKeyService(authStore),
		apihttp.WithAdminService(admin),
		apihttp.WithCacheService(cache),
		apihttp.WithAuditReader(auditStore),
		apihttp.WithLogger(logger),
	)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &node{authz: authzSvc, server: srv}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// post sends body as JSON and decodes a JSON answer into out when non-nil.
func (n *node) post(t *testing.T, path, key string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, n.server.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := n.server.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s response %q: %v", path, raw, err)
		}
	}
	return resp.StatusCode
}

func (n *node) authorize(t *testing.T, subject authz.Subject, cond authz.Condition) apihttp.DecisionResponse {
	t.Helper()
	var d apihttp.DecisionResponse
	status := n.post(t, "/v1/authz/authorize", checkKey, apihttp.ConditionRequest{Subject: subject, Condition: cond}, &d)
	if status != http.StatusOK {
		t.Fatalf("authorize status = %d, want 200", status)
	}
	return d
}

func (n *node) hasPermission(t *testing.T, subject authz.Subject, resource, action string) bool {
	t.Helper()
	var p apihttp.PermissionResponse
	req := apihttp.PermissionRequest{Subject: subject, Resource: resource, Action: action}
	if status := n.post(t, "/v1/authz/permission", checkKey, req, &p); status != http.StatusOK {
		t.Fatalf("permission status = %d, want 200", status)
	}
	return p.Allowed
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
