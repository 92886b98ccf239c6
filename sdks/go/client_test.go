package authzclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string, opts ...Option) *Client {
	return NewClient(append([]Option{
		WithServerAddr(url),
		WithAPIKey("test-key"),
		WithLogger(quietLogger()),
	}, opts...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHasPermission(t *testing.T) {
	var received permissionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/authz/permission" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: received.Action == "read"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	s := Subject{ID: "u1", InstitutionID: "inst-1"}

	ok, err := client.HasPermission(context.Background(), s, "contacts", "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected allowed")
	}
	if received.Subject != s || received.Resource != "contacts" {
		t.Errorf("unexpected request body: %+v", received)
	}

	ok, err = client.HasPermission(context.Background(), s, "contacts", "delete")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected denied")
	}
}

func TestHasPermission_RequiresResourceAndAction(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")
	_, err := client.HasPermission(context.Background(), Subject{ID: "u1"}, "", "read")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestPermissionCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req permissionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: req.Action == "read"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithCacheTTL(time.Minute))
	ctx := context.Background()
	s := Subject{ID: "u1"}

	for range 3 {
		if ok, _ := client.HasPermission(ctx, s, "contacts", "read"); !ok {
			t.Fatal("expected allowed")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 server call for cached allow, got %d", got)
	}

	// Denials always reach the server.
	for range 2 {
		_, _ = client.HasPermission(ctx, s, "contacts", "write")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected denials to bypass the cache, got %d calls", got)
	}

	// A different polo is a different subject.
	_, _ = client.HasPermission(ctx, Subject{ID: "u1", PoloID: "p1"}, "contacts", "read")
	if got := calls.Load(); got != 4 {
		t.Errorf("expected polo to be part of the cache key, got %d calls", got)
	}
}

func TestPermissionCache_Expiry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: true})
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithCacheTTL(20*time.Millisecond))
	ctx := context.Background()
	_, _ = client.HasPermission(ctx, Subject{ID: "u1"}, "contacts", "read")
	time.Sleep(40 * time.Millisecond)
	_, _ = client.HasPermission(ctx, Subject{ID: "u1"}, "contacts", "read")

	if got := calls.Load(); got != 2 {
		t.Errorf("expected expired entry to be refetched, got %d calls", got)
	}
}

func TestPermissionCache_Disabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: true})
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithCacheTTL(0))
	for range 2 {
		_, _ = client.HasPermission(context.Background(), Subject{ID: "u1"}, "contacts", "read")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls with cache disabled, got %d", got)
	}
}

func TestPermissionCache_MaxSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: true})
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithCacheTTL(time.Minute), WithCacheMaxSize(2))
	for _, id := range []string{"u1", "u2", "u3"} {
		_, _ = client.HasPermission(context.Background(), Subject{ID: id}, "contacts", "read")
	}
	if n := len(client.cache); n != 2 {
		t.Errorf("cache size = %d, want 2", n)
	}
	if client.cached(permissionKey(Subject{ID: "u1"}, "contacts", "read")) {
		t.Error("expected oldest entry to be evicted")
	}
}

func TestCheckCondition(t *testing.T) {
	var received conditionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/authz/condition" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		writeJSON(w, http.StatusOK, ConditionResult{Allowed: false, Reason: "timeout"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cond := Condition{
		Resource:      "invoices",
		Action:        "approve",
		EntityID:      "inv-9",
		PaymentStatus: "paid",
		DateRange:     &DateRange{Start: start},
	}

	res, err := client.CheckCondition(context.Background(), Subject{ID: "u1"}, cond, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Reason != "timeout" {
		t.Errorf("unexpected result: %+v", res)
	}
	if received.TimeoutMS != 250 {
		t.Errorf("timeout_ms = %d, want 250", received.TimeoutMS)
	}
	if received.Condition.EntityID != "inv-9" || received.Condition.PaymentStatus != "paid" {
		t.Errorf("unexpected condition: %+v", received.Condition)
	}
	if received.Condition.DateRange == nil || !received.Condition.DateRange.Start.Equal(start) {
		t.Errorf("unexpected date range: %+v", received.Condition.DateRange)
	}
}

func TestAuthorize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/authz/authorize" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req conditionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Subject.ID == "u1" {
			writeJSON(w, http.StatusOK, Decision{Allowed: true, State: StateAllowed, Reason: "allowed", RequestID: "req-1"})
			return
		}
		writeJSON(w, http.StatusOK, Decision{State: StateDenied, Reason: "permission_missing", RequestID: "req-2"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	cond := Condition{Resource: "invoices", Action: "approve"}

	d, err := client.Authorize(context.Background(), Subject{ID: "u1"}, cond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.State != StateAllowed || d.RequestID != "req-1" {
		t.Errorf("unexpected decision: %+v", d)
	}

	_, err = client.Authorize(context.Background(), Subject{ID: "u2"}, cond)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected *DeniedError, got %T: %v", err, err)
	}
	if denied.Reason != "permission_missing" || denied.RequestID != "req-2" {
		t.Errorf("unexpected denial: %+v", denied)
	}
	if !errors.Is(err, ErrDenied) {
		t.Error("expected errors.Is(err, ErrDenied)")
	}
}

func TestCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req conditionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		allowed := req.Condition.Action == "read"
		state := StateDenied
		if allowed {
			state = StateAllowed
		}
		writeJSON(w, http.StatusOK, Decision{Allowed: allowed, State: state})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := context.Background()

	ok, err := client.Check(ctx, Subject{ID: "u1"}, Condition{Resource: "contacts", Action: "read"})
	if err != nil || !ok {
		t.Errorf("Check(read) = %v, %v; want true, nil", ok, err)
	}
	ok, err = client.Check(ctx, Subject{ID: "u1"}, Condition{Resource: "contacts", Action: "delete"})
	if err != nil || ok {
		t.Errorf("Check(delete) = %v, %v; want false, nil", ok, err)
	}
	_, err = client.Check(ctx, Subject{ID: "u1"}, Condition{Action: "read"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestServerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client := newTestClient(addr, WithTimeout(time.Second))
	ok, err := client.Check(context.Background(), Subject{ID: "u1"}, Condition{Resource: "contacts", Action: "read"})
	if ok {
		t.Error("expected unreachable server to deny")
	}
	if !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("expected ErrServerUnreachable, got %v", err)
	}
	var unreachable *ServerUnreachableError
	if !errors.As(err, &unreachable) || unreachable.Cause == nil {
		t.Errorf("expected *ServerUnreachableError with cause, got %v", err)
	}
}

func TestContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.HasPermission(ctx, Subject{ID: "u1"}, "contacts", "read")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient scope"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.HasPermission(context.Background(), Subject{ID: "u1"}, "contacts", "read")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "insufficient scope" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestEffectivePermissions(t *testing.T) {
	var loaded atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/authz/subjects/u1/permissions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if !loaded.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "policy not loaded"})
			return
		}
		writeJSON(w, http.StatusOK, subjectPermissionsResponse{SubjectID: "u1", Permissions: []string{"contacts:read"}})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := context.Background()

	if _, err := client.EffectivePermissions(ctx, "u1"); !errors.Is(err, ErrPolicyNotLoaded) {
		t.Errorf("expected ErrPolicyNotLoaded, got %v", err)
	}

	loaded.Store(true)
	perms, err := client.EffectivePermissions(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 1 || perms[0] != "contacts:read" {
		t.Errorf("unexpected permissions: %v", perms)
	}
}

func TestInvalidate(t *testing.T) {
	var mu sync.Mutex
	var bodies []invalidateRequest
	var permCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/attributes/invalidate":
			var req invalidateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			bodies = append(bodies, req)
			mu.Unlock()
			writeJSON(w, http.StatusAccepted, map[string]int{"targets": len(req.Targets)})
		case "/v1/authz/permission":
			permCalls.Add(1)
			writeJSON(w, http.StatusOK, permissionResponse{Allowed: true})
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithCacheTTL(time.Minute))
	ctx := context.Background()

	if err := client.InvalidateAttributes(ctx, Target{Kind: "institution", ID: "inst-1"}); err != nil {
		t.Fatalf("InvalidateAttributes() error: %v", err)
	}
	if err := client.InvalidateAttributes(ctx); err != nil {
		t.Fatalf("InvalidateAttributes(all) error: %v", err)
	}

	_, _ = client.HasPermission(ctx, Subject{ID: "u1"}, "contacts", "read")
	if err := client.InvalidateSubjects(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateSubjects() error: %v", err)
	}
	_, _ = client.HasPermission(ctx, Subject{ID: "u1"}, "contacts", "read")
	if got := permCalls.Load(); got != 2 {
		t.Errorf("expected invalidated subject to be refetched, got %d calls", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("expected 3 invalidate requests, got %d", len(bodies))
	}
	if len(bodies[0].Targets) != 1 || bodies[0].All {
		t.Errorf("unexpected targeted body: %+v", bodies[0])
	}
	if !bodies[1].All {
		t.Errorf("expected all=true with no targets: %+v", bodies[1])
	}
	if len(bodies[2].Subjects) != 1 || bodies[2].Subjects[0] != "u1" {
		t.Errorf("unexpected subjects body: %+v", bodies[2])
	}

	if err := client.InvalidateSubjects(ctx); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestEnvVarConfiguration(t *testing.T) {
	t.Setenv("EDUNEXIA_AUTHZ_SERVER_ADDR", "http://authz:8080")
	t.Setenv("EDUNEXIA_AUTHZ_API_KEY", "env-key-123")
	t.Setenv("EDUNEXIA_AUTHZ_TIMEOUT", "10")
	t.Setenv("EDUNEXIA_AUTHZ_CACHE_TTL", "30s")
	t.Setenv("EDUNEXIA_AUTHZ_CACHE_MAX_SIZE", "500")

	client := NewClient()

	if client.serverAddr != "http://authz:8080" {
		t.Errorf("expected server_addr from env, got %s", client.serverAddr)
	}
	if client.apiKey != "env-key-123" {
		t.Errorf("expected api_key from env, got %s", client.apiKey)
	}
	if client.timeout != 10*time.Second {
		t.Errorf("expected timeout=10s from env, got %v", client.timeout)
	}
	if client.cacheTTL != 30*time.Second {
		t.Errorf("expected cache_ttl=30s from env, got %v", client.cacheTTL)
	}
	if client.cacheMaxSize != 500 {
		t.Errorf("expected cache_max_size=500 from env, got %d", client.cacheMaxSize)
	}

	override := NewClient(WithServerAddr("http://other"))
	if override.serverAddr != "http://other" {
		t.Errorf("expected option to override env, got %s", override.serverAddr)
	}
}

func TestWithHTTPClient(t *testing.T) {
	var used atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, permissionResponse{Allowed: true})
	}))
	defer server.Close()

	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		used.Store(true)
		return http.DefaultTransport.RoundTrip(r)
	})}
	client := newTestClient(server.URL, WithHTTPClient(hc))
	if _, err := client.HasPermission(context.Background(), Subject{ID: "u1"}, "contacts", "read"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !used.Load() {
		t.Error("expected custom http client to be used")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
