package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// PolicyStatus reports the loaded policy.
type PolicyStatus interface {
	Status() service.Status
}

// AuditStatus reports audit pipeline backpressure.
type AuditStatus interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// ComponentCheck is an extra named check, e.g. a Redis ping. A non-nil
// error marks the service unhealthy.
type ComponentCheck func() error

// HealthChecker verifies component health.
type HealthChecker struct {
	policy  PolicyStatus
	audit   AuditStatus
	extra   map[string]ComponentCheck
	version string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(policy PolicyStatus, audit AuditStatus, version string) *HealthChecker {
	return &HealthChecker{
		policy:  policy,
		audit:   audit,
		extra:   make(map[string]ComponentCheck),
		version: version,
	}
}

// AddCheck registers a named component check.
func (h *HealthChecker) AddCheck(name string, check ComponentCheck) {
	h.extra[name] = check
}

// Check performs health checks on all components. The service is
// unhealthy until a policy snapshot is installed, since every query
// would deny.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.policy != nil {
		st := h.policy.Status()
		if st.Loaded {
			checks["policy"] = fmt.Sprintf("ok: version %d, %d roles", st.Version, st.Roles)
		} else {
			checks["policy"] = "not loaded"
			healthy = false
		}
	} else {
		checks["policy"] = "not configured"
	}

	if h.audit != nil {
		depth := h.audit.ChannelDepth()
		capacity := h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.audit.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	for name, check := range h.extra {
		if err := check(); err != nil {
			checks[name] = "error: " + err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
