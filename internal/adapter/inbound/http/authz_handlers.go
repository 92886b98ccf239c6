package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// PermissionRequest is the body of POST /v1/authz/permission.
type PermissionRequest struct {
	Subject  authz.Subject `json:"subject"`
	Resource string        `json:"resource"`
	Action   string        `json:"action"`
}

// PermissionResponse answers a static check.
type PermissionResponse struct {
	Allowed bool `json:"allowed"`
}

// ConditionRequest is the body of the condition and authorize endpoints.
type ConditionRequest struct {
	Subject   authz.Subject   `json:"subject"`
	Condition authz.Condition `json:"condition"`
	// TimeoutMS overrides the default contextual check timeout.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ConditionResponse answers a contextual check. Reason is a code from the
// decision vocabulary; raw errors are never returned.
type ConditionResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// DecisionResponse answers a combined check.
type DecisionResponse struct {
	Allowed   bool   `json:"allowed"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

// SubjectPermissionsResponse lists a subject's effective grants.
type SubjectPermissionsResponse struct {
	SubjectID   string   `json:"subject_id"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		respondError(w, http.StatusBadRequest, "resource and action are required")
		return
	}
	allowed := h.authz.HasPermission(r.Context(), req.Subject, req.Resource, req.Action)
	respondJSON(w, http.StatusOK, PermissionResponse{Allowed: allowed})
}

func (h *Handler) handleCondition(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.readConditionRequest(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CheckCondition(r.Context(), req.Subject, req.Condition, opts...)
	resp := ConditionResponse{Allowed: allowed}
	switch {
	case err != nil:
		resp.Reason = authz.ReasonFor(err)
	case !allowed:
		resp.Reason = authz.ReasonConditionFailed
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.readConditionRequest(w, r)
	if !ok {
		return
	}
	d := h.authz.Authorize(r.Context(), req.Subject, req.Condition, opts...)
	if d.Err != nil {
		LoggerFromContext(r.Context()).Debug("authorization denied",
			"subject_id", req.Subject.ID,
			"resource", req.Condition.Resource,
			"action", req.Condition.Action,
			"reason", d.Reason,
			"error", d.Err,
		)
	}
	respondJSON(w, http.StatusOK, DecisionResponse{
		Allowed:   d.Allowed(),
		State:     d.State.String(),
		Reason:    d.Reason,
		RequestID: ctxkey.RequestID(r.Context()),
	})
}

func (h *Handler) handleSubjectPermissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	perms, loaded := h.authz.EffectivePermissions(id)
	if !loaded {
		respondError(w, http.StatusServiceUnavailable, "policy not loaded")
		return
	}
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	respondJSON(w, http.StatusOK, SubjectPermissionsResponse{SubjectID: id, Permissions: out})
}

func (h *Handler) readConditionRequest(w http.ResponseWriter, r *http.Request) (ConditionRequest, []authz.CheckOption, bool) {
	var req ConditionRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	if req.TimeoutMS < 0 {
		respondError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return req, nil, false
	}
	var opts []authz.CheckOption
	if req.TimeoutMS > 0 {
		ms := min(int64(req.TimeoutMS), h.maxCheckTimeout.Milliseconds())
		opts = append(opts, authz.WithTimeout(time.Duration(ms)*time.Millisecond))
	}
	return req, opts, true
}
