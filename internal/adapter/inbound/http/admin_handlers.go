package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
)

// AssignmentRequest is the body of POST and DELETE /v1/admin/user-roles.
type AssignmentRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

// AuditQueryResponse is the JSON response for GET /v1/admin/audit.
type AuditQueryResponse struct {
	Records []audit.AuditRecord `json:"records"`
	Count   int                 `json:"count"`
}

// ImportResponse summarizes an applied bundle.
type ImportResponse struct {
	Roles          int  `json:"roles"`
	Assignments    int  `json:"assignments"`
	ConditionRules int  `json:"condition_rules"`
	Replaced       bool `json:"replaced"`
}

// --- Roles ---

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roles)
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.admin.GetRole(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, role)
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var role authz.Role
	if err := readJSON(w, r, &role); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := h.admin.CreateRole(r.Context(), &role)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var role authz.Role
	if err := readJSON(w, r, &role); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := h.admin.UpdateRole(r.Context(), r.PathValue("id"), &role)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Assignments ---

func (h *Handler) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	urs, err := h.admin.ListUserRoles(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, urs)
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.AssignRole(r.Context(), req.UserID, req.RoleID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	req := AssignmentRequest{
		UserID: r.URL.Query().Get("user_id"),
		RoleID: r.URL.Query().Get("role_id"),
	}
	if req.UserID == "" || req.RoleID == "" {
		respondError(w, http.StatusBadRequest, "user_id and role_id query parameters are required")
		return
	}
	if err := h.admin.RevokeRole(r.Context(), req.UserID, req.RoleID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Condition rules ---

func (h *Handler) handleListConditionRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.admin.ListConditionRules(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handler) handleSaveConditionRule(w http.ResponseWriter, r *http.Request) {
	var rule authz.ConditionRule
	if err := readJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.Name = r.PathValue("name")
	if err := h.admin.SaveConditionRule(r.Context(), &rule); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleCreateConditionRule(w http.ResponseWriter, r *http.Request) {
	var rule authz.ConditionRule
	if err := readJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rule.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.admin.SaveConditionRule(r.Context(), &rule); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleDeleteConditionRule(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteConditionRule(r.Context(), r.PathValue("name")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Bundles, reload, status ---

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	b, err := h.admin.Export(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := service.WriteBundle(&buf, b); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", "attachment; filename=edunexia-authz-policy.yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleImport accepts a YAML or JSON bundle. ?replace=true prunes
// everything the bundle does not name.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	replace, err := parseBool(r.URL.Query().Get("replace"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid replace parameter")
		return
	}
	b, err := service.ReadBundle(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if err := h.admin.Import(r.Context(), b, replace); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ImportResponse{
		Roles:          len(b.Roles),
		Assignments:    len(b.Assignments),
		ConditionRules: len(b.ConditionRules),
		Replaced:       replace,
	})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Reload(r.Context()); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.authz.Status())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.authz.Status())
}

// --- Audit ---

func (h *Handler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditReader == nil {
		respondError(w, http.StatusServiceUnavailable, "audit reader not configured")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := h.auditReader.Query(filter)
	if records == nil {
		records = []audit.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, AuditQueryResponse{Records: records, Count: len(records)})
}

func parseAuditFilter(r *http.Request) (audit.AuditFilter, error) {
	q := r.URL.Query()
	filter := audit.AuditFilter{
		EventType: q.Get("event_type"),
		SubjectID: q.Get("subject_id"),
		Resource:  q.Get("resource"),
	}
	if decision := q.Get("decision"); decision != "" {
		if decision != audit.DecisionAllow && decision != audit.DecisionDeny {
			return filter, fmt.Errorf("invalid decision filter: must be 'allow' or 'deny'")
		}
		filter.Decision = decision
	}
	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, fmt.Errorf("invalid start time: %w", err)
		}
		filter.StartTime = t
	}
	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, fmt.Errorf("invalid end time: %w", err)
		}
		filter.EndTime = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
