package http

import (
	"fmt"
	"net/http"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// InvalidateRequest is the body of POST /v1/attributes/invalidate. Billing
// webhooks send it when a subscription or payment changes. All must be
// set to flush every cached attribute.
type InvalidateRequest struct {
	Targets  []TargetDTO `json:"targets,omitempty"`
	Subjects []string    `json:"subjects,omitempty"`
	All      bool        `json:"all,omitempty"`
}

// TargetDTO names one attribute record.
type TargetDTO struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id"`
}

// InvalidateResponse reports what was flushed.
type InvalidateResponse struct {
	Targets  int  `json:"targets"`
	Subjects int  `json:"subjects"`
	All      bool `json:"all,omitempty"`
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.All && len(req.Targets) == 0 && len(req.Subjects) == 0 {
		respondError(w, http.StatusBadRequest, "targets, subjects or all is required")
		return
	}
	targets, err := toTargets(req.Targets)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.All || len(targets) > 0 {
		if req.All {
			targets = nil
		}
		if err := h.cache.FlushAttributes(r.Context(), targets...); err != nil {
			// The local flush already happened; only peers may be stale.
			LoggerFromContext(r.Context()).Warn("attribute invalidation not fully applied", "error", err)
			respondError(w, http.StatusBadGateway, "invalidation applied locally but not propagated")
			return
		}
		if h.metrics != nil {
			h.metrics.Invalidations.WithLabelValues("attributes", "local").Inc()
		}
	}
	if len(req.Subjects) > 0 {
		h.cache.FlushSubjects(r.Context(), req.Subjects...)
		if h.metrics != nil {
			h.metrics.Invalidations.WithLabelValues("subjects", "local").Inc()
		}
	}
	respondJSON(w, http.StatusAccepted, InvalidateResponse{
		Targets:  len(targets),
		Subjects: len(req.Subjects),
		All:      req.All,
	})
}

func toTargets(in []TargetDTO) ([]attribute.Target, error) {
	out := make([]attribute.Target, 0, len(in))
	for i, t := range in {
		kind := attribute.TargetKind(t.Kind)
		switch kind {
		case attribute.TargetEntity:
			if t.Resource == "" {
				return nil, fmt.Errorf("targets[%d]: entity targets need a resource", i)
			}
		case attribute.TargetInstitution, attribute.TargetPolo:
		default:
			return nil, fmt.Errorf("targets[%d]: unknown kind %q", i, t.Kind)
		}
		if t.ID == "" {
			return nil, fmt.Errorf("targets[%d]: id is required", i)
		}
		out = append(out, attribute.Target{Kind: kind, Resource: t.Resource, ID: t.ID})
	}
	return out, nil
}
