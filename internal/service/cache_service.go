package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
	attr "github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
)

// AttributePublisher tells other instances to drop cached attributes.
type AttributePublisher interface {
	PublishAttributes(ctx context.Context, targets ...attr.Target) error
}

// CacheService flushes the subject permission cache and the attribute cache.
type CacheService struct {
	authz     *AuthorizationService
	publisher AttributePublisher
	audit     *AuditService
	logger    *slog.Logger
}

// NewCacheService creates a CacheService. publisher and auditSvc may be nil.
func NewCacheService(authzService *AuthorizationService, publisher AttributePublisher, auditSvc *AuditService, logger *slog.Logger) *CacheService {
	return &CacheService{authz: authzService, publisher: publisher, audit: auditSvc, logger: logger}
}

// FlushAttributes drops cached attributes for targets, or every cached
// attribute when targets is empty, here and on other instances.
func (s *CacheService) FlushAttributes(ctx context.Context, targets ...attr.Target) error {
	for _, t := range targets {
		if t.ID == "" || (t.Kind == attr.TargetEntity && t.Resource == "") {
			return fmt.Errorf("invalid attribute target %q", t.Key())
		}
	}
	s.authz.InvalidateAttributes(targets...)
	s.record(ctx, "attributes", len(targets))
	s.logger.Info("attribute cache flushed", "targets", len(targets))

	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishAttributes(ctx, targets...); err != nil {
		return fmt.Errorf("publish attribute invalidation: %w", err)
	}
	return nil
}

// FlushSubjects drops memoized permission sets for the given users, or for
// every user when none are given.
func (s *CacheService) FlushSubjects(ctx context.Context, userIDs ...string) {
	s.authz.Authorizer().RBAC().Invalidate(userIDs...)
	s.record(ctx, "subjects", len(userIDs))
	s.logger.Info("subject cache flushed", "subjects", len(userIDs))
}

func (s *CacheService) record(ctx context.Context, cache string, n int) {
	if s.audit == nil {
		return
	}
	s.audit.Record(audit.AuditRecord{
		EventType: audit.EventTypeCacheFlush,
		RequestID: ctxkey.RequestID(ctx),
		ClientID:  ctxkey.ClientID(ctx),
		TargetID:  cache,
		Detail:    fmt.Sprintf("%d keys", n),
	})
}
