package redisbus

import (
	"context"
	"log/slog"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// Applier applies invalidations locally.
type Applier interface {
	Reload(ctx context.Context) error
	InvalidateAttributes(targets ...attribute.Target)
}

// Apply returns a Handler that reloads policy or drops cached attributes
// on a.
func Apply(a Applier, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg Message) {
		switch msg.Kind {
		case KindPolicy:
			if err := a.Reload(ctx); err != nil {
				logger.Error("remote policy reload failed", "origin", msg.Origin, "error", err)
				return
			}
			logger.Debug("policy reloaded on remote notice", "origin", msg.Origin)
		case KindAttributes:
			targets := msg.AttributeTargets()
			a.InvalidateAttributes(targets...)
			logger.Debug("attributes invalidated on remote notice", "origin", msg.Origin, "targets", len(targets))
		}
	}
}
