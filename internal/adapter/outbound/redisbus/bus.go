// Package redisbus fans policy and attribute invalidations out to every
// authorization instance over a Redis pub/sub channel.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "edunexia:authz:invalidate"

// Kind is the kind of invalidation carried by a message.
type Kind string

const (
	// KindPolicy asks receivers to reload roles, assignments and rules.
	KindPolicy Kind = "policy"
	// KindAttributes asks receivers to drop cached attributes. No targets
	// means drop everything.
	KindAttributes Kind = "attributes"
)

// Target is the wire form of an attribute.Target.
type Target struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id"`
}

// Message is one invalidation notice.
type Message struct {
	Kind    Kind      `json:"kind"`
	Origin  string    `json:"origin"`
	Targets []Target  `json:"targets,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// AttributeTargets converts the wire targets back to domain targets.
func (m Message) AttributeTargets() []attribute.Target {
	out := make([]attribute.Target, 0, len(m.Targets))
	for _, t := range m.Targets {
		out = append(out, attribute.Target{Kind: attribute.TargetKind(t.Kind), Resource: t.Resource, ID: t.ID})
	}
	return out
}

// Handler receives messages published by other instances.
type Handler func(ctx context.Context, msg Message)

// Connect creates a Redis client and verifies it answers PING.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	return client, nil
}

// Bus publishes and receives invalidation messages.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// New creates a bus on channel. Each bus gets a random origin so an
// instance ignores its own messages.
func New(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin returns the identifier stamped on messages from this bus.
func (b *Bus) Origin() string { return b.origin }

// PublishPolicy announces a policy change.
func (b *Bus) PublishPolicy(ctx context.Context) error {
	return b.publish(ctx, Message{Kind: KindPolicy})
}

// PublishAttributes announces that the given targets changed upstream.
func (b *Bus) PublishAttributes(ctx context.Context, targets ...attribute.Target) error {
	msg := Message{Kind: KindAttributes}
	for _, t := range targets {
		msg.Targets = append(msg.Targets, Target{Kind: string(t.Kind), Resource: t.Resource, ID: t.ID})
	}
	return b.publish(ctx, msg)
}

func (b *Bus) publish(ctx context.Context, msg Message) error {
	msg.Origin = b.origin
	msg.SentAt = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisbus: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Subscription is an active channel subscription.
type Subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
}

// Subscribe subscribes to the channel and waits for the server to confirm,
// so messages published after it returns are delivered.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe: %w", err)
	}
	return &Subscription{bus: b, pubsub: pubsub}, nil
}

// Run delivers messages from other origins to handler until ctx is done or
// the subscription is closed. It returns nil on cancellation.
func (s *Subscription) Run(ctx context.Context, handler Handler) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.bus.logger.Warn("discarding malformed invalidation message", "error", err)
				continue
			}
			if msg.Origin == s.bus.origin {
				continue
			}
			switch msg.Kind {
			case KindPolicy, KindAttributes:
				handler(ctx, msg)
			default:
				s.bus.logger.Warn("discarding invalidation message of unknown kind", "kind", msg.Kind)
			}
		}
	}
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	if err := s.pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
