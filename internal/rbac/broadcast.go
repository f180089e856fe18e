package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel carries user ids whose role context changed.
const DefaultInvalidationChannel = "rbac.invalidate"

// RedisBroadcaster publishes cache invalidations over Redis pub/sub.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBroadcaster builds a broadcaster on the given channel.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

// Publish announces that the user's role context is stale.
func (b *RedisBroadcaster) Publish(ctx context.Context, userID int64) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Publish(ctx, b.channel, strconv.FormatInt(userID, 10)).Err()
}

// Evicter drops local cache entries on remote invalidation.
type Evicter interface {
	EvictLocal(userID int64)
}

// Listen subscribes to the channel and evicts announced users until ctx is done.
// It returns once the subscription is confirmed.
func (b *RedisBroadcaster) Listen(ctx context.Context, target Evicter) error {
	if b == nil || b.client == nil {
		return nil
	}
	if target == nil {
		return errors.New("rbac broadcaster: evicter required")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				userID, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					b.logger.Warn("rbac broadcaster: malformed payload", slog.String("payload", msg.Payload))
					continue
				}
				target.EvictLocal(userID)
			}
		}
	}()
	return nil
}

var _ Broadcaster = (*RedisBroadcaster)(nil)
