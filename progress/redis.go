package progress

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// DefaultRedisChannel carries execution ids of appended events.
const DefaultRedisChannel = "stagee:events"

// RedisNotifier fans wakeups out across hosts. Notify publishes the execution
// id; Run relays ids published by any host to a local publisher.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	local   *Publisher
	logger  *zap.SugaredLogger
}

// NewRedisNotifier creates a notifier on channel (DefaultRedisChannel when
// empty) that wakes local.
func NewRedisNotifier(client redis.UniversalClient, channel string, local *Publisher, logger *zap.SugaredLogger) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel, local: local, logger: logger}
}

// Notify publishes executionID. Publish failures only delay remote
// subscribers until their next poll, so they are logged and dropped.
func (n *RedisNotifier) Notify(executionID string) {
	if err := n.client.Publish(context.Background(), n.channel, executionID).Err(); err != nil {
		n.logger.Warnw("Failed to publish event wakeup",
			logger.FieldExecutionID, executionID,
			logger.FieldError, err)
	}
}

// Run relays wakeups until ctx ends. ready, if not nil, is closed once the
// subscription is confirmed.
func (n *RedisNotifier) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s", n.channel)
	}
	if ready != nil {
		close(ready)
	}
	n.logger.Infow("Relaying event wakeups from redis", "channel", n.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			n.local.Notify(msg.Payload)
		}
	}
}
