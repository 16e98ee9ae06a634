package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis pub/sub channel carrying ledger change signals.
const Channel = "gophbroker:requests"

// NewRedisClient connects to the Redis server at url.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Relay fans change signals out to other instances through Redis and
// re-broadcasts their signals locally.
type Relay struct {
	client   *redis.Client
	local    *Broadcaster
	log      *zap.Logger
	instance string
}

// NewRelay creates a Relay over client that wakes local waiters.
func NewRelay(client *redis.Client, local *Broadcaster, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{client: client, local: local, log: log, instance: uuid.NewString()}
}

// Changed returns a channel closed by the next local or remote change.
func (r *Relay) Changed() <-chan struct{} {
	return r.local.Changed()
}

// Publish wakes local waiters and announces the change to other instances.
// A failed announcement only delays remote pollers to their next tick.
func (r *Relay) Publish(ctx context.Context) {
	r.local.Notify()
	if err := r.client.Publish(ctx, Channel, r.instance).Err(); err != nil {
		r.log.Warn("failed to publish change signal", zap.Error(err))
	}
}

// Run relays remote signals until ctx is cancelled. Signals this instance
// published itself are skipped.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	r.log.Info("change relay subscribed", zap.String("channel", Channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Payload != r.instance {
				r.local.Notify()
			}
		}
	}
}
