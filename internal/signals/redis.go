package signals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ecostock/storefront-core/pkg/logger"
)

// RedisSource shares storage-change signals between instances over a Redis
// pub/sub channel. Signals published by this instance are not echoed back.
type RedisSource struct {
	*Broadcaster

	client  redis.UniversalClient
	channel string
	origin  string
	log     *logger.Logger
}

// NewRedisClient builds a client from plain connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisSource creates a source bound to channel.
func NewRedisSource(client redis.UniversalClient, channel string, log *logger.Logger) *RedisSource {
	if log == nil {
		log = logger.NewDefault("signals")
	}
	return &RedisSource{
		Broadcaster: NewBroadcaster(),
		client:      client,
		channel:     channel,
		origin:      uuid.NewString(),
		log:         log,
	}
}

// Origin returns the id stamped on signals this instance publishes.
func (r *RedisSource) Origin() string {
	return r.origin
}

// Start subscribes to the channel and relays messages until ctx is done.
func (r *RedisSource) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handlePayload(msg.Payload)
			}
		}
	}()

	r.log.WithField("channel", r.channel).Info("signal relay started")
	return nil
}

// Publish sends s to other instances.
func (r *RedisSource) Publish(ctx context.Context, s Signal) error {
	s.Origin = r.origin
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

func (r *RedisSource) handlePayload(payload string) {
	var s Signal
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		r.log.WithError(err).Warn("dropping malformed signal")
		return
	}
	if s.Origin == r.origin {
		return
	}
	r.Emit(s)
}
