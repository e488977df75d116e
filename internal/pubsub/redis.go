// Package pubsub bridges event frames between hub instances through Redis.
// Every frame published by any instance reaches every instance, which then
// fans it out to its own local websocket subscribers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"signoff/hub/internal/protocol"
)

const eventsChannel = "signoff:events"

// Bridge is a Redis-backed event relay shared by all hub instances.
type Bridge struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bridge{client: client}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Bridge {
	return &Bridge{client: client}
}

// Publish sends one event frame to every hub instance, including this one.
func (b *Bridge) Publish(ctx context.Context, frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := b.client.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Run subscribes to the shared channel and invokes handler for every decoded
// frame until ctx is cancelled. Frames that fail to decode are logged and
// skipped; they never stop the loop.
func (b *Bridge) Run(ctx context.Context, handler func(protocol.Frame)) error {
	sub := b.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	// Force the SUBSCRIBE round-trip so callers know the relay is live.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventsChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var frame protocol.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Printf("pubsub: dropping undecodable frame: %v", err)
				continue
			}
			handler(frame)
		}
	}
}

// Close closes the Redis connection.
func (b *Bridge) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
