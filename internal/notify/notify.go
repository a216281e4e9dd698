package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"officemon/internal/reconcile"
)

// RedisNotifier publishes attendance events on a Redis pub/sub channel for the
// live activity feed. Subscribers get at-least-once delivery while connected;
// there is no replay.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedis creates a notifier on the given channel.
func NewRedis(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "officemon:activity"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish sends one event to the feed.
func (n *RedisNotifier) Publish(ctx context.Context, evt reconcile.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, raw).Err()
}

// Memory collects events in-process, used in dev mode and tests.
type Memory struct {
	mu     sync.Mutex
	events []reconcile.Event
}

// NewMemory creates an in-process notifier.
func NewMemory() *Memory { return &Memory{} }

// Publish records the event.
func (n *Memory) Publish(_ context.Context, evt reconcile.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

// Events returns a copy of everything published so far.
func (n *Memory) Events() []reconcile.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]reconcile.Event, len(n.events))
	copy(out, n.events)
	return out
}
