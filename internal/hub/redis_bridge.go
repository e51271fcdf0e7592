package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBridge mirrors hub traffic over Redis Pub/Sub so a multi-pod
// deployment sees one logical hub. Outbound: every local publish is
// forwarded to a Redis channel. Inbound: events from other pods are
// re-published locally.
type RedisBridge struct {
	hub    *Hub
	rdb    *redis.Client
	prefix string
	selfID string

	mu     sync.Mutex
	cancel context.CancelFunc
	sub    *Subscription
	pubsub *redis.PubSub
}

// bridgeEnvelope wraps an event with the origin pod so a pod never
// re-delivers its own traffic.
type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedisBridge attaches a hub to Redis. selfID must be unique per pod.
func NewRedisBridge(h *Hub, rdb *redis.Client, prefix, selfID string) *RedisBridge {
	if prefix == "" {
		prefix = "leak:events:"
	}
	return &RedisBridge{hub: h, rdb: rdb, prefix: prefix, selfID: selfID}
}

// Start begins forwarding in both directions.
func (b *RedisBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	channels := make([]string, 0, len(validTopics))
	for topic := range validTopics {
		channels = append(channels, b.prefix+topic)
	}

	pubsub := b.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("redis bridge subscribe: %w", err)
	}

	b.mu.Lock()
	b.cancel = cancel
	b.pubsub = pubsub
	b.sub = b.hub.Subscribe()
	b.mu.Unlock()

	go b.outbound(ctx)
	go b.inbound(pubsub.Channel())

	slog.Info("Redis hub bridge started", "prefix", b.prefix)
	return nil
}

func (b *RedisBridge) outbound(ctx context.Context) {
	for event := range b.sub.C() {
		data, err := json.Marshal(bridgeEnvelope{Origin: b.selfID, Event: *event})
		if err != nil {
			continue
		}
		if err := b.rdb.Publish(ctx, b.prefix+event.Topic, data).Err(); err != nil {
			slog.Warn("Redis bridge publish failed", "topic", event.Topic, "error", err)
		}
	}
}

func (b *RedisBridge) inbound(ch <-chan *redis.Message) {
	for msg := range ch {
		var env bridgeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("Redis bridge received malformed event", "error", err)
			continue
		}
		if env.Origin == b.selfID {
			continue
		}
		b.hub.Publish(env.Event.Topic, env.Event.Payload)
	}
}

// Stop tears the bridge down.
func (b *RedisBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.pubsub != nil {
		b.pubsub.Close()
	}
}
