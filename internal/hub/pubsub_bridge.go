package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBridge forwards hub events to a Google Cloud Pub/Sub topic for
// durable delivery to downstream consumers (data warehouse, external
// dashboards). One direction only: the hub stays the source of truth.
type PubSubBridge struct {
	hub    *Hub
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *Subscription
	logger *log.Logger
}

// NewPubSubBridge connects to Pub/Sub, creating the topic if needed.
func NewPubSubBridge(h *Hub, projectID, topicID string) (*PubSubBridge, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Per-location ordering downstream matches the hub's per-topic FIFO.
	topic.EnableMessageOrdering = true

	return &PubSubBridge{
		hub:    h,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSubBridge] ", log.LstdFlags),
	}, nil
}

// Start begins forwarding. Blocks until the hub subscription closes, so
// run it in its own goroutine.
func (b *PubSubBridge) Start(ctx context.Context) {
	b.sub = b.hub.Subscribe()
	b.logger.Printf("Forwarding hub events to %s", b.topic.String())

	for event := range b.sub.C() {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		result := b.topic.Publish(ctx, &pubsub.Message{
			Data:        payload,
			OrderingKey: event.Topic,
			Attributes: map[string]string{
				"topic":     event.Topic,
				"event_id":  event.ID,
				"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
		// Fire-and-forget with error logging; the hub never blocks on
		// Pub/Sub acks.
		go func(topic string) {
			if _, err := result.Get(ctx); err != nil {
				slog.Warn("Pub/Sub publish failed", "topic", topic, "error", err)
			}
		}(event.Topic)
	}
}

// Stop detaches from the hub and flushes pending publishes.
func (b *PubSubBridge) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.topic.Stop()
	b.client.Close()
}
