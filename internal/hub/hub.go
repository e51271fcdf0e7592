// Package hub is the in-process fan-out layer. Pipeline stages publish
// onto a closed set of topics; subscribers consume from bounded queues.
// A slow subscriber loses its own oldest events and never blocks a
// publisher or another subscriber.
package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/metrics"
)

// The closed topic set. Publishing or subscribing outside it is a
// programming error and panics early.
const (
	TopicSensorUpdate      = "sensor.update"
	TopicDetectionResult   = "detection.result"
	TopicAlertNew          = "alert.new"
	TopicAlertAcknowledged = "alert.acknowledged"
	TopicAlertResolved     = "alert.resolved"
	TopicValveChanged      = "valve.changed"
)

var validTopics = map[string]bool{
	TopicSensorUpdate:      true,
	TopicDetectionResult:   true,
	TopicAlertNew:          true,
	TopicAlertAcknowledged: true,
	TopicAlertResolved:     true,
	TopicValveChanged:      true,
}

// Event is one published message.
type Event struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Subscription is one subscriber's bounded queue. Consume from C; call
// Unsubscribe when done.
type Subscription struct {
	id     int
	topics map[string]bool
	ch     chan *Event
	hub    *Hub

	mu      sync.Mutex
	dropped uint64
}

// C returns the subscriber's event channel. Closed on Unsubscribe and
// on hub Close.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped reports how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s)
}

// Hub routes events from publishers to subscribers.
type Hub struct {
	clock    clock.Clock
	queueCap int
	met      *metrics.Metrics

	mu       sync.Mutex
	subs     map[int]*Subscription
	nextID   int
	closed   bool
	pubCount map[string]uint64
}

// New creates a hub with the given per-subscriber queue capacity.
func New(clk clock.Clock, queueCap int, met *metrics.Metrics) *Hub {
	if queueCap <= 0 {
		queueCap = 256
	}
	return &Hub{
		clock:    clk,
		queueCap: queueCap,
		met:      met,
		subs:     make(map[int]*Subscription),
		pubCount: make(map[string]uint64),
	}
}

// Subscribe registers a subscriber for the given topics. No topics
// subscribes to all of them.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = allTopics()
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		mustTopic(t)
		set[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan *Event)
		close(ch)
		return &Subscription{topics: set, ch: ch, hub: h}
	}

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		topics: set,
		ch:     make(chan *Event, h.queueCap),
		hub:    h,
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers the payload to every subscriber of topic. The
// publish lock serializes enqueues, so each subscriber observes every
// topic in publish order.
func (h *Hub) Publish(topic string, payload interface{}) {
	mustTopic(topic)

	event := &Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: h.clock.Now(),
		Payload:   payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pubCount[topic]++

	for _, sub := range h.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- event:
			if h.met != nil {
				h.met.HubDelivered.WithLabelValues(topic).Inc()
			}
		default:
			// Queue full: evict the subscriber's oldest event, then retry.
			select {
			case old := <-sub.ch:
				sub.noteDrop(old.Topic)
			default:
			}
			select {
			case sub.ch <- event:
				if h.met != nil {
					h.met.HubDelivered.WithLabelValues(topic).Inc()
				}
			default:
				sub.noteDrop(topic)
			}
			if h.met != nil {
				h.met.HubDropped.WithLabelValues(topic).Inc()
			}
		}
	}
}

func (s *Subscription) noteDrop(string) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Subscribers int               `json:"subscribers"`
	Published   map[string]uint64 `json:"published"`
}

// Stats snapshots subscriber count and per-topic publish counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	published := make(map[string]uint64, len(h.pubCount))
	for t, n := range h.pubCount {
		published[t] = n
	}
	return Stats{Subscribers: len(h.subs), Published: published}
}

// Close detaches every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func allTopics() []string {
	out := make([]string, 0, len(validTopics))
	for t := range validTopics {
		out = append(out, t)
	}
	return out
}

func mustTopic(topic string) {
	if !validTopics[topic] {
		panic(fmt.Sprintf("hub: unknown topic %q", topic))
	}
}
