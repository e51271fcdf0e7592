package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/metrics"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestHub(queueCap int) *Hub {
	return New(clock.NewVirtual(t0), queueCap, metrics.Nop())
}

func TestPublish_ReachesTopicSubscribers(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	alerts := h.Subscribe(TopicAlertNew)
	sensors := h.Subscribe(TopicSensorUpdate)

	h.Publish(TopicAlertNew, "payload-1")

	select {
	case ev := <-alerts.C():
		assert.Equal(t, TopicAlertNew, ev.Topic)
		assert.Equal(t, "payload-1", ev.Payload)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, t0, ev.Timestamp)
	default:
		t.Fatal("expected an event on the alerts subscription")
	}

	select {
	case <-sensors.C():
		t.Fatal("sensor subscriber must not see alert traffic")
	default:
	}
}

func TestPublish_PerTopicFIFO(t *testing.T) {
	h := newTestHub(16)
	defer h.Close()

	sub := h.Subscribe(TopicSensorUpdate)
	for i := 0; i < 5; i++ {
		h.Publish(TopicSensorUpdate, i)
	}

	for i := 0; i < 5; i++ {
		ev := <-sub.C()
		assert.Equal(t, i, ev.Payload)
	}
}

func TestPublish_DropOldestOnOverflow(t *testing.T) {
	h := newTestHub(2)
	defer h.Close()

	sub := h.Subscribe(TopicSensorUpdate)
	for i := 0; i < 5; i++ {
		h.Publish(TopicSensorUpdate, i)
	}

	// Queue cap 2: only the two newest survive.
	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, 3, first.Payload)
	assert.Equal(t, 4, second.Payload)
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := newTestHub(2)
	defer h.Close()

	slow := h.Subscribe(TopicSensorUpdate)
	fast := h.Subscribe(TopicSensorUpdate)

	done := make(chan struct{})
	var got []int
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			ev := <-fast.C()
			got = append(got, ev.Payload.(int))
		}
	}()

	for i := 0; i < 5; i++ {
		h.Publish(TopicSensorUpdate, i)
		time.Sleep(time.Millisecond) // let the fast consumer drain
	}

	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.NotZero(t, slow.Dropped())
}

func TestSubscribe_NoTopicsMeansAll(t *testing.T) {
	h := newTestHub(16)
	defer h.Close()

	sub := h.Subscribe()
	h.Publish(TopicAlertNew, nil)
	h.Publish(TopicValveChanged, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-sub.C()
		seen[ev.Topic] = true
	}
	assert.True(t, seen[TopicAlertNew])
	assert.True(t, seen[TopicValveChanged])
}

func TestPublish_UnknownTopicPanics(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	assert.Panics(t, func() { h.Publish("bogus.topic", nil) })
	assert.Panics(t, func() { h.Subscribe("bogus.topic") })
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	sub := h.Subscribe(TopicAlertNew)
	sub.Unsubscribe()

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe is safe.
	h.Publish(TopicAlertNew, nil)
}

func TestClose_DetachesEverySubscriber(t *testing.T) {
	h := newTestHub(8)
	a := h.Subscribe(TopicAlertNew)
	b := h.Subscribe()

	h.Close()

	_, open := <-a.C()
	assert.False(t, open)
	_, open = <-b.C()
	assert.False(t, open)

	// Idempotent close and post-close publish are no-ops.
	h.Close()
	h.Publish(TopicAlertNew, nil)

	stats := h.Stats()
	assert.Zero(t, stats.Subscribers)
}

func TestStats_CountsPublishes(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	h.Subscribe(TopicSensorUpdate)
	h.Publish(TopicSensorUpdate, nil)
	h.Publish(TopicSensorUpdate, nil)
	h.Publish(TopicAlertNew, nil)

	stats := h.Stats()
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, uint64(2), stats.Published[TopicSensorUpdate])
	assert.Equal(t, uint64(1), stats.Published[TopicAlertNew])
}
