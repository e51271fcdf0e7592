package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/core"
)

func testAlert() *core.Alert {
	return &core.Alert{
		ID:          "ALERT-1-abc123def",
		CreatedAt:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Severity:    core.SeverityCritical,
		Probability: 92,
		Location:    "main",
		Status:      core.AlertActive,
	}
}

func TestInApp_BuffersAndDrains(t *testing.T) {
	n := NewInApp(2)

	for i := 0; i < 3; i++ {
		_, err := n.Notify(context.Background(), testAlert())
		require.NoError(t, err)
	}

	// Capacity 2: the oldest fell off.
	pending := n.Drain()
	assert.Len(t, pending, 2)
	assert.Empty(t, n.Drain())
}

func TestInApp_DrainReturnsCopies(t *testing.T) {
	n := NewInApp(10)
	alert := testAlert()
	_, err := n.Notify(context.Background(), alert)
	require.NoError(t, err)

	got := n.Drain()[0]
	got.Status = core.AlertResolved
	assert.Equal(t, core.AlertActive, alert.Status)
}

func TestEmail_RequiresRecipient(t *testing.T) {
	n := NewEmail("")
	_, err := n.Notify(context.Background(), testAlert())
	assert.Error(t, err)

	n = NewEmail("ops@example.com")
	recipient, err := n.Notify(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", recipient)
}

func TestSMS_HonorsContextCancellation(t *testing.T) {
	n := NewSMS("+15550100")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.Notify(ctx, testAlert())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlack_PostsWebhookMessage(t *testing.T) {
	var posted *slack.WebhookMessage
	n := NewSlack("https://hooks.slack.com/services/T/B/x", "#leaks")
	n.post = func(_ context.Context, url string, msg *slack.WebhookMessage) error {
		posted = msg
		return nil
	}

	channel, err := n.Notify(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, "#leaks", channel)
	require.NotNil(t, posted)
	assert.Contains(t, posted.Text, "CRITICAL")
	require.Len(t, posted.Attachments, 1)
	assert.Equal(t, "danger", posted.Attachments[0].Color)
}

func TestSlack_PropagatesPostFailure(t *testing.T) {
	n := NewSlack("https://hooks.slack.com/services/T/B/x", "#leaks")
	n.post = func(context.Context, string, *slack.WebhookMessage) error {
		return errors.New("rate limited")
	}

	_, err := n.Notify(context.Background(), testAlert())
	assert.Error(t, err)
}

func TestSlack_RequiresWebhook(t *testing.T) {
	n := NewSlack("", "#leaks")
	_, err := n.Notify(context.Background(), testAlert())
	assert.Error(t, err)
}
