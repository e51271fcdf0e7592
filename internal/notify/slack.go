package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/hydrowatch/backend/internal/core"
)

// Slack posts alerts to an incoming webhook. Reserved for the emergency
// tier so the channel stays low-noise.
type Slack struct {
	webhookURL string
	channel    string

	// post is swappable for tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack creates the Slack channel.
func NewSlack(webhookURL, channel string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		channel:    channel,
		post:       slack.PostWebhookContext,
	}
}

func (n *Slack) Channel() string { return ChannelSlack }

func (n *Slack) Notify(ctx context.Context, alert *core.Alert) (string, error) {
	if n.webhookURL == "" {
		return "", fmt.Errorf("slack: no webhook configured")
	}

	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf("%s leak alert at %s", alert.Severity, alert.Location),
		Attachments: []slack.Attachment{{
			Color: severityColor(alert.Severity),
			Fields: []slack.AttachmentField{
				{Title: "Alert", Value: alert.ID, Short: true},
				{Title: "Severity", Value: alert.Severity.String(), Short: true},
				{Title: "Probability", Value: fmt.Sprintf("%.0f%%", alert.Probability), Short: true},
				{Title: "Location", Value: alert.Location, Short: true},
				{Title: "Created", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: false},
			},
		}},
	}

	if err := n.post(ctx, n.webhookURL, msg); err != nil {
		return "", fmt.Errorf("slack: post webhook: %w", err)
	}
	return n.channel, nil
}

func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return "danger"
	case core.SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}
