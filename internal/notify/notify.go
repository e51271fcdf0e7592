// Package notify implements the alert delivery channels. Delivery is
// best-effort: a failed channel is recorded on the alert but never fails
// the alert lifecycle.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hydrowatch/backend/internal/core"
)

// Channel names, as recorded on NotificationRecords.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelSlack = "slack"
)

// Notifier delivers one alert over one channel. Implementations must
// honor ctx cancellation; the dispatcher enforces a per-send timeout.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, alert *core.Alert) (recipient string, err error)
}

// ============================================================================
// IN-APP
// ============================================================================

// InApp buffers notifications in memory for the UI to poll. The buffer is
// bounded; old notifications fall off the front.
type InApp struct {
	capacity int

	mu      sync.Mutex
	pending []*core.Alert
}

// NewInApp creates the in-app channel with the given buffer capacity.
func NewInApp(capacity int) *InApp {
	if capacity <= 0 {
		capacity = 100
	}
	return &InApp{capacity: capacity}
}

func (n *InApp) Channel() string { return ChannelInApp }

func (n *InApp) Notify(_ context.Context, alert *core.Alert) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending = append(n.pending, alert.Clone())
	if len(n.pending) > n.capacity {
		n.pending = n.pending[len(n.pending)-n.capacity:]
	}
	return "", nil
}

// Drain returns and clears the buffered notifications.
func (n *InApp) Drain() []*core.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := n.pending
	n.pending = nil
	return out
}

// ============================================================================
// EMAIL / SMS (simulated transports)
// ============================================================================

// Email logs the rendered message in place of an SMTP hand-off.
type Email struct {
	recipient string
	logger    *log.Logger
}

func NewEmail(recipient string) *Email {
	return &Email{
		recipient: recipient,
		logger:    log.New(log.Writer(), "[Email] ", log.LstdFlags),
	}
}

func (n *Email) Channel() string { return ChannelEmail }

func (n *Email) Notify(ctx context.Context, alert *core.Alert) (string, error) {
	if n.recipient == "" {
		return "", fmt.Errorf("email: no recipient configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.logger.Printf("To %s: [%s] %s at %s (probability %.0f%%)",
		n.recipient, alert.Severity, alert.ID, alert.Location, alert.Probability)
	return n.recipient, nil
}

// SMS logs the rendered message in place of a gateway hand-off.
type SMS struct {
	recipient string
	logger    *log.Logger
}

func NewSMS(recipient string) *SMS {
	return &SMS{
		recipient: recipient,
		logger:    log.New(log.Writer(), "[SMS] ", log.LstdFlags),
	}
}

func (n *SMS) Channel() string { return ChannelSMS }

func (n *SMS) Notify(ctx context.Context, alert *core.Alert) (string, error) {
	if n.recipient == "" {
		return "", fmt.Errorf("sms: no recipient configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.logger.Printf("To %s: %s leak alert %s at %s",
		n.recipient, alert.Severity, alert.ID, alert.Location)
	return n.recipient, nil
}
