// Package alerts owns the alert lifecycle: creation from leak
// detections, acknowledgement, resolution, operator feedback, and the
// side effects that ride along (notification fan-out, emergency valve
// closure, audit trail).
//
// Lock order: the alert map lock is always taken before any audit
// append. Notification dispatch happens off-lock.
package alerts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrowatch/backend/internal/audit"
	"github.com/hydrowatch/backend/internal/circuitbreaker"
	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/metrics"
	"github.com/hydrowatch/backend/internal/notify"
	"github.com/hydrowatch/backend/internal/valve"
)

// emergencyProbability is the probability floor for the emergency tier.
// CRITICAL alerts at or above it escalate to the slack channel on top of
// the regular CRITICAL fan-out.
const emergencyProbability = 90.0

// Publisher receives lifecycle events for fan-out. Satisfied by hub.Hub.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Fan-out topics.
const (
	TopicAlertNew          = "alert.new"
	TopicAlertAcknowledged = "alert.acknowledged"
	TopicAlertResolved     = "alert.resolved"
	TopicValveChanged      = "valve.changed"
)

// Manager is the alert lifecycle coordinator.
type Manager struct {
	cfg   config.AlertConfig
	clock clock.Clock
	met   *metrics.Metrics

	mu      sync.RWMutex
	alerts  map[string]*core.Alert
	ordered []string // creation order, for stable queries
	counter uint64

	// valveClosing dedupes concurrent closure attempts per location.
	valveClosing sync.Map

	notifiers []notify.Notifier
	emergency notify.Notifier // slack, may be nil
	actuator  valve.Actuator
	breakers  *circuitbreaker.BoundaryBreakers
	auditLog  *audit.Log
	publisher Publisher

	dispatchMu     sync.RWMutex
	dispatchQ      chan dispatchJob
	dispatchWG     sync.WaitGroup
	dispatchClosed bool

	logger *log.Logger
}

// Options wires the manager's collaborators. Notifiers are the standard
// channels; Emergency is additionally used for the emergency tier.
type Options struct {
	Config    config.AlertConfig
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Notifiers []notify.Notifier
	Emergency notify.Notifier
	Actuator  valve.Actuator
	Breakers  *circuitbreaker.BoundaryBreakers
	Audit     *audit.Log
	Publisher Publisher
}

// NewManager creates an alert manager and starts its notification
// dispatcher pool. Call Close to drain it.
func NewManager(opts Options) *Manager {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewBoundaryBreakers()
	}
	m := &Manager{
		cfg:       opts.Config,
		clock:     opts.Clock,
		met:       opts.Metrics,
		alerts:    make(map[string]*core.Alert),
		notifiers: opts.Notifiers,
		emergency: opts.Emergency,
		actuator:  opts.Actuator,
		breakers:  opts.Breakers,
		auditLog:  opts.Audit,
		publisher: opts.Publisher,
		dispatchQ: make(chan dispatchJob, dispatchQueueCap),
		logger:    log.New(log.Writer(), "[Alerts] ", log.LstdFlags),
	}
	for i := 0; i < dispatchWorkers; i++ {
		m.dispatchWG.Add(1)
		go m.dispatchWorker()
	}
	return m
}

// CreateFromDetection raises an alert for a leak detection. The caller
// has already applied the leak policy; every call creates an alert.
func (m *Manager) CreateFromDetection(ctx context.Context, result *core.DetectionResult) *core.Alert {
	alert := &core.Alert{
		ID:                 m.newID(),
		CreatedAt:          m.clock.Now(),
		Severity:           result.Severity,
		Probability:        result.Probability,
		Location:           result.Sample.Location,
		Source:             result.ID,
		Status:             core.AlertActive,
		RecommendedActions: recommendedActions(result.Severity),
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.ordered = append(m.ordered, alert.ID)
	m.mu.Unlock()

	m.auditLog.Append(audit.KindAlertCreated, alert.ID, "system", map[string]interface{}{
		"severity":    alert.Severity.String(),
		"probability": alert.Probability,
		"location":    alert.Location,
		"source":      alert.Source,
	})

	if m.met != nil {
		m.met.AlertsCreated.WithLabelValues(alert.Severity.String()).Inc()
		m.met.AlertsByStatus.WithLabelValues(string(core.AlertActive)).Inc()
	}
	m.logger.Printf("Alert %s: %s at %s (%.0f%%)", alert.ID, alert.Severity, alert.Location, alert.Probability)

	// Valve closure is gated on severity alone; the emergency tier only
	// decides whether slack joins the fan-out.
	if alert.Severity >= core.SeverityCritical {
		m.closeValve(ctx, alert)
	}
	emergency := alert.Severity >= core.SeverityCritical && alert.Probability >= emergencyProbability

	snapshot := m.Get(alert.ID)
	m.enqueueDispatch(snapshot, emergency)

	if m.publisher != nil {
		m.publisher.Publish(TopicAlertNew, snapshot)
	}
	return snapshot
}

// recommendedActions is the operator checklist attached at creation.
func recommendedActions(severity core.Severity) []string {
	switch severity {
	case core.SeverityCritical:
		return []string{
			"Verify the zone shut-off valve closed; close it manually if not",
			"Dispatch a field crew to the reported location",
			"Notify the on-call supervisor",
		}
	case core.SeverityHigh:
		return []string{
			"Inspect the reported location within 30 minutes",
			"Compare live pressure against the zone baseline",
			"Stage the shut-off valve for manual closure",
		}
	case core.SeverityMedium:
		return []string{
			"Review the pressure and flow trend for the last hour",
			"Schedule an inspection within 24 hours",
		}
	case core.SeverityLow:
		return []string{"Monitor the location for repeat anomalies"}
	default:
		return nil
	}
}

// Acknowledge marks an active alert acknowledged. Acknowledging twice
// leaves the alert unchanged but is still recorded in audit;
// acknowledging a resolved alert is an invalid transition.
func (m *Manager) Acknowledge(id, by, note string) (*core.Alert, error) {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, core.ErrNotFound
	}

	switch alert.Status {
	case core.AlertAcknowledged:
		clone := alert.Clone()
		m.mu.Unlock()
		m.auditLog.Append(audit.KindAlertAcknowledged, id, by, map[string]interface{}{
			"note":     note,
			"repeated": true,
		})
		return clone, nil
	case core.AlertResolved:
		m.mu.Unlock()
		return nil, core.ErrInvalidTransition
	}

	now := m.clock.Now()
	alert.Status = core.AlertAcknowledged
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now
	alert.AcknowledgeNote = note
	clone := alert.Clone()
	m.mu.Unlock()

	m.auditLog.Append(audit.KindAlertAcknowledged, id, by, map[string]interface{}{"note": note})
	if m.met != nil {
		m.met.AlertsByStatus.WithLabelValues(string(core.AlertActive)).Dec()
		m.met.AlertsByStatus.WithLabelValues(string(core.AlertAcknowledged)).Inc()
	}
	if m.publisher != nil {
		m.publisher.Publish(TopicAlertAcknowledged, clone)
	}
	return clone, nil
}

// Resolve closes out an alert, optionally recording operator feedback in
// the same transition. Active alerts may be resolved directly; resolving
// a resolved alert is an invalid transition.
func (m *Manager) Resolve(id, by, note string, fb *core.Feedback) (*core.Alert, error) {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, core.ErrNotFound
	}
	if alert.Status == core.AlertResolved {
		m.mu.Unlock()
		return nil, core.ErrInvalidTransition
	}
	prevStatus := alert.Status

	now := m.clock.Now()
	alert.Status = core.AlertResolved
	alert.ResolvedBy = by
	alert.ResolvedAt = &now
	alert.ResolveNote = note
	if fb != nil {
		stamped := *fb
		stamped.SubmittedAt = now
		if stamped.SubmittedBy == "" {
			stamped.SubmittedBy = by
		}
		alert.Feedback = &stamped
	}
	clone := alert.Clone()
	m.mu.Unlock()

	payload := map[string]interface{}{"note": note}
	if fb != nil {
		payload["correct_positive"] = fb.IsCorrectPositive
		payload["false_positive"] = fb.IsFalsePositive
	}
	m.auditLog.Append(audit.KindAlertResolved, id, by, payload)
	if m.met != nil {
		m.met.AlertsByStatus.WithLabelValues(string(prevStatus)).Dec()
		m.met.AlertsByStatus.WithLabelValues(string(core.AlertResolved)).Inc()
	}
	if m.publisher != nil {
		m.publisher.Publish(TopicAlertResolved, clone)
	}
	return clone, nil
}

// SubmitFeedback attaches operator feedback, latest-wins.
func (m *Manager) SubmitFeedback(id string, fb core.Feedback) (*core.Alert, error) {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, core.ErrNotFound
	}

	fb.SubmittedAt = m.clock.Now()
	alert.Feedback = &fb
	clone := alert.Clone()
	m.mu.Unlock()

	m.auditLog.Append(audit.KindAlertFeedback, id, fb.SubmittedBy, map[string]interface{}{
		"correct_positive": fb.IsCorrectPositive,
		"false_positive":   fb.IsFalsePositive,
	})
	return clone, nil
}

// Get returns a copy of the alert, or nil when unknown.
func (m *Manager) Get(id string) *core.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if alert, ok := m.alerts[id]; ok {
		return alert.Clone()
	}
	return nil
}

// ValvePosition reports the actuator's last known position for location.
func (m *Manager) ValvePosition(location string) core.ValvePosition {
	if m.actuator == nil {
		return core.ValveUnknown
	}
	return m.actuator.Position(location)
}

func (m *Manager) newID() string {
	token := make([]byte, 5)
	rand.Read(token)
	n := atomic.AddUint64(&m.counter, 1)
	return fmt.Sprintf("ALERT-%d-%s", n, hex.EncodeToString(token)[:9])
}

// ============================================================================
// VALVE CLOSURE
// ============================================================================

// closeValve drives the location's valve closed, once per OPEN to
// CLOSED transition, no matter how many critical alerts target the same
// location. An already-closed valve yields a redundant audit record; an
// actuator that cannot report state yields a failed one, and no command
// is issued in either case.
func (m *Manager) closeValve(ctx context.Context, alert *core.Alert) {
	if m.actuator == nil || alert.Location == "" {
		return
	}
	if _, inFlight := m.valveClosing.LoadOrStore(alert.Location, struct{}{}); inFlight {
		return
	}
	defer m.valveClosing.Delete(alert.Location)

	switch m.actuator.Position(alert.Location) {
	case core.ValveClosed:
		m.auditLog.Append(audit.KindValveClosureRedundant, alert.Location, "system", map[string]interface{}{
			"alert_id": alert.ID,
		})
		if m.met != nil {
			m.met.ValveCommands.WithLabelValues("close", "redundant").Inc()
		}
		return
	case core.ValveUnknown:
		m.auditLog.Append(audit.KindValveCommand, alert.Location, "system", map[string]interface{}{
			"position": string(core.ValveClosed),
			"alert_id": alert.ID,
			"result":   "failed",
			"reason":   "valve state unknown",
		})
		if m.met != nil {
			m.met.ValveCommands.WithLabelValues("close", "failed").Inc()
		}
		m.logger.Printf("Valve closure skipped for %s: state unknown", alert.Location)
		return
	}

	m.auditLog.Append(audit.KindValveCommand, alert.Location, "system", map[string]interface{}{
		"position": string(core.ValveClosed),
		"alert_id": alert.ID,
	})

	err := m.breakers.Valve.ExecuteContext(ctx, func(ctx context.Context) error {
		return m.actuator.SetPosition(ctx, alert.Location, core.ValveClosed)
	})
	if m.met != nil {
		m.met.ValveCommands.WithLabelValues("close", outcome(err)).Inc()
	}
	if err != nil {
		m.logger.Printf("Valve closure failed for %s: %v", alert.Location, err)
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	alert.ValveClosureTriggered = true
	alert.ValveClosureAt = &now
	m.mu.Unlock()

	m.auditLog.Append(audit.KindValveChanged, alert.Location, "system", map[string]interface{}{
		"position": string(core.ValveClosed),
	})
	if m.publisher != nil {
		m.publisher.Publish(TopicValveChanged, map[string]interface{}{
			"location": alert.Location,
			"position": string(core.ValveClosed),
			"at":       now,
		})
	}
}

// ============================================================================
// NOTIFICATION DISPATCH
// ============================================================================

// channelsFor is the severity escalation table. Every alert reaches the
// in-app feed; email joins at MEDIUM, sms at HIGH, slack only on the
// emergency tier.
func channelsFor(severity core.Severity, emergency bool) map[string]bool {
	allowed := map[string]bool{notify.ChannelInApp: true}
	if severity >= core.SeverityMedium {
		allowed[notify.ChannelEmail] = true
	}
	if severity >= core.SeverityHigh {
		allowed[notify.ChannelSMS] = true
	}
	if emergency {
		allowed[notify.ChannelSlack] = true
	}
	return allowed
}

// dispatch fans the alert out to its severity's channels in parallel
// with a per-channel timeout. Outcomes are recorded on the alert;
// failures never propagate.
func (m *Manager) dispatch(ctx context.Context, snapshot *core.Alert, emergency bool) {
	allowed := channelsFor(snapshot.Severity, emergency)

	targets := make([]notify.Notifier, 0, len(m.notifiers)+1)
	for _, n := range m.notifiers {
		if allowed[n.Channel()] {
			targets = append(targets, n)
		}
	}
	if emergency && m.emergency != nil {
		targets = append(targets, m.emergency)
	}
	if len(targets) == 0 {
		return
	}

	timeout := time.Duration(m.cfg.NotifyTimeoutMs) * time.Millisecond

	var wg sync.WaitGroup
	records := make([]core.NotificationRecord, len(targets))
	for i, n := range targets {
		wg.Add(1)
		go func(i int, n notify.Notifier) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var recipient string
			err := m.breakers.Notify.ExecuteContext(sendCtx, func(ctx context.Context) error {
				var sendErr error
				recipient, sendErr = n.Notify(ctx, snapshot)
				return sendErr
			})

			record := core.NotificationRecord{
				Channel:   n.Channel(),
				SentAt:    m.clock.Now(),
				Recipient: recipient,
				Status:    "sent",
			}
			if err != nil {
				record.Status = "failed"
				record.Error = err.Error()
			}
			records[i] = record

			if m.met != nil {
				m.met.Notifications.WithLabelValues(n.Channel(), record.Status).Inc()
			}
		}(i, n)
	}
	wg.Wait()

	m.mu.Lock()
	if stored, ok := m.alerts[snapshot.ID]; ok {
		stored.Notifications = append(stored.Notifications, records...)
	}
	m.mu.Unlock()

	for _, record := range records {
		m.auditLog.Append(audit.KindNotification, snapshot.ID, "system", map[string]interface{}{
			"channel": record.Channel,
			"status":  record.Status,
		})
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
