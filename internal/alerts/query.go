package alerts

import (
	"time"

	"github.com/hydrowatch/backend/internal/core"
)

// Query filters alert listings. Zero-valued fields match everything.
type Query struct {
	Status   core.AlertStatus
	Location string
	Severity *core.Severity
	// Acknowledged filters on whether anyone has acknowledged the alert,
	// regardless of its current status.
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

// List returns matching alerts in creation order, as copies.
func (m *Manager) List(q Query) []*core.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Alert
	for _, id := range m.ordered {
		alert, ok := m.alerts[id]
		if !ok {
			continue
		}
		if q.Status != "" && alert.Status != q.Status {
			continue
		}
		if q.Location != "" && alert.Location != q.Location {
			continue
		}
		if q.Severity != nil && alert.Severity != *q.Severity {
			continue
		}
		if q.Acknowledged != nil && (alert.AcknowledgedAt != nil) != *q.Acknowledged {
			continue
		}
		if !q.Since.IsZero() && alert.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && alert.CreatedAt.After(q.Until) {
			continue
		}
		out = append(out, alert.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// WindowCounts breaks one time window down by status and severity.
type WindowCounts struct {
	Total      int                      `json:"total"`
	ByStatus   map[core.AlertStatus]int `json:"by_status"`
	BySeverity map[string]int           `json:"by_severity"`
}

func newWindowCounts() WindowCounts {
	return WindowCounts{
		ByStatus:   make(map[core.AlertStatus]int),
		BySeverity: make(map[string]int),
	}
}

func (w *WindowCounts) add(alert *core.Alert) {
	w.Total++
	w.ByStatus[alert.Status]++
	w.BySeverity[alert.Severity.String()]++
}

// Statistics summarizes the alert population. AllTime covers everything
// still queryable; LastHour and Last24h count alerts created within the
// trailing window.
type Statistics struct {
	AllTime    WindowCounts   `json:"all_time"`
	LastHour   WindowCounts   `json:"last_hour"`
	Last24h    WindowCounts   `json:"last_24h"`
	ByLocation map[string]int `json:"by_location"`
	// AckRate is the share of alerts that were acknowledged or resolved.
	AckRate              float64 `json:"ack_rate"`
	MeanAckLatencyMs     float64 `json:"mean_ack_latency_ms"`
	MeanResolveLatencyMs float64 `json:"mean_resolve_latency_ms"`
	FalsePositives       int     `json:"false_positives"`
	// FalsePositiveRate is false-positive feedback over all feedback.
	FalsePositiveRate float64 `json:"false_positive_rate"`
	FeedbackCount     int     `json:"feedback_count"`
	ValveClosures     int     `json:"valve_closures"`
}

// Stats computes statistics over the current population.
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		AllTime:    newWindowCounts(),
		LastHour:   newWindowCounts(),
		Last24h:    newWindowCounts(),
		ByLocation: make(map[string]int),
	}

	now := m.clock.Now()
	acked := 0
	var ackLatency, resolveLatency time.Duration
	var ackN, resolveN int
	for _, alert := range m.alerts {
		stats.AllTime.add(alert)
		if now.Sub(alert.CreatedAt) <= time.Hour {
			stats.LastHour.add(alert)
		}
		if now.Sub(alert.CreatedAt) <= 24*time.Hour {
			stats.Last24h.add(alert)
		}
		stats.ByLocation[alert.Location]++
		if alert.Status != core.AlertActive {
			acked++
		}
		if alert.AcknowledgedAt != nil {
			ackLatency += alert.AcknowledgedAt.Sub(alert.CreatedAt)
			ackN++
		}
		if alert.ResolvedAt != nil {
			resolveLatency += alert.ResolvedAt.Sub(alert.CreatedAt)
			resolveN++
		}
		if alert.ValveClosureTriggered {
			stats.ValveClosures++
		}
		if alert.Feedback != nil {
			stats.FeedbackCount++
			if alert.Feedback.IsFalsePositive {
				stats.FalsePositives++
			}
		}
	}
	if stats.AllTime.Total > 0 {
		stats.AckRate = float64(acked) / float64(stats.AllTime.Total)
	}
	if ackN > 0 {
		stats.MeanAckLatencyMs = float64(ackLatency.Milliseconds()) / float64(ackN)
	}
	if resolveN > 0 {
		stats.MeanResolveLatencyMs = float64(resolveLatency.Milliseconds()) / float64(resolveN)
	}
	if stats.FeedbackCount > 0 {
		stats.FalsePositiveRate = float64(stats.FalsePositives) / float64(stats.FeedbackCount)
	}
	return stats
}

// Purge removes resolved alerts older than cutoff from the queryable
// set. Active and acknowledged alerts are never purged, whatever their
// age. Returns the number removed.
func (m *Manager) Purge(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.ordered[:0]
	for _, id := range m.ordered {
		alert, ok := m.alerts[id]
		if !ok {
			continue
		}
		if alert.Status == core.AlertResolved && alert.CreatedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.ordered = kept

	if removed > 0 {
		m.logger.Printf("Purged %d resolved alerts older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed
}
