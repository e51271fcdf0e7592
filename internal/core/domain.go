// Package core defines the domain records shared by the leak-detection
// pipeline: raw sensor samples, engineered feature vectors, detector
// verdicts, fused detection results, and alerts.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// ENUMS
// ============================================================================

// Severity is the 5-level ordinal severity used across the pipeline.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "NORMAL"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps the canonical string form back to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "NORMAL":
		return SeverityNormal, nil
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityNormal, fmt.Errorf("unknown severity %q", s)
}

// MarshalJSON encodes severity as its canonical string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the canonical string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a >= b {
		return a
	}
	return b
}

// ValvePosition is the reported position of a shutoff valve.
type ValvePosition string

const (
	ValveOpen    ValvePosition = "OPEN"
	ValveClosed  ValvePosition = "CLOSED"
	ValveUnknown ValvePosition = "UNKNOWN"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// ============================================================================
// SENSOR SAMPLES
// ============================================================================

// Bounds for accepted sensor readings. Out-of-range readings are a
// validation failure, never a silent clamp.
const (
	PressureMin = 0.0
	PressureMax = 100.0 // PSI
	FlowMin     = 0.0
	FlowMax     = 150.0 // L/min
)

// RawSample is a single sensor reading entering the pipeline. Immutable
// once accepted.
type RawSample struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Pressure     float64       `json:"pressure"`
	Flow         float64       `json:"flow"`
	ValveState   ValvePosition `json:"valve_state"`
	Temperature  *float64      `json:"temperature,omitempty"`
	Conductivity *float64      `json:"conductivity,omitempty"`
	Location     string        `json:"location,omitempty"`
}

// FeatureVector enriches an accepted RawSample with engineered features.
// Produced once per sample, published, then discarded.
type FeatureVector struct {
	Sample RawSample `json:"sample"`

	// Rate of change, units/second. Zero when no prior sample exists.
	PressureRate float64 `json:"pressure_rate"`
	FlowRate     float64 `json:"flow_rate"`

	// 30s moving averages; nil when fewer than 3 samples in the window.
	PressureMA *float64 `json:"pressure_ma,omitempty"`
	FlowMA     *float64 `json:"flow_ma,omitempty"`

	// 60s population standard deviations; nil when fewer than 3 samples.
	PressureStd *float64 `json:"pressure_std,omitempty"`
	FlowStd     *float64 `json:"flow_std,omitempty"`

	PressureFlowRatio float64 `json:"pressure_flow_ratio"`

	PressureSpike bool `json:"pressure_spike"`
	FlowSpike     bool `json:"flow_spike"`

	Hour      int  `json:"hour"`
	DayOfWeek int  `json:"day_of_week"`
	Weekend   bool `json:"weekend"`

	DataQualityScore float64 `json:"data_quality_score"`
}

// Map flattens the vector into the named numeric features the anomaly
// model trains on. Nil window statistics fall back to the instantaneous
// reading so the model always sees a complete row.
func (fv *FeatureVector) Map() map[string]float64 {
	m := map[string]float64{
		"pressure":            fv.Sample.Pressure,
		"flow":                fv.Sample.Flow,
		"pressure_rate":       fv.PressureRate,
		"flow_rate":           fv.FlowRate,
		"pressure_flow_ratio": fv.PressureFlowRatio,
		"hour":                float64(fv.Hour),
		"day_of_week":         float64(fv.DayOfWeek),
		"data_quality":        fv.DataQualityScore,
	}
	if fv.PressureMA != nil {
		m["pressure_ma"] = *fv.PressureMA
	} else {
		m["pressure_ma"] = fv.Sample.Pressure
	}
	if fv.FlowMA != nil {
		m["flow_ma"] = *fv.FlowMA
	} else {
		m["flow_ma"] = fv.Sample.Flow
	}
	if fv.PressureStd != nil {
		m["pressure_std"] = *fv.PressureStd
	} else {
		m["pressure_std"] = 0
	}
	if fv.FlowStd != nil {
		m["flow_std"] = *fv.FlowStd
	} else {
		m["flow_std"] = 0
	}
	m["pressure_spike"] = boolFeature(fv.PressureSpike)
	m["flow_spike"] = boolFeature(fv.FlowSpike)
	m["weekend"] = boolFeature(fv.Weekend)
	return m
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// DETECTOR OUTPUTS
// ============================================================================

// RuleVerdict is the rule engine's verdict for one feature vector.
type RuleVerdict struct {
	Triggered   bool                   `json:"triggered"`
	Probability float64                `json:"probability"` // 0-100
	Severity    Severity               `json:"severity"`
	FiredRules  []string               `json:"fired_rules"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// AnomalyScore is the isolation forest's verdict. Nil when the model is
// not trained — fusion then proceeds rule-only.
type AnomalyScore struct {
	Score      float64 `json:"score"` // 0-1, higher = more anomalous
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"` // 0-1
}

// DetectionResult is the fused verdict published to subscribers.
type DetectionResult struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Sample      RawSample      `json:"sample"`
	Features    *FeatureVector `json:"features"`
	Rule        RuleVerdict    `json:"rule"`
	ML          *AnomalyScore  `json:"ml,omitempty"`
	Probability float64        `json:"probability"` // 0-100
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"` // 0-100
	IsLeak      bool           `json:"is_leak"`
}

// ============================================================================
// ALERTS
// ============================================================================

// NotificationRecord is the per-channel delivery outcome appended to an
// alert. Delivery is best-effort; failures never fail the lifecycle call.
type NotificationRecord struct {
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
	Recipient string    `json:"recipient,omitempty"`
	Status    string    `json:"status"` // sent | failed
	Error     string    `json:"error,omitempty"`
}

// Feedback is operator feedback attached to an alert, latest-wins.
type Feedback struct {
	IsCorrectPositive bool      `json:"is_correct_positive"`
	IsFalsePositive   bool      `json:"is_false_positive"`
	Comment           string    `json:"comment,omitempty"`
	SubmittedBy       string    `json:"submitted_by,omitempty"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// Alert is the lifecycle record produced when a detection crosses the
// alert policy. Alerts are never deleted; retention only controls query
// visibility.
type Alert struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Severity    Severity  `json:"severity"`
	Probability float64   `json:"probability"`
	Location    string    `json:"location"`
	Source      string    `json:"source"` // DetectionResult ID

	Status          AlertStatus `json:"status"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgeNote string      `json:"acknowledge_note,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolveNote     string      `json:"resolve_note,omitempty"`

	Feedback *Feedback `json:"feedback,omitempty"`

	Notifications []NotificationRecord `json:"notifications"`

	ValveClosureTriggered bool       `json:"valve_closure_triggered"`
	ValveClosureAt        *time.Time `json:"valve_closure_at,omitempty"`

	RecommendedActions []string `json:"recommended_actions"`
}

// Clone returns a deep copy so query results are immutable snapshots.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.ValveClosureAt != nil {
		t := *a.ValveClosureAt
		cp.ValveClosureAt = &t
	}
	if a.Feedback != nil {
		fb := *a.Feedback
		cp.Feedback = &fb
	}
	cp.Notifications = append([]NotificationRecord(nil), a.Notifications...)
	cp.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	return &cp
}
