// Package rules implements the deterministic threshold detector. Five
// rules are evaluated against each feature vector plus the engine's own
// bounded history; every rule reports its computed inputs so a verdict is
// explainable after the fact.
package rules

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
)

// Rule identifiers, in severity tie-break order.
const (
	RuleCriticalLeak         = "CRITICAL_LEAK"
	RuleMinorLeak            = "MINOR_LEAK"
	RuleFlowPressureMismatch = "FLOW_PRESSURE_MISMATCH"
	RuleRatioAnomaly         = "RATIO_ANOMALY"
	RuleSpikeAnomaly         = "SPIKE_ANOMALY"
)

// historyCap bounds the engine's internal sample history.
const historyCap = 200

// compoundingBonusCap caps the multi-rule bonus added to the summed base
// probabilities.
const compoundingBonusCap = 20

type histEntry struct {
	at       time.Time
	pressure float64
	flow     float64
}

type baseline struct {
	pressure float64
	flow     float64
	ratio    float64
	set      bool
}

// Engine evaluates the five threshold rules. Safe for concurrent use; a
// single mutex guards history and baseline (evaluations are short).
type Engine struct {
	cfg config.RuleConfig

	mu       sync.Mutex
	history  []histEntry
	baseline baseline

	logger *log.Logger
}

// New creates a rule engine.
func New(cfg config.RuleConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[RuleEngine] ", log.LstdFlags),
	}
}

// SetBaseline records the reference pressure/flow pair for ratio rules.
func (e *Engine) SetBaseline(pressure, flow float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := baseline{pressure: pressure, flow: flow, set: true}
	if flow >= 0.1 {
		b.ratio = pressure / flow
	}
	e.baseline = b
	e.logger.Printf("Baseline set: pressure=%.2f flow=%.2f ratio=%.3f", pressure, flow, b.ratio)
}

// Reset clears history and baseline.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.baseline = baseline{}
}

// Evaluate runs all rules against the feature vector and the engine's
// history, then appends the sample to the history.
func (e *Engine) Evaluate(fv *core.FeatureVector) core.RuleVerdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	verdict := core.RuleVerdict{
		Severity: core.SeverityNormal,
		Details:  make(map[string]interface{}),
	}

	type firing struct {
		name     string
		prob     float64
		severity core.Severity
	}
	var fired []firing

	now := fv.Sample.Timestamp
	pressure := fv.Sample.Pressure
	flow := fv.Sample.Flow

	// CRITICAL_LEAK: pressure drop > criticalDropPct within the 60s window.
	if dropPct, peak, ok := e.windowDrop(now, time.Duration(e.cfg.CriticalWindowSec)*time.Second, pressure); ok {
		verdict.Details[RuleCriticalLeak] = map[string]interface{}{
			"drop_pct":    dropPct,
			"window_peak": peak,
			"current":     pressure,
		}
		if dropPct > e.cfg.CriticalDropPct {
			fired = append(fired, firing{RuleCriticalLeak, 85, core.SeverityCritical})
		}
	}

	// MINOR_LEAK: pressure drop within [minorLowPct, minorHighPct] over 300s.
	if dropPct, peak, ok := e.windowDrop(now, time.Duration(e.cfg.MinorWindowSec)*time.Second, pressure); ok {
		verdict.Details[RuleMinorLeak] = map[string]interface{}{
			"drop_pct":    dropPct,
			"window_peak": peak,
			"current":     pressure,
		}
		if dropPct >= e.cfg.MinorLowPct && dropPct <= e.cfg.MinorHighPct {
			fired = append(fired, firing{RuleMinorLeak, 50, core.SeverityMedium})
		}
	}

	// FLOW_PRESSURE_MISMATCH: between consecutive samples.
	if len(e.history) > 0 {
		prev := e.history[len(e.history)-1]
		if prev.flow > 0 && prev.pressure > 0 {
			flowInc := (flow - prev.flow) / prev.flow
			pressDec := (prev.pressure - pressure) / prev.pressure
			verdict.Details[RuleFlowPressureMismatch] = map[string]interface{}{
				"flow_increase_pct":     flowInc,
				"pressure_decrease_pct": pressDec,
			}
			if flowInc > e.cfg.FlowIncPct && pressDec > e.cfg.PressDecPct {
				fired = append(fired, firing{RuleFlowPressureMismatch, 70, core.SeverityHigh})
			}
		}
	}

	// RATIO_ANOMALY: deviation from the baseline ratio. Suppressed at low
	// flow so a closed line never false-positives.
	if e.baseline.set && e.baseline.ratio > 0 && flow >= 0.1 {
		ratio := pressure / flow
		deviation := math.Abs(ratio-e.baseline.ratio) / e.baseline.ratio
		verdict.Details[RuleRatioAnomaly] = map[string]interface{}{
			"current_ratio":  ratio,
			"baseline_ratio": e.baseline.ratio,
			"deviation_pct":  deviation,
		}
		if deviation > e.cfg.RatioDevPct {
			fired = append(fired, firing{RuleRatioAnomaly, 45, core.SeverityMedium})
		}
	}

	// SPIKE_ANOMALY: either spike flag from the preprocessor.
	if fv.PressureSpike || fv.FlowSpike {
		verdict.Details[RuleSpikeAnomaly] = map[string]interface{}{
			"pressure_spike": fv.PressureSpike,
			"flow_spike":     fv.FlowSpike,
		}
		fired = append(fired, firing{RuleSpikeAnomaly, 35, core.SeverityLow})
	}

	// Combine: sum of base probabilities plus a compounding bonus.
	if len(fired) > 0 {
		verdict.Triggered = true
		total := 0.0
		for _, f := range fired {
			total += f.prob
			verdict.FiredRules = append(verdict.FiredRules, f.name)
			verdict.Severity = core.MaxSeverity(verdict.Severity, f.severity)
		}
		total += math.Min(compoundingBonusCap, 5*float64(len(fired)))
		verdict.Probability = math.Min(100, total)
	}

	e.push(histEntry{at: now, pressure: pressure, flow: flow})

	return verdict
}

// windowDrop returns the fractional pressure drop from the window peak to
// the current value. ok is false when the window holds no prior samples.
func (e *Engine) windowDrop(now time.Time, window time.Duration, current float64) (drop, peak float64, ok bool) {
	since := now.Add(-window)
	peak = math.Inf(-1)
	for i := len(e.history) - 1; i >= 0; i-- {
		h := e.history[i]
		if h.at.Before(since) {
			break
		}
		if h.pressure > peak {
			peak = h.pressure
		}
	}
	if math.IsInf(peak, -1) || peak <= 0 {
		return 0, 0, false
	}
	return (peak - current) / peak, peak, true
}

func (e *Engine) push(h histEntry) {
	e.history = append(e.history, h)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}
