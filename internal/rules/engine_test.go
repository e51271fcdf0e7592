package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return New(config.Default().Rules)
}

func fvAt(at time.Time, pressure, flow float64) *core.FeatureVector {
	return &core.FeatureVector{
		Sample: core.RawSample{
			Timestamp:  at,
			Pressure:   pressure,
			Flow:       flow,
			ValveState: core.ValveOpen,
			Location:   "main",
		},
	}
}

func feedBaseline(e *Engine, seconds int, pressure, flow float64) {
	for i := 0; i < seconds; i++ {
		e.Evaluate(fvAt(t0.Add(time.Duration(i)*time.Second), pressure, flow))
	}
}

func TestCriticalLeak_FiresOnSharpDrop(t *testing.T) {
	e := newTestEngine()
	feedBaseline(e, 10, 50, 10)

	// 20% drop within the 60s window.
	v := e.Evaluate(fvAt(t0.Add(11*time.Second), 40, 10))

	require.True(t, v.Triggered)
	assert.Contains(t, v.FiredRules, RuleCriticalLeak)
	assert.Equal(t, core.SeverityCritical, v.Severity)
	assert.GreaterOrEqual(t, v.Probability, 85.0)

	detail := v.Details[RuleCriticalLeak].(map[string]interface{})
	assert.InDelta(t, 0.2, detail["drop_pct"].(float64), 1e-9)
}

func TestMinorLeak_FiresOnGradualDrop(t *testing.T) {
	e := newTestEngine()
	feedBaseline(e, 10, 50, 10)

	// 10% drop: inside [5%, 15%], below the critical threshold.
	v := e.Evaluate(fvAt(t0.Add(11*time.Second), 45, 10))

	require.True(t, v.Triggered)
	assert.Contains(t, v.FiredRules, RuleMinorLeak)
	assert.NotContains(t, v.FiredRules, RuleCriticalLeak)
	assert.Equal(t, core.SeverityMedium, v.Severity)
	assert.GreaterOrEqual(t, v.Probability, 50.0)
}

func TestFlowPressureMismatch(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(fvAt(t0, 50, 10))

	// Flow +50%, pressure -4% between consecutive samples.
	v := e.Evaluate(fvAt(t0.Add(time.Second), 48, 15))

	require.True(t, v.Triggered)
	assert.Contains(t, v.FiredRules, RuleFlowPressureMismatch)
	assert.Equal(t, core.SeverityHigh, v.Severity)
}

func TestRatioAnomaly_RequiresBaseline(t *testing.T) {
	e := newTestEngine()

	// Without a baseline the rule stays silent.
	v := e.Evaluate(fvAt(t0, 48, 18))
	assert.NotContains(t, v.FiredRules, RuleRatioAnomaly)

	e.SetBaseline(50, 10) // ratio 5.0
	// Ratio 2.67, deviation ~46%.
	v = e.Evaluate(fvAt(t0.Add(time.Second), 48, 18))

	require.True(t, v.Triggered)
	assert.Contains(t, v.FiredRules, RuleRatioAnomaly)
	assert.GreaterOrEqual(t, v.Probability, 45.0)
	assert.Equal(t, core.SeverityMedium, v.Severity)
}

func TestRatioAnomaly_SuppressedAtLowFlow(t *testing.T) {
	e := newTestEngine()
	e.SetBaseline(50, 10)

	v := e.Evaluate(fvAt(t0, 50, 0.05))
	assert.NotContains(t, v.FiredRules, RuleRatioAnomaly)
}

func TestSpikeAnomaly(t *testing.T) {
	e := newTestEngine()

	fv := fvAt(t0, 50, 10)
	fv.PressureSpike = true
	v := e.Evaluate(fv)

	require.True(t, v.Triggered)
	assert.Contains(t, v.FiredRules, RuleSpikeAnomaly)
	assert.Equal(t, core.SeverityLow, v.Severity)
	assert.InDelta(t, 40.0, v.Probability, 1e-9) // 35 + 5 bonus
}

func TestCombination_BonusAndCap(t *testing.T) {
	e := newTestEngine()
	e.SetBaseline(50, 10)
	feedBaseline(e, 10, 50, 10)

	// Sharp drop + flow jump + ratio deviation + spike: several rules at once.
	fv := fvAt(t0.Add(11*time.Second), 35, 16)
	fv.PressureSpike = true
	v := e.Evaluate(fv)

	require.True(t, v.Triggered)
	assert.GreaterOrEqual(t, len(v.FiredRules), 3)
	assert.Equal(t, 100.0, v.Probability) // capped
	assert.Equal(t, core.SeverityCritical, v.Severity)
}

func TestQuietHistory_NoFiring(t *testing.T) {
	e := newTestEngine()
	feedBaseline(e, 20, 50, 10)

	v := e.Evaluate(fvAt(t0.Add(21*time.Second), 50.2, 10.1))
	assert.False(t, v.Triggered)
	assert.Zero(t, v.Probability)
	assert.Equal(t, core.SeverityNormal, v.Severity)
}

func TestReset_ClearsHistoryAndBaseline(t *testing.T) {
	e := newTestEngine()
	e.SetBaseline(50, 10)
	feedBaseline(e, 10, 50, 10)

	e.Reset()

	// Post-reset, a low-pressure sample has no window peak to drop from.
	v := e.Evaluate(fvAt(t0.Add(time.Hour), 40, 10))
	assert.False(t, v.Triggered)
}
