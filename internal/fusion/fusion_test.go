package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestFuser() *Fuser {
	return New(config.Default().Fusion)
}

func fv(location string) *core.FeatureVector {
	return &core.FeatureVector{
		Sample: core.RawSample{
			Timestamp: t0,
			Pressure:  50,
			Flow:      10,
			Location:  location,
		},
	}
}

func TestDecide_WeightedProbability(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Triggered: true, Probability: 85, Severity: core.SeverityCritical}
	ml := &core.AnomalyScore{Score: 0.7, IsAnomaly: true, Confidence: 0.4}

	r, raise := f.Decide(fv("main"), rule, ml)

	// 0.4*85 + 0.6*70 = 76
	assert.InDelta(t, 76.0, r.Probability, 1e-9)
	// (80 + 40) / 2 = 60
	assert.InDelta(t, 60.0, r.Confidence, 1e-9)
	assert.Equal(t, core.SeverityCritical, r.Severity)
	assert.True(t, r.IsLeak)
	assert.True(t, raise) // rule fired, no hysteresis
}

func TestDecide_RuleOnlyWhenModelNotReady(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Triggered: true, Probability: 85, Severity: core.SeverityCritical}
	r, raise := f.Decide(fv("main"), rule, nil)

	assert.InDelta(t, 85.0, r.Probability, 1e-9)
	assert.InDelta(t, 80.0, r.Confidence, 1e-9)
	assert.Nil(t, r.ML)
	assert.True(t, r.IsLeak)
	assert.True(t, raise)
}

func TestDecide_MLAnomalyRaisesSeverity(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Severity: core.SeverityNormal}
	ml := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}

	r, _ := f.Decide(fv("main"), rule, ml)
	assert.Equal(t, core.SeverityMedium, r.Severity)
}

func TestDecide_IsLeakIsPureThreshold(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Severity: core.SeverityNormal}
	ml := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}

	// 0.4*0 + 0.6*90 = 54: over the threshold, so the published verdict
	// says leak even though hysteresis is still holding the alert back.
	r, raise := f.Decide(fv("main"), rule, ml)
	assert.True(t, r.IsLeak)
	assert.False(t, raise)
}

func TestDecide_HysteresisSuppressesMLOnlyBlip(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Severity: core.SeverityNormal}
	ml := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}

	// Two consecutive anomalies: leak verdicts, but no alert yet.
	_, raise := f.Decide(fv("main"), rule, ml)
	require.False(t, raise)
	_, raise = f.Decide(fv("main"), rule, ml)
	require.False(t, raise)

	// Third consecutive anomaly crosses the hysteresis bar.
	_, raise = f.Decide(fv("main"), rule, ml)
	assert.True(t, raise)
}

func TestDecide_RuleFiringResetsMLStreak(t *testing.T) {
	f := newTestFuser()

	quiet := core.RuleVerdict{Severity: core.SeverityNormal}
	fired := core.RuleVerdict{Triggered: true, Probability: 85, Severity: core.SeverityCritical}
	ml := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}

	f.Decide(fv("main"), quiet, ml)
	f.Decide(fv("main"), quiet, ml)
	require.Equal(t, 2, f.Streak("main"))

	// An anomalous sample with a rule firing does not extend the ML-only
	// streak; the rule path already alerts on its own.
	f.Decide(fv("main"), fired, ml)
	assert.Zero(t, f.Streak("main"))

	_, raise := f.Decide(fv("main"), quiet, ml)
	assert.False(t, raise)
}

func TestDecide_NormalSampleResetsStreak(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Severity: core.SeverityNormal}
	anomalous := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}
	quiet := &core.AnomalyScore{Score: 0.3, IsAnomaly: false, Confidence: 0.4}

	f.Decide(fv("main"), rule, anomalous)
	f.Decide(fv("main"), rule, anomalous)
	require.Equal(t, 2, f.Streak("main"))

	f.Decide(fv("main"), rule, quiet)
	assert.Zero(t, f.Streak("main"))

	_, raise := f.Decide(fv("main"), rule, anomalous)
	assert.False(t, raise)
}

func TestDecide_StreaksAreLocationScoped(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Severity: core.SeverityNormal}
	ml := &core.AnomalyScore{Score: 0.9, IsAnomaly: true, Confidence: 0.8}

	f.Decide(fv("north"), rule, ml)
	f.Decide(fv("north"), rule, ml)
	f.Decide(fv("south"), rule, ml)

	assert.Equal(t, 2, f.Streak("north"))
	assert.Equal(t, 1, f.Streak("south"))

	f.Reset()
	assert.Zero(t, f.Streak("north"))
}

func TestDecide_BelowThresholdNeverLeak(t *testing.T) {
	f := newTestFuser()

	rule := core.RuleVerdict{Triggered: true, Probability: 35, Severity: core.SeverityLow}
	ml := &core.AnomalyScore{Score: 0.2, IsAnomaly: false, Confidence: 0.6}

	// 0.4*35 + 0.6*20 = 26, below the alert threshold.
	r, raise := f.Decide(fv("main"), rule, ml)
	assert.False(t, r.IsLeak)
	assert.False(t, raise)
}
