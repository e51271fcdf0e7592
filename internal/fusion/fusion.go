// Package fusion combines the rule verdict and the isolation forest score
// into a single detection result, with per-location hysteresis so a lone
// ML blip never raises an alert on its own.
package fusion

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
)

// Weighting of the two detector paths. The rule path is deterministic and
// explainable, so it keeps a meaningful share even though the forest sees
// more features.
const (
	ruleWeight = 0.4
	mlWeight   = 0.6
)

// Confidence contribution of the rule path: rules are either confidently
// firing or confidently quiet.
const (
	ruleConfidenceFired = 80.0
	ruleConfidenceQuiet = 20.0
)

// Fuser produces detection results. Safe for concurrent use.
type Fuser struct {
	cfg config.FusionConfig

	mu            sync.Mutex
	mlConsecutive map[string]int // per-location anomaly streak
}

// New creates a fuser.
func New(cfg config.FusionConfig) *Fuser {
	return &Fuser{
		cfg:           cfg,
		mlConsecutive: make(map[string]int),
	}
}

// Decide fuses the rule verdict with the ML score. ml may be nil (model
// not trained); the verdict is then rule-only at full weight.
//
// The returned DetectionResult carries the pure threshold verdict
// (IsLeak = probability at or above the alert threshold); the second
// return value is the alert decision, which additionally applies
// per-location hysteresis to ML-only leaks.
func (f *Fuser) Decide(fv *core.FeatureVector, rule core.RuleVerdict, ml *core.AnomalyScore) (*core.DetectionResult, bool) {
	result := &core.DetectionResult{
		ID:        fmt.Sprintf("det-%s", uuid.NewString()),
		Timestamp: fv.Sample.Timestamp,
		Sample:    fv.Sample,
		Features:  fv,
		Rule:      rule,
		ML:        ml,
		Severity:  rule.Severity,
	}

	if ml == nil {
		result.Probability = rule.Probability
		result.Confidence = f.ruleConfidence(rule)
	} else {
		result.Probability = ruleWeight*rule.Probability + mlWeight*(ml.Score*100)
		result.Confidence = (f.ruleConfidence(rule) + ml.Confidence*100) / 2
	}

	// An anomalous sample with no rule firing still deserves attention.
	if ml != nil && ml.IsAnomaly && result.Severity == core.SeverityNormal {
		result.Severity = core.SeverityMedium
	}

	result.IsLeak = result.Probability >= f.cfg.AlertThreshold

	streak := f.updateStreak(fv.Sample.Location, rule, ml)

	raiseAlert := false
	if result.IsLeak {
		if rule.Triggered {
			// Rule firings are deterministic; no hysteresis applies.
			raiseAlert = true
		} else if streak >= f.cfg.HysteresisConsecutive {
			raiseAlert = true
		}
	}

	return result, raiseAlert
}

// Reset clears all hysteresis streaks.
func (f *Fuser) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mlConsecutive = make(map[string]int)
}

func (f *Fuser) ruleConfidence(rule core.RuleVerdict) float64 {
	if rule.Triggered {
		return ruleConfidenceFired
	}
	return ruleConfidenceQuiet
}

// updateStreak advances the per-location consecutive anomaly counter and
// returns its new value. The counter tracks ML-only anomalies: a rule
// firing or a non-anomalous sample resets it.
func (f *Fuser) updateStreak(location string, rule core.RuleVerdict, ml *core.AnomalyScore) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ml != nil && ml.IsAnomaly && !rule.Triggered {
		f.mlConsecutive[location]++
	} else {
		delete(f.mlConsecutive, location)
	}
	return f.mlConsecutive[location]
}

// Streak reports the current anomaly streak for a location.
func (f *Fuser) Streak(location string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mlConsecutive[location]
}
