// Package preprocess validates raw sensor samples and enriches them with
// engineered features: rates of change, windowed statistics, spike flags,
// time-of-day fields, and a data quality score.
package preprocess

import (
	"log"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/metrics"
	"github.com/hydrowatch/backend/internal/ringbuf"
)

// bufferCap covers the longest rule window (300s) at 1Hz with margin.
const bufferCap = 360

// minWindowSamples is the minimum window population for moving statistics.
const minWindowSamples = 3

// Plausible ranges for optional readings; out-of-range values are kept
// but penalized in the quality score.
const (
	tempMin = -20.0
	tempMax = 80.0
	condMin = 0.0
	condMax = 2000.0
)

// locationState is the per-location sliding history. Each location is
// owned by a single ingest worker, so the state itself is unlocked.
type locationState struct {
	pressure *ringbuf.Buffer
	flow     *ringbuf.Buffer

	hasLast      bool
	lastAccepted time.Time
	lastPressure float64
	lastFlow     float64
}

// Preprocessor implements the feature-extraction stage.
type Preprocessor struct {
	cfg   config.FeatureConfig
	clock clock.Clock
	met   *metrics.Metrics

	mu        sync.RWMutex
	locations map[string]*locationState

	logger *log.Logger
}

// New creates a preprocessor.
func New(cfg config.FeatureConfig, clk clock.Clock, met *metrics.Metrics) *Preprocessor {
	return &Preprocessor{
		cfg:       cfg,
		clock:     clk,
		met:       met,
		locations: make(map[string]*locationState),
		logger:    log.New(log.Writer(), "[Preprocess] ", log.LstdFlags),
	}
}

// Process validates a sample and computes its feature vector. Validation
// failures are returned as *core.ValidationError and counted; no sample
// is dropped silently.
func (p *Preprocessor) Process(sample core.RawSample) (*core.FeatureVector, error) {
	location := sample.Location
	qualityPenalty := 0.0

	// Missing timestamp: substitute current time with a quality penalty.
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.clock.Now()
		qualityPenalty += 0.1
	}

	if err := p.validate(&sample); err != nil {
		p.met.SamplesRejected.WithLabelValues(location, err.Field).Inc()
		return nil, err
	}

	state := p.state(location)

	// Timestamps must be non-decreasing per location.
	if state.hasLast && sample.Timestamp.Before(state.lastAccepted) {
		p.met.SamplesRejected.WithLabelValues(location, "timestamp").Inc()
		return nil, &core.ValidationError{Field: "timestamp", Reason: "older than last accepted sample"}
	}

	if sample.Location == "" {
		qualityPenalty += 0.1
	}
	if sample.ValveState == core.ValveUnknown || sample.ValveState == "" {
		qualityPenalty += 0.1
	}
	if sample.Temperature != nil && (*sample.Temperature < tempMin || *sample.Temperature > tempMax) {
		qualityPenalty += 0.2
	}
	if sample.Conductivity != nil && (*sample.Conductivity < condMin || *sample.Conductivity > condMax) {
		qualityPenalty += 0.2
	}

	fv := p.extract(state, sample)
	fv.DataQualityScore = clamp01(1.0 - qualityPenalty)

	// Commit the sample to the history only after it is accepted.
	state.pressure.Push(ringbuf.Point{At: sample.Timestamp, Value: sample.Pressure})
	state.flow.Push(ringbuf.Point{At: sample.Timestamp, Value: sample.Flow})
	state.hasLast = true
	state.lastAccepted = sample.Timestamp
	state.lastPressure = sample.Pressure
	state.lastFlow = sample.Flow

	p.met.SamplesAccepted.WithLabelValues(location).Inc()
	return fv, nil
}

// Validate runs the stateless range checks so submit callers can reject
// a bad sample synchronously. History is untouched; the rejection is
// counted here, and Process never sees the sample.
func (p *Preprocessor) Validate(sample core.RawSample) error {
	if err := p.validate(&sample); err != nil {
		p.met.SamplesRejected.WithLabelValues(sample.Location, err.Field).Inc()
		return err
	}
	return nil
}

// Reset discards all per-location history.
func (p *Preprocessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = make(map[string]*locationState)
}

func (p *Preprocessor) validate(sample *core.RawSample) *core.ValidationError {
	if math.IsNaN(sample.Pressure) || math.IsInf(sample.Pressure, 0) {
		return &core.ValidationError{Field: "pressure", Reason: "is not a finite number"}
	}
	if math.IsNaN(sample.Flow) || math.IsInf(sample.Flow, 0) {
		return &core.ValidationError{Field: "flow", Reason: "is not a finite number"}
	}
	if sample.Pressure < core.PressureMin || sample.Pressure > core.PressureMax {
		return &core.ValidationError{Field: "pressure", Reason: "out of range [0,100] PSI"}
	}
	if sample.Flow < core.FlowMin || sample.Flow > core.FlowMax {
		return &core.ValidationError{Field: "flow", Reason: "out of range [0,150] L/min"}
	}
	return nil
}

func (p *Preprocessor) extract(state *locationState, sample core.RawSample) *core.FeatureVector {
	fv := &core.FeatureVector{Sample: sample}

	// Rate of change against the previous accepted sample.
	if state.hasLast {
		dt := sample.Timestamp.Sub(state.lastAccepted).Seconds()
		if dt > 0 {
			fv.PressureRate = (sample.Pressure - state.lastPressure) / dt
			fv.FlowRate = (sample.Flow - state.lastFlow) / dt
		}
	}

	now := sample.Timestamp
	maSince := now.Add(-time.Duration(p.cfg.MAWindowSec) * time.Second)
	stdSince := now.Add(-time.Duration(p.cfg.StdWindowSec) * time.Second)

	// Windows include the current sample.
	pMA := append(state.pressure.Window(maSince), sample.Pressure)
	fMA := append(state.flow.Window(maSince), sample.Flow)
	pStd := append(state.pressure.Window(stdSince), sample.Pressure)
	fStd := append(state.flow.Window(stdSince), sample.Flow)

	if len(pMA) >= minWindowSamples {
		m := stat.Mean(pMA, nil)
		fv.PressureMA = &m
	}
	if len(fMA) >= minWindowSamples {
		m := stat.Mean(fMA, nil)
		fv.FlowMA = &m
	}
	if len(pStd) >= minWindowSamples {
		sd := stat.PopStdDev(pStd, nil)
		fv.PressureStd = &sd
		fv.PressureSpike = isSpike(sample.Pressure, pStd, sd, p.cfg.SpikeZ)
	}
	if len(fStd) >= minWindowSamples {
		sd := stat.PopStdDev(fStd, nil)
		fv.FlowStd = &sd
		fv.FlowSpike = isSpike(sample.Flow, fStd, sd, p.cfg.SpikeZ)
	}

	if sample.Flow >= 0.1 {
		fv.PressureFlowRatio = sample.Pressure / sample.Flow
	}

	utc := sample.Timestamp.UTC()
	fv.Hour = utc.Hour()
	fv.DayOfWeek = int(utc.Weekday())
	fv.Weekend = utc.Weekday() == time.Saturday || utc.Weekday() == time.Sunday

	return fv
}

// isSpike reports |value - mean| / sigma > z with sigma > 0 over the
// 60s window.
func isSpike(value float64, window []float64, sigma, z float64) bool {
	if sigma <= 0 {
		return false
	}
	mean := stat.Mean(window, nil)
	return math.Abs(value-mean)/sigma > z
}

func (p *Preprocessor) state(location string) *locationState {
	p.mu.RLock()
	state, ok := p.locations[location]
	p.mu.RUnlock()
	if ok {
		return state
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok = p.locations[location]; ok {
		return state
	}
	state = &locationState{
		pressure: ringbuf.New(bufferCap),
		flow:     ringbuf.New(bufferCap),
	}
	p.locations[location] = state
	return state
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
