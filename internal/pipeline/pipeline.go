// Package pipeline is the orchestrator: it owns ingest queues, runs one
// worker per location, and threads each accepted sample through
// preprocessing, the two detectors in parallel, fusion, and alerting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/alerts"
	"github.com/hydrowatch/backend/internal/circuitbreaker"
	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/fusion"
	"github.com/hydrowatch/backend/internal/hub"
	"github.com/hydrowatch/backend/internal/isoforest"
	"github.com/hydrowatch/backend/internal/metrics"
	"github.com/hydrowatch/backend/internal/preprocess"
	"github.com/hydrowatch/backend/internal/rules"
	"github.com/hydrowatch/backend/internal/store"
)

var (
	// ErrQueueFull is returned under the drop policy when a location's
	// ingest queue is at capacity.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrStopped is returned once shutdown has begun.
	ErrStopped = errors.New("pipeline stopped")
)

// Pipeline wires the detection stages together.
type Pipeline struct {
	cfg   config.PipelineConfig
	clock clock.Clock
	met   *metrics.Metrics

	pre      *preprocess.Preprocessor
	engines  map[string]*rules.Engine // per-location rule state
	enginesM sync.Mutex
	ruleCfg  config.RuleConfig
	featCfg  config.FeatureConfig
	forest   *isoforest.Forest
	fuser    *fusion.Fuser
	alerts   *alerts.Manager
	hub      *hub.Hub
	store    store.SampleStore
	breakers *circuitbreaker.BoundaryBreakers

	mu      sync.Mutex
	queues  map[string]chan core.RawSample
	wg      sync.WaitGroup
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	logger *log.Logger
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   config.PipelineConfig
	Rules    config.RuleConfig
	Features config.FeatureConfig
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Pre      *preprocess.Preprocessor
	Forest   *isoforest.Forest
	Fuser    *fusion.Fuser
	Alerts   *alerts.Manager
	Hub      *hub.Hub
	Store    store.SampleStore
	Breakers *circuitbreaker.BoundaryBreakers
}

// New creates a pipeline ready to accept samples; workers start lazily
// per location on first Submit.
func New(opts Options) *Pipeline {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewBoundaryBreakers()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      opts.Config,
		ruleCfg:  opts.Rules,
		featCfg:  opts.Features,
		clock:    opts.Clock,
		met:      opts.Metrics,
		pre:      opts.Pre,
		engines:  make(map[string]*rules.Engine),
		forest:   opts.Forest,
		fuser:    opts.Fuser,
		alerts:   opts.Alerts,
		hub:      opts.Hub,
		store:    opts.Store,
		breakers: opts.Breakers,
		queues:   make(map[string]chan core.RawSample),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// Submit validates a sample and enqueues it for its location's worker.
// Invalid samples are rejected synchronously with *core.ValidationError.
// Under the block policy a full queue blocks the caller (bounded by
// ctx); under the drop policy it returns ErrQueueFull and counts the
// drop.
func (p *Pipeline) Submit(ctx context.Context, sample core.RawSample) error {
	if err := p.pre.Validate(sample); err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	queue := p.queue(sample.Location)
	p.mu.Unlock()

	if p.cfg.IngestPolicy == "drop" {
		select {
		case queue <- sample:
			p.noteDepth(sample.Location, queue)
			return nil
		default:
			if p.met != nil {
				p.met.SamplesDropped.WithLabelValues(sample.Location).Inc()
			}
			return ErrQueueFull
		}
	}

	select {
	case queue <- sample:
		p.noteDepth(sample.Location, queue)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// queue returns the location's ingest queue, starting its worker on
// first use. Caller holds p.mu.
func (p *Pipeline) queue(location string) chan core.RawSample {
	if q, ok := p.queues[location]; ok {
		return q
	}
	q := make(chan core.RawSample, p.cfg.IngestQueueCap)
	p.queues[location] = q

	p.wg.Add(1)
	go p.worker(location, q)
	p.logger.Printf("Worker started for location %q", location)
	return q
}

func (p *Pipeline) worker(location string, queue chan core.RawSample) {
	defer p.wg.Done()
	for sample := range queue {
		p.process(sample)
		p.noteDepth(location, queue)
	}
}

// process runs one sample through the full detection path.
func (p *Pipeline) process(sample core.RawSample) {
	fv, err := p.pre.Process(sample)
	if err != nil {
		// Rejections are counted by the preprocessor; nothing downstream
		// sees the sample.
		return
	}

	p.hub.Publish(hub.TopicSensorUpdate, fv.Sample)
	p.persistSample(&fv.Sample)

	// Rules and the forest run concurrently; fusion waits for both.
	var (
		wg      sync.WaitGroup
		verdict core.RuleVerdict
		score   *core.AnomalyScore
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		verdict = p.engine(fv.Sample.Location).Evaluate(fv)
	}()
	go func() {
		defer wg.Done()
		s, err := p.forest.Predict(fv.Map())
		if err == nil {
			score = s
		}
		// ErrModelNotReady: fusion proceeds rule-only.
	}()
	wg.Wait()

	result, raiseAlert := p.fuser.Decide(fv, verdict, score)

	if p.met != nil {
		p.met.Detections.WithLabelValues(sample.Location, result.Severity.String()).Inc()
	}
	p.hub.Publish(hub.TopicDetectionResult, result)
	p.persistDetection(result)

	if result.IsLeak && p.met != nil {
		p.met.LeakVerdicts.WithLabelValues(sample.Location).Inc()
	}
	if raiseAlert {
		p.alerts.CreateFromDetection(p.ctx, result)
	}
}

// engine returns the location's rule engine, creating it on first use.
func (p *Pipeline) engine(location string) *rules.Engine {
	p.enginesM.Lock()
	defer p.enginesM.Unlock()
	e, ok := p.engines[location]
	if !ok {
		e = rules.New(p.ruleCfg)
		p.engines[location] = e
	}
	return e
}

// SetBaseline sets the rule baseline for a location.
func (p *Pipeline) SetBaseline(location string, pressure, flow float64) {
	p.engine(location).SetBaseline(pressure, flow)
}

// Train rebuilds the anomaly model from the store's recent samples,
// using the current feature extraction on a replay preprocessor so
// training rows match scoring rows.
func (p *Pipeline) Train(ctx context.Context, locations []string, since time.Time) (*isoforest.Report, error) {
	var dataset []isoforest.Sample
	for _, location := range locations {
		samples, err := p.store.RecentSamples(ctx, location, since)
		if err != nil {
			return nil, fmt.Errorf("load training samples for %s: %w", location, err)
		}
		replay := preprocess.New(p.featCfg, p.clock, metrics.Nop())
		for i := range samples {
			fv, err := replay.Process(samples[i])
			if err != nil {
				continue
			}
			dataset = append(dataset, isoforest.Sample{Features: fv.Map()})
		}
	}
	return p.forest.Train(dataset)
}

func (p *Pipeline) persistSample(sample *core.RawSample) {
	if p.store == nil {
		return
	}
	err := p.breakers.Store.ExecuteContext(p.ctx, func(ctx context.Context) error {
		return p.store.SaveSample(ctx, sample)
	})
	if err != nil {
		p.logger.Printf("Sample persistence failed: %v", err)
	}
}

func (p *Pipeline) persistDetection(result *core.DetectionResult) {
	if p.store == nil {
		return
	}
	err := p.breakers.Store.ExecuteContext(p.ctx, func(ctx context.Context) error {
		return p.store.SaveDetection(ctx, result)
	})
	if err != nil {
		p.logger.Printf("Detection persistence failed: %v", err)
	}
}

func (p *Pipeline) noteDepth(location string, queue chan core.RawSample) {
	if p.met != nil {
		p.met.PipelineDepth.WithLabelValues(location).Set(float64(len(queue)))
	}
}

// Shutdown stops intake and drains in-flight samples, bounded by the
// configured grace period. Returns an error when the drain timed out.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	grace := time.Duration(p.cfg.ShutdownGraceMs) * time.Millisecond
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Printf("Drained cleanly")
		return nil
	case <-time.After(grace):
		p.cancel()
		return fmt.Errorf("shutdown: drain exceeded %s grace", grace)
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
