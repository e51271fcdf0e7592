// Package isoforest implements the unsupervised anomaly detector: an
// Isolation Forest trained on z-score-normalized feature vectors.
//
// Scoring is read-mostly: a trained model is immutable and swapped in
// atomically, so the hot path only takes a read lock.
package isoforest

import (
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/metrics"
)

// eulerMascheroni is the γ constant in the average path length formula.
const eulerMascheroni = 0.5772156649

// Options are the forest hyperparameters.
type Options struct {
	NumTrees      int   // default 100
	SubsampleSize int   // default 256
	Seed          int64 // 0 = time-seeded
}

// Sample is one labeled training row. The label is used only for the
// post-training report, never for tree construction.
type Sample struct {
	Features map[string]float64
	Anomaly  bool
}

// Report summarizes a training run against its own labels.
type Report struct {
	Samples      int           `json:"samples"`
	Anomalies    int           `json:"anomalies"`
	Recall       float64       `json:"recall"`        // labeled anomalies scored anomalous
	FalsePosRate float64       `json:"false_pos_rate"` // labeled normals scored anomalous
	Duration     time.Duration `json:"duration"`
}

// model is the frozen result of one training run.
type model struct {
	Features      []string
	Mu            map[string]float64
	Sigma         map[string]float64
	NumTrees      int
	SubsampleSize int
	Trees         []*node
}

// Forest trains and scores isolation forest models.
type Forest struct {
	opts Options
	met  *metrics.Metrics

	mu    sync.RWMutex
	model *model

	logger *log.Logger
}

// New creates an untrained forest.
func New(opts Options, met *metrics.Metrics) *Forest {
	if opts.NumTrees <= 0 {
		opts.NumTrees = 100
	}
	if opts.SubsampleSize <= 0 {
		opts.SubsampleSize = 256
	}
	return &Forest{
		opts:   opts,
		met:    met,
		logger: log.New(log.Writer(), "[IsoForest] ", log.LstdFlags),
	}
}

// Trained reports whether a model is available for scoring.
func (f *Forest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model != nil
}

// Reset discards the trained model.
func (f *Forest) Reset() {
	f.mu.Lock()
	f.model = nil
	f.mu.Unlock()
}

// Train builds a forest from the dataset and swaps it in atomically.
// Scoring blocks only for the duration of the swap.
func (f *Forest) Train(dataset []Sample) (*Report, error) {
	if len(dataset) == 0 {
		return nil, core.ErrNoTrainingData
	}
	start := time.Now()

	seed := f.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// Feature schema: sorted union of all training features, so training
	// is deterministic for a fixed seed regardless of map order.
	featureSet := make(map[string]struct{})
	for _, s := range dataset {
		for name := range s.Features {
			featureSet[name] = struct{}{}
		}
	}
	features := make([]string, 0, len(featureSet))
	for name := range featureSet {
		features = append(features, name)
	}
	sort.Strings(features)

	mu, sigma := normalizationParams(dataset, features)

	// Normalize every row once up front.
	rows := make([][]float64, len(dataset))
	for i, s := range dataset {
		rows[i] = normalizeRow(s.Features, features, mu, sigma, nil)
	}

	m := &model{
		Features:      features,
		Mu:            mu,
		Sigma:         sigma,
		NumTrees:      f.opts.NumTrees,
		SubsampleSize: f.opts.SubsampleSize,
		Trees:         make([]*node, f.opts.NumTrees),
	}

	for t := 0; t < f.opts.NumTrees; t++ {
		// Subsample with replacement.
		sub := make([][]float64, m.SubsampleSize)
		for i := range sub {
			sub[i] = rows[rng.Intn(len(rows))]
		}
		m.Trees[t] = buildTree(sub, len(features), rng)
	}

	f.mu.Lock()
	f.model = m
	f.mu.Unlock()

	report := f.report(dataset, start)
	f.logger.Printf("Trained: samples=%d features=%d trees=%d recall=%.2f",
		report.Samples, len(features), m.NumTrees, report.Recall)
	return report, nil
}

// Predict scores a feature row against the trained model. Returns
// core.ErrModelNotReady when no model has been trained or loaded.
func (f *Forest) Predict(features map[string]float64) (*core.AnomalyScore, error) {
	f.mu.RLock()
	m := f.model
	f.mu.RUnlock()

	if m == nil {
		return nil, core.ErrModelNotReady
	}

	start := time.Now()
	imputed := 0
	row := normalizeRow(features, m.Features, m.Mu, m.Sigma, &imputed)
	if imputed > 0 && f.met != nil {
		f.met.FeaturesImputed.Add(float64(imputed))
	}

	total := 0.0
	for _, tree := range m.Trees {
		total += pathLength(tree, row)
	}
	avgPath := total / float64(len(m.Trees))

	score := math.Pow(2, -avgPath/avgPathLength(m.SubsampleSize))
	result := &core.AnomalyScore{
		Score:      score,
		IsAnomaly:  score > 0.5,
		Confidence: math.Abs(score-0.5) * 2,
	}

	if f.met != nil {
		f.met.ScoreLatency.Observe(time.Since(start).Seconds())
	}
	return result, nil
}

func (f *Forest) report(dataset []Sample, start time.Time) *Report {
	report := &Report{Samples: len(dataset)}
	anomalousHits, normalHits := 0, 0
	for _, s := range dataset {
		score, err := f.Predict(s.Features)
		if err != nil {
			continue
		}
		if s.Anomaly {
			report.Anomalies++
			if score.IsAnomaly {
				anomalousHits++
			}
		} else if score.IsAnomaly {
			normalHits++
		}
	}
	if report.Anomalies > 0 {
		report.Recall = float64(anomalousHits) / float64(report.Anomalies)
	}
	if normals := report.Samples - report.Anomalies; normals > 0 {
		report.FalsePosRate = float64(normalHits) / float64(normals)
	}
	report.Duration = time.Since(start)
	return report
}

// normalizationParams computes per-feature mean and population standard
// deviation over the dataset.
func normalizationParams(dataset []Sample, features []string) (mu, sigma map[string]float64) {
	mu = make(map[string]float64, len(features))
	sigma = make(map[string]float64, len(features))
	n := float64(len(dataset))

	for _, name := range features {
		sum := 0.0
		for _, s := range dataset {
			sum += s.Features[name]
		}
		mean := sum / n

		varSum := 0.0
		for _, s := range dataset {
			d := s.Features[name] - mean
			varSum += d * d
		}
		mu[name] = mean
		sigma[name] = math.Sqrt(varSum / n)
	}
	return mu, sigma
}

// normalizeRow z-scores a feature map against the schema. Features absent
// from the row — or with zero training variance — normalize to 0; absent
// ones are counted into imputed when non-nil.
func normalizeRow(raw map[string]float64, features []string, mu, sigma map[string]float64, imputed *int) []float64 {
	row := make([]float64, len(features))
	for i, name := range features {
		value, ok := raw[name]
		if !ok {
			if imputed != nil {
				*imputed++
			}
			continue // normalized zero
		}
		if sd := sigma[name]; sd > 0 {
			row[i] = (value - mu[name]) / sd
		}
	}
	return row
}

// buildTree grows one isolation tree over the (already normalized)
// subsample. Depth is unbounded; recursion stops on singleton or
// constant partitions.
func buildTree(rows [][]float64, numFeatures int, rng *rand.Rand) *node {
	if len(rows) <= 1 {
		return &node{Leaf: true, Size: len(rows)}
	}

	feature := rng.Intn(numFeatures)
	minVal, maxVal := rows[0][feature], rows[0][feature]
	for _, r := range rows[1:] {
		if r[feature] < minVal {
			minVal = r[feature]
		}
		if r[feature] > maxVal {
			maxVal = r[feature]
		}
	}
	if minVal == maxVal {
		return &node{Leaf: true, Size: len(rows)}
	}

	split := minVal + rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &node{
		Feature: feature,
		Split:   split,
		Left:    buildTree(left, numFeatures, rng),
		Right:   buildTree(right, numFeatures, rng),
	}
}

// pathLength walks a row down a tree, returning edges traversed plus the
// average path adjustment for the terminal leaf size.
func pathLength(n *node, row []float64) float64 {
	edges := 0.0
	for !n.Leaf {
		if row[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		edges++
	}
	return edges + avgPathLength(n.Size)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}
