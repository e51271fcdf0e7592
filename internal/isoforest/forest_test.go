package isoforest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/metrics"
)

func trainingSet(n int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	set := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		set = append(set, Sample{
			Features: map[string]float64{
				"pressure": 50 + rng.NormFloat64()*2,
				"flow":     10 + rng.NormFloat64(),
				"ratio":    5 + rng.NormFloat64()*0.3,
			},
		})
	}
	return set
}

func newTestForest(seed int64) *Forest {
	return New(Options{NumTrees: 50, SubsampleSize: 64, Seed: seed}, metrics.Nop())
}

func TestPredict_RequiresTrainedModel(t *testing.T) {
	f := newTestForest(1)
	_, err := f.Predict(map[string]float64{"pressure": 50})
	assert.ErrorIs(t, err, core.ErrModelNotReady)
}

func TestTrain_EmptyDataset(t *testing.T) {
	f := newTestForest(1)
	_, err := f.Train(nil)
	assert.ErrorIs(t, err, core.ErrNoTrainingData)
}

func TestTrain_Deterministic(t *testing.T) {
	set := trainingSet(400, 7)
	query := map[string]float64{"pressure": 20, "flow": 40, "ratio": 0.5}

	a := newTestForest(42)
	_, err := a.Train(set)
	require.NoError(t, err)
	scoreA, err := a.Predict(query)
	require.NoError(t, err)

	b := newTestForest(42)
	_, err = b.Train(set)
	require.NoError(t, err)
	scoreB, err := b.Predict(query)
	require.NoError(t, err)

	assert.Equal(t, scoreA.Score, scoreB.Score)
}

func TestPredict_OutlierScoresHigher(t *testing.T) {
	f := newTestForest(42)
	_, err := f.Train(trainingSet(400, 7))
	require.NoError(t, err)

	normal, err := f.Predict(map[string]float64{"pressure": 50, "flow": 10, "ratio": 5})
	require.NoError(t, err)
	outlier, err := f.Predict(map[string]float64{"pressure": 10, "flow": 60, "ratio": 0.2})
	require.NoError(t, err)

	assert.Greater(t, outlier.Score, normal.Score)
	assert.True(t, outlier.IsAnomaly)
	assert.InDelta(t, (outlier.Score-0.5)*2, outlier.Confidence, 1e-12)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	f := newTestForest(42)
	_, err := f.Train(trainingSet(400, 7))
	require.NoError(t, err)

	query := map[string]float64{"pressure": 30, "flow": 25, "ratio": 1.2}
	before, err := f.Predict(query)
	require.NoError(t, err)

	blob, err := f.Save()
	require.NoError(t, err)

	restored := newTestForest(0)
	require.NoError(t, restored.Load(blob))
	after, err := restored.Predict(query)
	require.NoError(t, err)

	assert.InDelta(t, before.Score, after.Score, 1e-12)
	assert.Equal(t, before.IsAnomaly, after.IsAnomaly)
}

func TestLoad_RejectsBadSnapshots(t *testing.T) {
	f := newTestForest(1)

	assert.Error(t, f.Load([]byte(`{`)))
	assert.Error(t, f.Load([]byte(`{"version":99}`)))
	assert.Error(t, f.Load([]byte(`{"version":1,"features":[],"trees":[]}`)))
	assert.False(t, f.Trained())
}

func TestPredict_ImputesMissingFeatures(t *testing.T) {
	f := newTestForest(42)
	_, err := f.Train(trainingSet(400, 7))
	require.NoError(t, err)

	// Only one of three schema features supplied; the rest impute to the
	// normalized mean and the prediction still succeeds.
	score, err := f.Predict(map[string]float64{"pressure": 50})
	require.NoError(t, err)
	assert.False(t, score.IsAnomaly)
}

func TestReset_DiscardsModel(t *testing.T) {
	f := newTestForest(42)
	_, err := f.Train(trainingSet(100, 3))
	require.NoError(t, err)
	require.True(t, f.Trained())

	f.Reset()
	assert.False(t, f.Trained())

	_, err = f.Predict(map[string]float64{"pressure": 50})
	assert.ErrorIs(t, err, core.ErrModelNotReady)
}
