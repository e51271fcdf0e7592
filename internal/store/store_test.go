package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/core"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func sampleAt(location string, at time.Time) *core.RawSample {
	return &core.RawSample{
		ID:        "s-1",
		Timestamp: at,
		Pressure:  50,
		Flow:      10,
		Location:  location,
	}
}

func TestMemory_RecentSamplesSinceFilter(t *testing.T) {
	m := NewMemory(100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveSample(ctx, sampleAt("main", t0.Add(time.Duration(i)*time.Minute))))
	}

	got, err := m.RecentSamples(ctx, "main", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Before(got[2].Timestamp)) // oldest first
}

func TestMemory_RetentionCap(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveSample(ctx, sampleAt("main", t0.Add(time.Duration(i)*time.Second))))
	}

	got, err := m.RecentSamples(ctx, "main", time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	// Oldest two were evicted.
	assert.Equal(t, t0.Add(2*time.Second), got[0].Timestamp)
}

func TestMemory_LocationsAreIsolated(t *testing.T) {
	m := NewMemory(100)
	ctx := context.Background()

	require.NoError(t, m.SaveSample(ctx, sampleAt("north", t0)))
	require.NoError(t, m.SaveSample(ctx, sampleAt("south", t0)))

	north, err := m.RecentSamples(ctx, "north", time.Time{})
	require.NoError(t, err)
	assert.Len(t, north, 1)
}

func TestMemory_RecentDetectionsNewestFirst(t *testing.T) {
	m := NewMemory(100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		result := &core.DetectionResult{
			ID:        string(rune('a' + i)),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Sample:    *sampleAt("main", t0.Add(time.Duration(i)*time.Second)),
		}
		require.NoError(t, m.SaveDetection(ctx, result))
	}

	got, err := m.RecentDetections(ctx, "main", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}
