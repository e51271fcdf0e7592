// Package store persists samples and detection results for later model
// training and dashboard history. The pipeline depends only on the
// SampleStore interface; Redis and Postgres adapters live alongside the
// in-memory default.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/core"
)

// SampleStore is the persistence boundary for samples and detections.
type SampleStore interface {
	SaveSample(ctx context.Context, sample *core.RawSample) error
	// RecentSamples returns samples at location with Timestamp >= since,
	// oldest first.
	RecentSamples(ctx context.Context, location string, since time.Time) ([]core.RawSample, error)
	SaveDetection(ctx context.Context, result *core.DetectionResult) error
	// RecentDetections returns the newest detections at location, newest
	// first, capped at limit.
	RecentDetections(ctx context.Context, location string, limit int) ([]core.DetectionResult, error)
	Close() error
}

// Memory is the in-process store. Retention is by count per location.
type Memory struct {
	retention int

	mu         sync.RWMutex
	samples    map[string][]core.RawSample
	detections map[string][]core.DetectionResult
}

// NewMemory creates an in-memory store keeping up to retention entries
// per location per kind.
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = 10000
	}
	return &Memory{
		retention:  retention,
		samples:    make(map[string][]core.RawSample),
		detections: make(map[string][]core.DetectionResult),
	}
}

func (m *Memory) SaveSample(_ context.Context, sample *core.RawSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.samples[sample.Location], *sample)
	if len(list) > m.retention {
		list = list[len(list)-m.retention:]
	}
	m.samples[sample.Location] = list
	return nil
}

func (m *Memory) RecentSamples(_ context.Context, location string, since time.Time) ([]core.RawSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.RawSample
	for _, s := range m.samples[location] {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) SaveDetection(_ context.Context, result *core.DetectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	location := result.Sample.Location
	list := append(m.detections[location], *result)
	if len(list) > m.retention {
		list = list[len(list)-m.retention:]
	}
	m.detections[location] = list
	return nil
}

func (m *Memory) RecentDetections(_ context.Context, location string, limit int) ([]core.DetectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.detections[location]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}

	out := make([]core.DetectionResult, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
