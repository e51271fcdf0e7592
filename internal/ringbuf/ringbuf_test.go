package ringbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_PushAndOverwrite(t *testing.T) {
	b := New(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.Push(Point{At: base.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}

	assert.Equal(t, 3, b.Len())

	// Oldest two were overwritten
	vals := b.Window(base)
	assert.Equal(t, []float64{2, 3, 4}, vals)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Value)
}

func TestBuffer_WindowFiltersByTime(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		b.Push(Point{At: base.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}

	vals := b.Window(base.Add(7 * time.Second))
	assert.Equal(t, []float64{7, 8, 9}, vals)

	pts := b.WindowPoints(base.Add(8 * time.Second))
	require.Len(t, pts, 2)
	assert.Equal(t, 8.0, pts[0].Value)
}

func TestBuffer_Empty(t *testing.T) {
	b := New(4)

	_, ok := b.Last()
	assert.False(t, ok)
	assert.Empty(t, b.Window(time.Time{}))

	b.Push(Point{At: time.Now(), Value: 1})
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
