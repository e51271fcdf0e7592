// Package ringbuf provides a bounded time-indexed ring buffer of signal
// points. Each per-location signal (pressure, flow, ratio) keeps one
// buffer sized to cover the longest rule window plus a safety margin.
package ringbuf

import "time"

// Point is a single timestamped signal value.
type Point struct {
	At    time.Time
	Value float64
}

// Buffer is a fixed-capacity ring of points in insertion order. Not safe
// for concurrent use; each buffer has a single owning worker.
type Buffer struct {
	points []Point
	head   int // index of the oldest point
	size   int
}

// New creates a buffer with the given capacity. Capacity must be at least 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{points: make([]Point, capacity)}
}

// Push appends a point, overwriting the oldest when full.
func (b *Buffer) Push(p Point) {
	if b.size < len(b.points) {
		b.points[(b.head+b.size)%len(b.points)] = p
		b.size++
		return
	}
	b.points[b.head] = p
	b.head = (b.head + 1) % len(b.points)
}

// Len returns the number of retained points.
func (b *Buffer) Len() int { return b.size }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.points) }

// Last returns the most recent point, or false when empty.
func (b *Buffer) Last() (Point, bool) {
	if b.size == 0 {
		return Point{}, false
	}
	return b.points[(b.head+b.size-1)%len(b.points)], true
}

// Window returns the values of all points with At >= since, oldest first.
func (b *Buffer) Window(since time.Time) []float64 {
	var out []float64
	for i := 0; i < b.size; i++ {
		p := b.points[(b.head+i)%len(b.points)]
		if !p.At.Before(since) {
			out = append(out, p.Value)
		}
	}
	return out
}

// WindowPoints returns all points with At >= since, oldest first.
func (b *Buffer) WindowPoints(since time.Time) []Point {
	var out []Point
	for i := 0; i < b.size; i++ {
		p := b.points[(b.head+i)%len(b.points)]
		if !p.At.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

// Reset discards all points.
func (b *Buffer) Reset() {
	b.head = 0
	b.size = 0
}
