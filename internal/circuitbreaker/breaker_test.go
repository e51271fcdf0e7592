package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripAfter(n uint32) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= n
		},
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(tripAfter(3))

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	cb := New(tripAfter(3))

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	require.NoError(t, cb.Execute(func() error { return nil }))
	cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(tripAfter(1))

	cb.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(25 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive successes close the breaker.
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(tripAfter(1))

	cb.Execute(func() error { return errBoom })
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestManager_GetIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("notify")
	b := m.Get("notify")
	assert.Same(t, a, b)

	stats := m.Stats()
	require.Contains(t, stats, "notify")
	assert.Equal(t, "CLOSED", stats["notify"].State)
}

func TestBoundaryBreakers_Health(t *testing.T) {
	b := NewBoundaryBreakers()
	require.True(t, b.Healthy())

	// Two consecutive actuator failures trip the valve breaker.
	b.Valve.Execute(func() error { return errBoom })
	b.Valve.Execute(func() error { return errBoom })

	assert.False(t, b.Healthy())
	assert.Equal(t, StateOpen, b.Valve.State())
}
