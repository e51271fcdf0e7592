package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllow_WithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxSamplesPerMinute: 5, BurstSize: 10})

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("sensor-1"))
	}
}

func TestAllow_BlocksAboveLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxSamplesPerMinute: 3, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rl.Allow("sensor-1")
	}
	assert.False(t, rl.Allow("sensor-1"))

	// Other sensors keep their own window.
	assert.True(t, rl.Allow("sensor-2"))
}

func TestMiddleware_Returns429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxSamplesPerMinute: 1, BurstSize: 2})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	var last int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("POST", "/api/v1/samples", nil)
		req.Header.Set("X-Sensor-ID", "sensor-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
