package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerMinuteWindow(t *testing.T) {
	r := NewRateLimiter()
	// Calls land 150ms apart, so the per-second bucket always has a token
	// and only the minute window can refuse one.
	start := time.Unix(0, 0)
	step := 0
	r.now = func() time.Time { return start.Add(time.Duration(step) * 150 * time.Millisecond) }
	conn := "c1"
	allowed := 0
	for i := 0; i < MaxPerMinute+5; i++ {
		step = i
		cs := r.stateFor(conn)
		cs.mu.Lock()
		cs.inFlight = 0 // simulate calls completing instantly, isolating the minute window
		cs.mu.Unlock()
		if r.Allow(conn) {
			allowed++
			r.Release(conn)
		}
	}
	assert.Equal(t, MaxPerMinute, allowed)
}

func TestRateLimiterDisconnectClearsState(t *testing.T) {
	r := NewRateLimiter()
	r.Allow("c1")
	r.Disconnect("c1")
	r.mu.Lock()
	_, exists := r.conns["c1"]
	r.mu.Unlock()
	assert.False(t, exists)
}

func TestRateLimiterInFlightCap(t *testing.T) {
	r := NewRateLimiter()
	cs := r.stateFor("c1")
	cs.mu.Lock()
	cs.inFlight = MaxInFlight
	cs.mu.Unlock()
	assert.False(t, r.Allow("c1"))

	r.Release("c1")
	assert.True(t, r.Allow("c1"))
}
