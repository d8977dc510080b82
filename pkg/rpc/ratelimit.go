package rpc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limit bounds per spec §4.8 step 4.
const (
	MaxInFlight     = 100
	MaxPerSecond    = 10
	MaxPerMinute    = 100
)

// minuteWindow is the TTL Redis-backed limiter keys carry; a connection
// idle for a full minute has its counters self-clean instead of
// accumulating forever.
const minuteWindow = time.Minute

// nowUnixMicro is a seam so the Redis token-bucket script's timestamp
// argument can be computed without importing "time" into ratelimit_redis.go
// twice over; it is not a correctness-relevant abstraction, just a shared
// helper.
func nowUnixMicro() int64 { return time.Now().UnixMicro() }

// Limiter is the interface Dispatcher delegates rate limiting to. Satisfied
// by both the default in-process RateLimiter and RedisRateLimiter.
type Limiter interface {
	Allow(connID string) bool
	Release(connID string)
	Disconnect(connID string)
}

// connState is one connection's three windows: an in-flight count, a
// per-second token bucket, and a log of call times in the trailing minute.
type connState struct {
	mu        sync.Mutex
	inFlight  int
	perSecond *rate.Limiter
	minuteLog []time.Time // timestamps of calls within the trailing minute
}

func newConnState(now func() time.Time) *connState {
	return &connState{
		perSecond: rate.NewLimiter(rate.Limit(MaxPerSecond), MaxPerSecond),
	}
}

// RateLimiter tracks per-connection in-flight/per-second/per-minute windows,
// adapted from the teacher's Redis token-bucket limiter
// (core/pkg/kernel/limiter_redis.go) but backed by an in-process concurrent
// map by default — the spec's three windows are per-connection, not a
// distributed token bucket, so the default backend needs no external store;
// RedisRateLimiter below offers the distributed variant for multi-process
// hosts, per SPEC_FULL.md §11.
type RateLimiter struct {
	mu    sync.Mutex
	conns map[string]*connState
	now   func() time.Time
}

// NewRateLimiter constructs an in-process RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{conns: make(map[string]*connState), now: time.Now}
}

// Allow checks and (if permitted) consumes one call slot for connID. It
// returns false if any of the three windows is exhausted; the caller count
// toward concurrent in-flight must be released via Release once the call
// completes.
func (r *RateLimiter) Allow(connID string) bool {
	cs := r.stateFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.inFlight >= MaxInFlight {
		return false
	}

	now := r.now()
	cutoff := now.Add(-time.Minute)
	kept := cs.minuteLog[:0]
	for _, t := range cs.minuteLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cs.minuteLog = kept
	if len(cs.minuteLog) >= MaxPerMinute {
		return false
	}

	if !cs.perSecond.AllowN(now, 1) {
		return false
	}

	cs.inFlight++
	cs.minuteLog = append(cs.minuteLog, now)
	return true
}

// Release decrements the in-flight counter for connID after a call
// completes (success or failure).
func (r *RateLimiter) Release(connID string) {
	cs := r.stateFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.inFlight > 0 {
		cs.inFlight--
	}
}

// Disconnect clears connID's rate-limit state entirely, per spec §4.8
// ("Disconnect removes all watches and rate-limit entries for that
// connection").
func (r *RateLimiter) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

func (r *RateLimiter) stateFor(connID string) *connState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	if !ok {
		cs = newConnState(r.now)
		r.conns[connID] = cs
	}
	return cs
}
