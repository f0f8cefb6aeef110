// Package ratelimit provides the token bucket used to bound inbound
// signaling message rates on the WebSocket endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed
// capacity. Accounting is done in nanosecond-granularity token fractions to
// avoid float drift.
type TokenBucket struct {
	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	mu        sync.Mutex
	available int64 // nano-tokens
	last      time.Time
}

const nanosPerToken = int64(time.Second)

// NewTokenBucket creates a full bucket. A nil clock uses real time; capacity
// and rate are clamped at zero.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)

	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanosPerToken
	if cost/nanosPerToken != tokens || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	capNanos := b.capacity * nanosPerToken
	// rate tokens/sec equals rate nano-tokens/ns; clamp instead of
	// overflowing when the bucket has been idle for a long time.
	if elapsed > (capNanos-b.available)/b.rate {
		b.available = capNanos
		return
	}
	b.available += elapsed * b.rate
}
