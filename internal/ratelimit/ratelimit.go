// Package ratelimit provides the token bucket the transports use to bound
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed
// capacity. Fixed-point nano-token accounting avoids float drift.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

const nanosPerToken = int64(time.Second)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity * nanosPerToken,
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

	now := b.clock.Now()
	if elapsed := now.Sub(b.last); elapsed > 0 && b.rate > 0 {
		// rate tokens/sec equals rate nano-tokens per nanosecond. If enough
		// time passed to fill the bucket outright, clamp instead of
		// multiplying (avoids overflow after long idle).
		n := elapsed.Nanoseconds()
		if n >= b.capacity/b.rate {
			b.available = b.capacity
		} else {
			b.available += n * b.rate
			if b.available > b.capacity {
				b.available = b.capacity
			}
		}
	}
	b.last = now

	cost := tokens * nanosPerToken
	if cost/nanosPerToken != tokens || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}
