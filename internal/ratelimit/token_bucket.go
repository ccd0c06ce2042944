package ratelimit

import (
	"sync"
	"time"
)

// nanoTokens per whole token; a rate of N tokens/sec adds N nanoTokens per
// nanosecond.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a fixed-point token bucket refilled at an integer rate.
//
// The signaling transport keeps one per connection to cap inbound messages
// per second. A bucket with zero capacity or rate never allows anything.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nanoTokens
	rate     int64 // tokens/sec

	available int64 // nanoTokens
	last      time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(capacityTokens, 0))
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(tokensPerSecond, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Available returns the whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.available / nanoPerToken
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that went backwards just moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.available >= b.capacity {
		return
	}

	missing := b.capacity - b.available
	// elapsed*rate may overflow; anything at or beyond the time needed to
	// fill up clamps to capacity.
	if fill := missing / b.rate; fill == 0 || elapsed.Nanoseconds() >= fill {
		b.available = b.capacity
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
