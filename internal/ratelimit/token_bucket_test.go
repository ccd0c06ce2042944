package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 50, 50)

	for i := 0; i < 50; i++ {
		if !b.Allow(1) {
			t.Fatalf("message %d rejected inside burst", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty after burst")
	}

	clk.Advance(20 * time.Millisecond) // 1 token at 50/sec.
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one refilled token")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if got := b.Available(); got != 1 {
		t.Fatalf("Available=%d, want 1", got)
	}
	if !b.Allow(1) || b.Allow(1) {
		t.Fatalf("expected capacity clamp at 1 token")
	}
}

func TestTokenBucket_ClockBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 2)
	b.Allow(2)

	clk.Advance(-time.Hour)
	if b.Allow(1) {
		t.Fatalf("expected no refill when the clock moves backwards")
	}
	clk.Advance(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected refill relative to the new reference point")
	}
}

func TestTokenBucket_ZeroValues(t *testing.T) {
	b := NewTokenBucket(&fakeClock{}, 0, 10)
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
	if !b.Allow(0) {
		t.Fatalf("Allow(0) should always succeed")
	}
}
