package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_StartsFull(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("allow %d = false, bucket should start full", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("allow after exhaustion = true")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 10, 2)

	if !b.Allow(10) {
		t.Fatalf("initial drain failed")
	}
	if b.Allow(1) {
		t.Fatalf("empty bucket allowed a token")
	}

	clock.advance(500 * time.Millisecond) // 1 token at 2/sec
	if !b.Allow(1) {
		t.Fatalf("no token after partial refill")
	}
	if b.Allow(1) {
		t.Fatalf("over-refilled")
	}

	clock.advance(time.Hour)
	if !b.Allow(10) {
		t.Fatalf("long idle should clamp to full capacity")
	}
	if b.Allow(1) {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("drain failed")
	}
	clock.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("backwards time produced tokens")
	}
}

func TestTokenBucket_ZeroCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero-cost allow = false")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
}
