package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(limit int, window time.Duration, clock *time.Time) *Limiter {
	l := New(limit, window)
	l.now = func() time.Time { return *clock }
	return l
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := testLimiter(3, time.Minute, &clock)

	for i := 0; i < 3; i++ {
		res := l.Check("spawn:user:alice")
		if !res.Allowed {
			t.Fatalf("Check %d should be allowed", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Errorf("Check %d: expected remaining %d, got %d", i+1, 3-(i+1), res.Remaining)
		}
	}

	res := l.Check("spawn:user:alice")
	if res.Allowed {
		t.Error("Fourth check should be denied")
	}
	if res.ResetIn <= 0 {
		t.Errorf("Denied check should report positive ResetIn, got %v", res.ResetIn)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := testLimiter(1, time.Minute, &clock)

	if res := l.Check("a"); !res.Allowed {
		t.Fatal("First check for key a should be allowed")
	}
	if res := l.Check("a"); res.Allowed {
		t.Error("Second check for key a should be denied")
	}
	if res := l.Check("b"); !res.Allowed {
		t.Error("Key b should have its own budget")
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := testLimiter(1, time.Minute, &clock)

	if res := l.Check("k"); !res.Allowed {
		t.Fatal("First check should be allowed")
	}
	if res := l.Check("k"); res.Allowed {
		t.Fatal("Second check in the same window should be denied")
	}

	clock = clock.Add(time.Minute + time.Second)
	res := l.Check("k")
	if !res.Allowed {
		t.Error("Check after window expiry should open a fresh window")
	}
	if res.Remaining != 0 {
		t.Errorf("Fresh window with limit 1 should have 0 remaining, got %d", res.Remaining)
	}
}

func TestLimiter_CleanupDropsExpiredOnly(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := testLimiter(5, time.Minute, &clock)

	l.Check("old")
	clock = clock.Add(30 * time.Second)
	l.Check("fresh")

	clock = clock.Add(45 * time.Second) // "old" expired, "fresh" still live
	removed := l.Cleanup()
	if removed != 1 {
		t.Errorf("Expected 1 expired bucket removed, got %d", removed)
	}

	// "fresh" keeps its count after cleanup.
	if res := l.Check("fresh"); res.Remaining != 3 {
		t.Errorf("Expected remaining 3 for surviving bucket, got %d", res.Remaining)
	}
}
