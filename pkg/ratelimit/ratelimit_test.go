package ratelimit

import (
	"testing"
	"time"
)

func withFixedNow(t *testing.T, ts time.Time) func() {
	t.Helper()
	orig := nowFunc
	nowFunc = func() time.Time { return ts }
	return func() { nowFunc = orig }
}

func TestAllow_WithinLimit(t *testing.T) {
	cleanup := withFixedNow(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	defer cleanup()

	l := New(10*time.Second, 3)
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatalf("request %d unexpectedly rejected", i)
		}
	}
	ok, retry := l.Allow("k")
	if ok {
		t.Fatalf("expected rejection over limit")
	}
	if retry <= 0 || retry > 10*time.Second {
		t.Fatalf("unexpected retryAfter %v", retry)
	}
}

func TestAllow_WindowRollover(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := nowFunc
	defer func() { nowFunc = orig }()

	now := base
	nowFunc = func() time.Time { return now }

	l := New(10*time.Second, 1)
	if ok, _ := l.Allow("k"); !ok {
		t.Fatalf("first request rejected")
	}
	if ok, _ := l.Allow("k"); ok {
		t.Fatalf("second request in window should be rejected")
	}
	now = base.Add(10 * time.Second)
	if ok, _ := l.Allow("k"); !ok {
		t.Fatalf("request in fresh window rejected")
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	cleanup := withFixedNow(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	defer cleanup()

	l := New(time.Minute, 1)
	if ok, _ := l.Allow("a"); !ok {
		t.Fatalf("a rejected")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Fatalf("b should not share a's window")
	}
}

func TestPrune_DropsIdleWindows(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := nowFunc
	defer func() { nowFunc = orig }()
	now := base
	nowFunc = func() time.Time { return now }

	l := New(10*time.Second, 5)
	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", l.Len())
	}
	now = base.Add(25 * time.Second)
	if removed := l.prune(now); removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty table, got %d", l.Len())
	}
}
