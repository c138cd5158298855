package proxy

import (
	"testing"
	"time"
)

func TestLimiter_FixedWindow(t *testing.T) {
	l := newLimiter()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.5", 3, time.Minute) {
			t.Fatalf("request %d should be within budget", i+1)
		}
	}
	if l.allow("10.0.0.5", 3, time.Minute) {
		t.Fatal("request 4 should exceed the window budget")
	}

	// A different client has its own bucket.
	if !l.allow("10.0.0.6", 3, time.Minute) {
		t.Error("other client should not share the exhausted bucket")
	}

	// The bucket resets at the window boundary, not gradually.
	clock = clock.Add(59 * time.Second)
	if l.allow("10.0.0.5", 3, time.Minute) {
		t.Error("budget must stay exhausted inside the window")
	}
	clock = clock.Add(time.Second)
	if !l.allow("10.0.0.5", 3, time.Minute) {
		t.Error("budget must reset once the window elapses")
	}
}

func TestLimiter_UnlimitedAndReset(t *testing.T) {
	l := newLimiter()
	for i := 0; i < 100; i++ {
		if !l.allow("c", 0, time.Minute) {
			t.Fatal("max 0 means unlimited")
		}
	}

	if !l.allow("c", 1, time.Minute) {
		t.Fatal("first limited request should pass")
	}
	if l.allow("c", 1, time.Minute) {
		t.Fatal("second should be limited")
	}
	l.reset()
	if !l.allow("c", 1, time.Minute) {
		t.Error("reset should clear buckets")
	}
}
