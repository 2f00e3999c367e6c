package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 10)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		allowed, _, err := limiter.Admit("client-a")
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, retryAfter, err := limiter.Admit("client-a")
	if err != nil {
		t.Fatalf("Admit 11: %v", err)
	}
	if allowed {
		t.Fatal("11th request allowed, want denied")
	}
	if retryAfter != time.Minute {
		t.Fatalf("retryAfter = %v, want %v", retryAfter, time.Minute)
	}
}

func TestSlidingWindowRetryHintIsFullWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 2)
	limiter.now = func() time.Time { return now }

	limiter.Admit("client-a")
	now = now.Add(50 * time.Second)
	limiter.Admit("client-a")

	// Even with the oldest request 10s from expiring, the hint stays the
	// whole window.
	_, retryAfter, _ := limiter.Admit("client-a")
	if retryAfter != time.Minute {
		t.Fatalf("retryAfter = %v, want %v", retryAfter, time.Minute)
	}
}

func TestSlidingWindowIsolatesClients(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 2)
	limiter.now = func() time.Time { return now }

	limiter.Admit("client-a")
	limiter.Admit("client-a")

	allowed, _, _ := limiter.Admit("client-a")
	if allowed {
		t.Fatal("client-a over limit, want denied")
	}
	allowed, _, _ = limiter.Admit("client-b")
	if !allowed {
		t.Fatal("client-b denied, want allowed")
	}
}

func TestSlidingWindowExpiresOldRequests(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 2)
	limiter.now = func() time.Time { return now }

	limiter.Admit("client-a")
	limiter.Admit("client-a")
	if allowed, _, _ := limiter.Admit("client-a"); allowed {
		t.Fatal("third request allowed inside window")
	}

	now = now.Add(61 * time.Second)
	allowed, _, _ := limiter.Admit("client-a")
	if !allowed {
		t.Fatal("request denied after window elapsed")
	}
}

func TestSlidingWindowSweepsIdleClients(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 10)
	limiter.now = func() time.Time { return now }

	limiter.Admit("one-off")
	if len(limiter.buckets) != 1 {
		t.Fatalf("buckets = %d, want 1", len(limiter.buckets))
	}

	now = now.Add(3 * time.Minute)
	limiter.Admit("regular")
	if _, exists := limiter.buckets["one-off"]; exists {
		t.Fatal("idle client not swept after two windows")
	}
}

func TestSlidingWindowEmptyClientID(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindow(time.Minute, 1)
	limiter.now = func() time.Time { return now }

	if allowed, _, _ := limiter.Admit(""); !allowed {
		t.Fatal("first anonymous request denied")
	}
	// Anonymous callers share the "unknown" bucket.
	if allowed, _, _ := limiter.Admit("unknown"); allowed {
		t.Fatal("second anonymous request allowed, want shared bucket denial")
	}
}
