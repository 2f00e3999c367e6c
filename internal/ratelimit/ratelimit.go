// Package ratelimit admits or rejects client requests against a fixed
// per-client window.
package ratelimit

import (
	"sync"
	"time"
)

// Admitter decides whether a client may proceed. When the answer is no,
// retryAfter says how long the client should wait before trying again.
type Admitter interface {
	Admit(clientID string) (allowed bool, retryAfter time.Duration, err error)
}

const (
	// DefaultWindow and DefaultLimit allow ten requests per rolling
	// minute.
	DefaultWindow = time.Minute
	DefaultLimit  = 10
)

// SlidingWindow is an in-process Admitter. Each client keeps the
// timestamps of its requests inside the window; stale buckets are swept
// opportunistically on each call.
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow returns a limiter allowing limit requests per window.
// Non-positive arguments fall back to the defaults.
func NewSlidingWindow(window time.Duration, limit int) *SlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &SlidingWindow{
		window:  window,
		limit:   limit,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Admit implements Admitter. It never returns an error.
func (l *SlidingWindow) Admit(clientID string) (bool, time.Duration, error) {
	if clientID == "" {
		clientID = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	cutoff := now.Add(-l.window)
	recent := l.buckets[clientID][:0]
	for _, t := range l.buckets[clientID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.buckets[clientID] = recent
		// The hint is always the full window, not the time until the
		// oldest request ages out.
		return false, l.window, nil
	}

	l.buckets[clientID] = append(recent, now)
	return true, 0, nil
}

// sweepLocked drops clients whose newest request is older than two
// windows so the map does not grow with one-off visitors.
func (l *SlidingWindow) sweepLocked(now time.Time) {
	cutoff := now.Add(-2 * l.window)
	for id, times := range l.buckets {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
