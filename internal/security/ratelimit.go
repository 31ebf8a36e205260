// Package security holds the request guards of the gateway: a per-client
// sliding window rate limiter and the dashboard token check.
package security

import (
	"sync"
	"time"
)

// SlidingWindowLimiter allows at most limit hits per key within window.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewSlidingWindowLimiter creates a limiter. A limit of zero allows everything.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   map[string][]time.Time{},
	}
}

func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.hits[key], cutoff)
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// Sweep forgets keys with no hits inside the window.
func (l *SlidingWindowLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, arr := range l.hits {
		if kept := prune(arr, cutoff); len(kept) == 0 {
			delete(l.hits, key)
			removed++
		} else {
			l.hits[key] = kept
		}
	}
	return removed
}

func prune(arr []time.Time, cutoff time.Time) []time.Time {
	kept := arr[:0]
	for _, t := range arr {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
