// Package ratelimit is a per-key fixed-window request limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/kalambet/ripewise/internal/clock"
)

// Limiter allows rate requests per window for each key. Each instance owns
// its state; nothing is shared between limiters.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	length  time.Duration
	clock   clock.Clock
}

type window struct {
	count int
	start time.Time
}

// New creates a Limiter. A nil clock uses the real clock; rate <= 0 disables
// limiting.
func New(rate int, length time.Duration, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{
		windows: make(map[string]*window),
		rate:    rate,
		length:  length,
		clock:   c,
	}
}

// Allow records a request for key and reports whether it is within the limit.
// When it is not, retryAfter is the time left in the current window.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if l == nil || l.rate <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.length {
		l.windows[key] = &window{count: 1, start: now}
		return true, 0
	}
	w.count++
	if w.count <= l.rate {
		return true, 0
	}
	return false, l.length - now.Sub(w.start)
}

// Prune drops keys whose window has expired and returns how many it removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	n := 0
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.length {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
