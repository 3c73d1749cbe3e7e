package web

import (
	"sync"
	"time"
)

const (
	defaultAuthLimit  = 30
	defaultAuthWindow = time.Minute
)

// authLimiter bounds failed-auth attempts per remote address with a fixed
// window. Entries are pruned lazily on each check.
type authLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*authWindow
}

type authWindow struct {
	count int
	start time.Time
}

func newAuthLimiter(limit int, window time.Duration) *authLimiter {
	if limit <= 0 {
		limit = defaultAuthLimit
	}
	if window <= 0 {
		window = defaultAuthWindow
	}
	return &authLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*authWindow),
	}
}

func (l *authLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, w := range l.entries {
		if now.Sub(w.start) >= 2*l.window {
			delete(l.entries, k)
		}
	}

	w := l.entries[key]
	if w == nil || now.Sub(w.start) >= l.window {
		l.entries[key] = &authWindow{count: 1, start: now}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
