package booking

import (
	"sync"
	"time"
)

// CooldownLimiter is a best-effort, in-process booking abuse guard: at most
// `limit` requests per identity within `window`. It is intentionally not
// cross-instance consistent; it mitigates double submits, it does not enforce
// correctness (the slot CAS does that).
type CooldownLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries map[string]*cooldownEntry
	now     func() time.Time
}

type cooldownEntry struct {
	count     int
	expiresAt time.Time
}

func NewCooldownLimiter(limit int, window time.Duration) *CooldownLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &CooldownLimiter{
		window:  window,
		limit:   limit,
		entries: make(map[string]*cooldownEntry),
		now:     time.Now,
	}
}

// Allow reports whether the identity may proceed, and if not, how long until
// the window resets.
func (l *CooldownLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	e, ok := l.entries[key]
	if !ok || e.expiresAt.Before(now) {
		l.entries[key] = &cooldownEntry{count: 1, expiresAt: now.Add(l.window)}
		return true, 0
	}

	if e.count >= l.limit {
		return false, e.expiresAt.Sub(now)
	}

	e.count++
	return true, 0
}

// Reset clears the counter for an identity.
func (l *CooldownLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// prune drops expired entries so the map does not grow without bound.
func (l *CooldownLimiter) prune(now time.Time) {
	if len(l.entries) < 1024 {
		return
	}
	for k, e := range l.entries {
		if e.expiresAt.Before(now) {
			delete(l.entries, k)
		}
	}
}
