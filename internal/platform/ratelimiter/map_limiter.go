package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 256

// MapLimiter applies a token bucket per string key and periodically evicts
// idle entries. Denied calls are counted so the next allowed call can report
// how many events were dropped in between.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*entry
	calls uint64
}

type entry struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	suppressed uint64
}

// New creates a key-based limiter; returns nil if args are invalid. A nil
// limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*entry),
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	ok, _ := l.AllowWithSuppressed(key, now)
	return ok
}

// AllowWithSuppressed is Allow plus the number of calls denied for key since
// the previous allowed one. The counter resets on every allowed call.
func (l *MapLimiter) AllowWithSuppressed(key string, now time.Time) (bool, uint64) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}

	if !e.limiter.AllowN(now, 1) {
		e.suppressed++
		return false, 0
	}
	dropped := e.suppressed
	e.suppressed = 0
	return true, dropped
}

// Forget drops the bucket for key, e.g. after the channel it throttles is closed.
func (l *MapLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byKey, strings.TrimSpace(key))
	l.mu.Unlock()
}

// Len is the number of tracked keys.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *MapLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
