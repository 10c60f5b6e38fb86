package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginRateLimiter throttles failed sign-ins per key. Each key owns a token
// bucket holding maxFailures tokens that refills over window; a failure
// spends a token and an empty bucket blocks the key for blockedFor.
type loginRateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*loginRateLimitEntry
	maxFailures   int
	window        time.Duration
	blockedFor    time.Duration
	staleAfter    time.Duration
	opCount       int
	cleanupEveryN int
}

type loginRateLimitEntry struct {
	failures     *rate.Limiter
	blockedUntil time.Time
	lastSeenAt   time.Time
}

func newLoginRateLimiter(maxFailures int, window, blockedFor time.Duration) *loginRateLimiter {
	if maxFailures <= 0 || window <= 0 || blockedFor <= 0 {
		return nil
	}
	staleAfter := max(window, blockedFor) * 2
	if staleAfter < 10*time.Minute {
		staleAfter = 10 * time.Minute
	}
	return &loginRateLimiter{
		entries:       make(map[string]*loginRateLimitEntry),
		maxFailures:   maxFailures,
		window:        window,
		blockedFor:    blockedFor,
		staleAfter:    staleAfter,
		cleanupEveryN: 64,
	}
}

func (l *loginRateLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.maybeCleanupLocked(now)

	entry, ok := l.entries[key]
	if !ok {
		return true
	}
	entry.lastSeenAt = now
	return entry.blockedUntil.IsZero() || !now.Before(entry.blockedUntil)
}

func (l *loginRateLimiter) RegisterFailure(key string, now time.Time) {
	if l == nil || key == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.maybeCleanupLocked(now)

	entry, ok := l.entries[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.maxFailures))
		entry = &loginRateLimitEntry{failures: rate.NewLimiter(every, l.maxFailures)}
		l.entries[key] = entry
	}
	entry.lastSeenAt = now
	entry.failures.AllowN(now, 1)
	if entry.failures.TokensAt(now) < 1 {
		entry.blockedUntil = now.Add(l.blockedFor)
	}
}

func (l *loginRateLimiter) Reset(key string) {
	if l == nil || key == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *loginRateLimiter) maybeCleanupLocked(now time.Time) {
	l.opCount++
	if l.cleanupEveryN <= 0 {
		l.cleanupEveryN = 64
	}
	if l.opCount%l.cleanupEveryN != 0 {
		return
	}
	for key, entry := range l.entries {
		if entry.lastSeenAt.IsZero() || now.Sub(entry.lastSeenAt) > l.staleAfter {
			delete(l.entries, key)
		}
	}
}
