package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key (a project id or a remote
// address).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	perHour int
}

// NewLimiter creates a limiter allowing requestsPerHour per key with bursts
// of up to burst requests.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		perHour: requestsPerHour,
	}
}

func (l *Limiter) bucketFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow takes a token for key. remaining is the number of whole tokens left
// afterwards.
func (l *Limiter) Allow(key string) (ok bool, remaining int) {
	now := time.Now()
	lim := l.bucketFor(key, now)
	ok = lim.AllowN(now, 1)

	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	return ok, int(tokens)
}

// Limit is the configured number of requests per hour.
func (l *Limiter) Limit() int {
	return l.perHour
}

// RetryAfter is how long a client must wait for its next token.
func (l *Limiter) RetryAfter() time.Duration {
	if l.rate <= 0 {
		return time.Hour
	}
	return time.Duration(float64(time.Second) / float64(l.rate))
}

// Prune drops buckets that have not been used for idle. Such buckets are
// full again, so dropping them does not change any client's allowance.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
