package auth

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	SignUpAttemptsPerMinute = 3
	SignInAttemptsPerMinute = 5

	// DefaultLimiterKeys bounds how many keys a limiter tracks. The least
	// recently used key is forgotten first.
	DefaultLimiterKeys = 10000
)

// AttemptLimiter throttles auth attempts per key. A key is normally
// "<device>:<action>".
type AttemptLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters *lru.Cache[string, *rate.Limiter]
	now      func() time.Time
}

func NewAttemptLimiter(perMinute, maxKeys int) *AttemptLimiter {
	if maxKeys <= 0 {
		maxKeys = DefaultLimiterKeys
	}
	cache, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &AttemptLimiter{
		perMin:   perMinute,
		limiters: cache,
		now:      time.Now,
	}
}

// Allow records an attempt and reports whether it is within the window.
func (l *AttemptLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters.Add(key, lim)
	}
	return lim.AllowN(l.now(), 1)
}

// Reset forgets the attempts recorded for key.
func (l *AttemptLimiter) Reset(key string) {
	l.limiters.Remove(key)
}

// Len reports how many keys are tracked.
func (l *AttemptLimiter) Len() int {
	return l.limiters.Len()
}
