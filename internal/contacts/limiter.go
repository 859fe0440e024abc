package contacts

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles submissions per visitor with a token bucket.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitorLimiter
	swept    time.Time
}

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows perMinute submissions per visitor with the given burst. A non-positive
// perMinute disables limiting.
func NewLimiter(perMinute, burst int, now func() time.Time) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      now,
		visitors: make(map[string]*visitorLimiter),
	}
}

// Allow consumes one token for visitor.
func (l *Limiter) Allow(visitor string) bool {
	if l == nil {
		return true
	}
	visitor = strings.TrimSpace(visitor)
	if visitor == "" {
		visitor = "anonymous"
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[visitor]
	if !ok {
		v = &visitorLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[visitor] = v
	}
	v.lastSeen = now
	l.sweepLocked(now)
	return v.limiter.AllowN(now, 1)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.swept) < l.idle {
		return
	}
	l.swept = now
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, key)
		}
	}
}
