package registry

import (
	"sync"

	"golang.org/x/time/rate"
)

// AttemptLimiter throttles register/validate attempts per serial so a
// misbehaving client cannot hammer one serial with guesses. Limiters are kept
// per serial; the map is small in practice (one entry per serial seen).
type AttemptLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewAttemptLimiter allows burst immediate attempts per serial, refilling at
// perSecond attempts per second.
func NewAttemptLimiter(perSecond float64, burst int) *AttemptLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &AttemptLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether another attempt for serial may proceed now.
func (l *AttemptLimiter) Allow(serial string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[serial]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[serial] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
