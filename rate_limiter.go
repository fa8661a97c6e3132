package orkestra

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxSendRate is the adaptive limiter's ceiling in requests per
	// second.
	DefaultMaxSendRate = 50.0
	minSendRate        = 0.5
	throttleBeta       = 0.7
	successStep        = 0.1
)

// ClientRateLimiter is the send-rate limiter of the adaptive retry mode.
// It lets every request through until the first throttling error; after
// that each attempt waits for a token.
type ClientRateLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	maxRate   float64
	current   float64
	throttled bool
}

// NewClientRateLimiter returns a limiter capped at maxRate requests per
// second. Values <= 0 use DefaultMaxSendRate.
func NewClientRateLimiter(maxRate float64) *ClientRateLimiter {
	if maxRate <= 0 {
		maxRate = DefaultMaxSendRate
	}
	return &ClientRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(maxRate), int(math.Max(1, maxRate))),
		maxRate: maxRate,
		current: maxRate,
	}
}

// Acquire waits for a send token once throttling has been observed.
func (l *ClientRateLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	throttled := l.throttled
	l.mu.Unlock()
	if !throttled {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// OnThrottle scales the fill rate down.
func (l *ClientRateLimiter) OnThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttled = true
	l.setRateLocked(l.current * throttleBeta)
}

// OnSuccess moves the fill rate back toward the ceiling.
func (l *ClientRateLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.throttled {
		return
	}
	l.setRateLocked(l.current + l.maxRate*successStep)
}

// Rate returns the current fill rate in requests per second.
func (l *ClientRateLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Throttled reports whether a throttling error has been seen.
func (l *ClientRateLimiter) Throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttled
}

func (l *ClientRateLimiter) setRateLocked(r float64) {
	r = math.Max(minSendRate, math.Min(l.maxRate, r))
	l.current = r
	l.limiter.SetLimit(rate.Limit(r))
	l.limiter.SetBurst(int(math.Max(1, r)))
}
