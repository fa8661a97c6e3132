package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-based: the delay
// taken after attempt n failed).
type Strategy interface {
	Calculate(attempt int, base, max time.Duration) time.Duration
}

// JitterSource returns a factor in [0, 1].
type JitterSource func() float64

// RandomJitter draws uniformly from [0, 1).
func RandomJitter() float64 { return rand.Float64() }

// StaticJitter always returns 1 so delays are deterministic.
func StaticJitter() float64 { return 1 }

// ExponentialJitterStrategy is full-jitter exponential backoff:
// min(max, base*2^(attempt-1)) * jitter.
type ExponentialJitterStrategy struct {
	Jitter JitterSource
}

// Calculate implements Strategy.
func (s ExponentialJitterStrategy) Calculate(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 ns overflows long before this, the cap wins anyway
	if attempt > 32 {
		attempt = 32
	}

	backoff := time.Duration(math.Ldexp(float64(base), attempt-1))
	if backoff < 0 || backoff > max {
		backoff = max
	}

	jitter := s.Jitter
	if jitter == nil {
		jitter = RandomJitter
	}
	return time.Duration(float64(backoff) * clampJitter(jitter()))
}

// FixedStrategy returns the same delay for every attempt.
type FixedStrategy struct {
	Delay time.Duration
}

// Calculate implements Strategy.
func (s FixedStrategy) Calculate(int, time.Duration, time.Duration) time.Duration {
	return s.Delay
}

// clampJitter bounds a jitter factor to [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
