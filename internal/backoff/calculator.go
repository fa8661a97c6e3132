package backoff

import (
	"time"
)

// Calculator pairs a Strategy with the base delays and cap used by the
// standard retry strategy.
type Calculator struct {
	strategy       Strategy
	base           time.Duration
	throttlingBase time.Duration
	max            time.Duration
}

// Defaults for the standard retry strategy.
const (
	DefaultBase           = time.Second
	DefaultThrottlingBase = 500 * time.Millisecond
	DefaultMax            = 20 * time.Second
)

// NewCalculator creates a calculator. Zero durations take the defaults.
func NewCalculator(strategy Strategy, base, throttlingBase, max time.Duration) *Calculator {
	if strategy == nil {
		strategy = ExponentialJitterStrategy{}
	}
	if base <= 0 {
		base = DefaultBase
	}
	if throttlingBase <= 0 {
		throttlingBase = DefaultThrottlingBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Calculator{strategy: strategy, base: base, throttlingBase: throttlingBase, max: max}
}

// Calculate returns the delay after the given attempt. Throttling errors use
// the throttling base.
func (c *Calculator) Calculate(attempt int, throttling bool) time.Duration {
	base := c.base
	if throttling {
		base = c.throttlingBase
	}
	return c.strategy.Calculate(attempt, base, c.max)
}

// Cap clamps an externally supplied delay (e.g. Retry-After) to the maximum.
func (c *Calculator) Cap(d time.Duration) time.Duration {
	if d > c.max {
		return c.max
	}
	if d < 0 {
		return 0
	}
	return d
}

// Max returns the backoff cap.
func (c *Calculator) Max() time.Duration { return c.max }

// Strategy returns the jitter strategy.
func (c *Calculator) Strategy() Strategy { return c.strategy }
