package orkestra

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/configbag"
	internalbackoff "github.com/ambiyansyah-risyal/orkestra/internal/backoff"
)

// RetryDecision is the outcome of RetryStrategy.ShouldAttemptRetry.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	Kind  RetryKind
}

// RetryStrategy decides whether and when a failed attempt is retried. It is
// consulted after every attempt, successful or not, so it can refund quota
// and adjust its send rate.
//
// ShouldAttemptRetry returns ErrOperationTimeout when the operation deadline
// would pass during the delay, and ErrQuotaExhausted when the retry quota
// refused the retry.
type RetryStrategy interface {
	AcquireAttempt(ctx context.Context, attempt int, cfg *configbag.Bag) error
	ShouldAttemptRetry(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) (RetryDecision, error)
}

// retryConfig loads the RetryConfig from the bag with defaults filled in.
func retryConfig(cfg *configbag.Bag) RetryConfig {
	def := DefaultRetryConfig()
	c := configbag.LoadOr(cfg, def)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.ThrottlingBackoff <= 0 {
		c.ThrottlingBackoff = def.ThrottlingBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// StandardRetryStrategy is exponential backoff with full jitter, gated by a
// shared TokenBucket. In adaptive mode it also drives a ClientRateLimiter.
type StandardRetryStrategy struct {
	bucket  *TokenBucket
	limiter *ClientRateLimiter
}

// NewStandardRetryStrategy creates a strategy drawing from bucket. limiter
// may be nil; it is only used when the retry mode is adaptive.
func NewStandardRetryStrategy(bucket *TokenBucket, limiter *ClientRateLimiter) *StandardRetryStrategy {
	if bucket == nil {
		bucket = NewTokenBucket(TokenBucketConfig{})
	}
	return &StandardRetryStrategy{bucket: bucket, limiter: limiter}
}

// TokenBucket returns the retry quota.
func (s *StandardRetryStrategy) TokenBucket() *TokenBucket { return s.bucket }

// RateLimiter returns the adaptive limiter, or nil.
func (s *StandardRetryStrategy) RateLimiter() *ClientRateLimiter { return s.limiter }

func (s *StandardRetryStrategy) adaptive(c RetryConfig) bool {
	return c.Mode == RetryModeAdaptive && s.limiter != nil
}

// AcquireAttempt waits on the send-rate limiter in adaptive mode.
func (s *StandardRetryStrategy) AcquireAttempt(ctx context.Context, _ int, cfg *configbag.Bag) error {
	if !s.adaptive(retryConfig(cfg)) {
		return nil
	}
	return s.limiter.Acquire(ctx)
}

// ShouldAttemptRetry implements RetryStrategy.
func (s *StandardRetryStrategy) ShouldAttemptRetry(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) (RetryDecision, error) {
	conf := retryConfig(cfg)
	err := ictx.err()
	if err == nil {
		s.bucket.RewardSuccess()
		if s.adaptive(conf) {
			s.limiter.OnSuccess()
		}
		return RetryDecision{}, nil
	}

	action := Classify(rc.RetryClassifiers, ClassifierInput{Response: ictx.response, Err: err})
	if action.Kind == ThrottlingError && s.adaptive(conf) {
		s.limiter.OnThrottle()
	}
	if !action.Retry {
		return RetryDecision{}, nil
	}
	if ictx.attempt >= conf.MaxAttempts {
		return RetryDecision{Kind: action.Kind}, nil
	}

	jitter := internalbackoff.JitterSource(internalbackoff.RandomJitter)
	if conf.StaticJitter {
		jitter = internalbackoff.StaticJitter
	}
	calc := internalbackoff.NewCalculator(
		internalbackoff.ExponentialJitterStrategy{Jitter: jitter},
		conf.InitialBackoff, conf.ThrottlingBackoff, conf.MaxBackoff,
	)
	delay := calc.Calculate(ictx.attempt, action.Kind == ThrottlingError)
	if ictx.response != nil {
		if ra := parseRetryAfter(ictx.response.Header.Get("Retry-After")); ra > 0 {
			delay = calc.Cap(ra)
		}
	}

	if deadline, ok := ictx.Context().Deadline(); ok && time.Until(deadline) < delay {
		return RetryDecision{Kind: action.Kind, Delay: delay}, ErrOperationTimeout
	}
	if !s.bucket.TryAcquire(s.bucket.CostFor(action.Kind)) {
		return RetryDecision{Kind: action.Kind}, ErrQuotaExhausted
	}
	return RetryDecision{Retry: true, Delay: delay, Kind: action.Kind}, nil
}

// FixedDelayStrategy retries classified failures after a constant delay,
// without a retry quota.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// AcquireAttempt implements RetryStrategy.
func (FixedDelayStrategy) AcquireAttempt(context.Context, int, *configbag.Bag) error { return nil }

// ShouldAttemptRetry implements RetryStrategy.
func (s FixedDelayStrategy) ShouldAttemptRetry(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) (RetryDecision, error) {
	err := ictx.err()
	if err == nil {
		return RetryDecision{}, nil
	}
	action := Classify(rc.RetryClassifiers, ClassifierInput{Response: ictx.response, Err: err})
	if !action.Retry || ictx.attempt >= retryConfig(cfg).MaxAttempts {
		return RetryDecision{Kind: action.Kind}, nil
	}
	if deadline, ok := ictx.Context().Deadline(); ok && time.Until(deadline) < s.Delay {
		return RetryDecision{Kind: action.Kind, Delay: s.Delay}, ErrOperationTimeout
	}
	return RetryDecision{Retry: true, Delay: s.Delay, Kind: action.Kind}, nil
}

// NeverRetryStrategy makes exactly one attempt.
type NeverRetryStrategy struct{}

// AcquireAttempt implements RetryStrategy.
func (NeverRetryStrategy) AcquireAttempt(context.Context, int, *configbag.Bag) error { return nil }

// ShouldAttemptRetry implements RetryStrategy.
func (NeverRetryStrategy) ShouldAttemptRetry(*InterceptorContext, *RuntimeComponents, *configbag.Bag) (RetryDecision, error) {
	return RetryDecision{}, nil
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour // Cap at 1 hour
			}
			return delay
		}
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour { // Cap at 1 hour
			return delay
		}
	}

	return 0
}
