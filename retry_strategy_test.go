package orkestra

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
)

func retryFixture(attempt int, status int, err error) (*InterceptorContext, *RuntimeComponents) {
	ictx := newInterceptorContext(context.Background(), OperationMetadata{Service: "svc", Operation: "Op"}, nil)
	ictx.attempt = attempt
	ictx.phase = PhaseAfterAttempt
	if status != 0 {
		ictx.response = &HTTPResponse{StatusCode: status, Header: http.Header{}, Body: body.Empty()}
	}
	ictx.result = &OutputOrError{Err: err}
	rc := &RuntimeComponents{RetryClassifiers: DefaultRetryClassifiers()}
	return ictx, rc
}

func staticRetryConfig(maxAttempts int) *configbag.Bag {
	cfg := configbag.New()
	configbag.Put(cfg, RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    100 * time.Millisecond,
		ThrottlingBackoff: 50 * time.Millisecond,
		MaxBackoff:        time.Second,
		StaticJitter:      true,
	})
	return cfg
}

func serverFailure() error {
	return newError(KindService, "InternalError", &GenericServiceError{Code: "InternalError"})
}

func TestStandardRetryStrategySuccessRewards(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{})
	bucket.Drain(100)
	s := NewStandardRetryStrategy(bucket, nil)

	ictx, rc := retryFixture(1, 200, nil)
	decision, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if err != nil {
		t.Fatalf("ShouldAttemptRetry() returned error: %v", err)
	}
	if decision.Retry {
		t.Error("Expected no retry after a success")
	}
	if bucket.Available() != 101 {
		t.Errorf("Expected 101 tokens after the success reward, got %d", bucket.Available())
	}
}

func TestStandardRetryStrategyBackoff(t *testing.T) {
	tests := []struct {
		name      string
		attempt   int
		status    int
		err       error
		wantDelay time.Duration
		wantKind  RetryKind
		wantCost  int
	}{
		{"first server error", 1, 500, serverFailure(), 100 * time.Millisecond, ServerError, DefaultRetryCost},
		{"second server error", 2, 503, serverFailure(), 200 * time.Millisecond, ServerError, DefaultRetryCost},
		{"throttled", 1, 429, serverFailure(), 50 * time.Millisecond, ThrottlingError, DefaultRetryCost},
		{"transport", 1, 0, newError(KindDispatch, "send", &ConnectorError{Kind: ConnectorIO, Err: errors.New("reset")}), 100 * time.Millisecond, TransientError, DefaultTimeoutCost},
		{"capped", 5, 500, serverFailure(), time.Second, ServerError, DefaultRetryCost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket := NewTokenBucket(TokenBucketConfig{})
			s := NewStandardRetryStrategy(bucket, nil)
			ictx, rc := retryFixture(tt.attempt, tt.status, tt.err)

			decision, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(10))
			if err != nil {
				t.Fatalf("ShouldAttemptRetry() returned error: %v", err)
			}
			if !decision.Retry {
				t.Fatal("Expected a retry")
			}
			if decision.Delay != tt.wantDelay {
				t.Errorf("Expected delay %v, got %v", tt.wantDelay, decision.Delay)
			}
			if decision.Kind != tt.wantKind {
				t.Errorf("Expected kind %v, got %v", tt.wantKind, decision.Kind)
			}
			if got := DefaultRetryCapacity - bucket.Available(); got != tt.wantCost {
				t.Errorf("Expected cost %d, got %d", tt.wantCost, got)
			}
		})
	}
}

func TestStandardRetryStrategyMaxAttempts(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{})
	s := NewStandardRetryStrategy(bucket, nil)
	ictx, rc := retryFixture(3, 500, serverFailure())

	decision, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if err != nil {
		t.Fatalf("ShouldAttemptRetry() returned error: %v", err)
	}
	if decision.Retry {
		t.Error("Expected no retry on the last attempt")
	}
	if bucket.Available() != DefaultRetryCapacity {
		t.Errorf("Expected no tokens spent, got %d", bucket.Available())
	}
}

func TestStandardRetryStrategyNonRetryable(t *testing.T) {
	s := NewStandardRetryStrategy(nil, nil)
	err := newError(KindService, "ValidationException", &GenericServiceError{Code: "ValidationException"})
	ictx, rc := retryFixture(1, 400, err)

	decision, serr := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if serr != nil || decision.Retry {
		t.Errorf("Expected no retry for a 400, got %+v, %v", decision, serr)
	}
}

func TestStandardRetryStrategyQuotaExhausted(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{})
	bucket.Drain(DefaultRetryCost - 1)
	s := NewStandardRetryStrategy(bucket, nil)
	ictx, rc := retryFixture(1, 500, serverFailure())

	_, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("Expected ErrQuotaExhausted, got %v", err)
	}
	if bucket.Available() != DefaultRetryCost-1 {
		t.Errorf("Expected tokens untouched, got %d", bucket.Available())
	}
}

func TestStandardRetryStrategyDeadline(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{})
	s := NewStandardRetryStrategy(bucket, nil)
	ictx, rc := retryFixture(1, 500, serverFailure())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ictx.ctx = ctx

	decision, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Expected ErrOperationTimeout, got %v", err)
	}
	if decision.Delay != 100*time.Millisecond {
		t.Errorf("Expected the computed delay to be reported, got %v", decision.Delay)
	}
	if bucket.Available() != DefaultRetryCapacity {
		t.Errorf("Expected no tokens spent, got %d", bucket.Available())
	}
}

func TestStandardRetryStrategyRetryAfter(t *testing.T) {
	s := NewStandardRetryStrategy(nil, nil)

	ictx, rc := retryFixture(1, 503, serverFailure())
	ictx.response.Header.Set("Retry-After", "0")
	decision, _ := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if decision.Delay != 100*time.Millisecond {
		t.Errorf("Expected a zero Retry-After to be ignored, got %v", decision.Delay)
	}

	ictx, rc = retryFixture(1, 503, serverFailure())
	ictx.response.Header.Set("Retry-After", "30")
	decision, _ = s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(3))
	if decision.Delay != time.Second {
		t.Errorf("Expected Retry-After capped at the max backoff, got %v", decision.Delay)
	}
}

func TestStandardRetryStrategyAdaptive(t *testing.T) {
	limiter := NewClientRateLimiter(10)
	s := NewStandardRetryStrategy(nil, limiter)
	cfg := staticRetryConfig(3)
	conf, _ := configbag.Load[RetryConfig](cfg)
	conf.Mode = RetryModeAdaptive
	configbag.Put(cfg, conf)

	ictx, rc := retryFixture(1, 429, serverFailure())
	if _, err := s.ShouldAttemptRetry(ictx, rc, cfg); err != nil {
		t.Fatalf("ShouldAttemptRetry() returned error: %v", err)
	}
	if !limiter.Throttled() {
		t.Error("Expected the limiter to be throttled")
	}
	if got := limiter.Rate(); math.Abs(got-7) > 1e-9 {
		t.Errorf("Expected rate 7, got %v", got)
	}

	ictx, rc = retryFixture(2, 200, nil)
	_, _ = s.ShouldAttemptRetry(ictx, rc, cfg)
	if got := limiter.Rate(); math.Abs(got-8) > 1e-9 {
		t.Errorf("Expected rate 8 after a success, got %v", got)
	}
	if err := s.AcquireAttempt(context.Background(), 2, cfg); err != nil {
		t.Errorf("AcquireAttempt() returned error: %v", err)
	}
}

func TestFixedDelayStrategy(t *testing.T) {
	s := FixedDelayStrategy{Delay: 5 * time.Millisecond}
	ictx, rc := retryFixture(1, 500, serverFailure())
	decision, err := s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(2))
	if err != nil || !decision.Retry || decision.Delay != 5*time.Millisecond {
		t.Errorf("Expected retry after 5ms, got %+v, %v", decision, err)
	}

	ictx, rc = retryFixture(2, 500, serverFailure())
	decision, _ = s.ShouldAttemptRetry(ictx, rc, staticRetryConfig(2))
	if decision.Retry {
		t.Error("Expected no retry past max attempts")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 2 ", 2 * time.Second},
		{"-1", 0},
		{"99999", time.Hour},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q): Expected %v, got %v", tt.value, tt.want, got)
		}
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 31*time.Second {
		t.Errorf("Expected about 30s for an HTTP date, got %v", got)
	}
}

func TestTokenBucket(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Capacity: 20})
	if b.Capacity() != 20 || b.Available() != 20 {
		t.Fatalf("Expected a full bucket of 20, got %d/%d", b.Available(), b.Capacity())
	}
	if b.CostFor(ServerError) != DefaultRetryCost || b.CostFor(TransientError) != DefaultTimeoutCost {
		t.Errorf("Expected default costs, got %d and %d", b.CostFor(ServerError), b.CostFor(TransientError))
	}
	if !b.TryAcquire(15) {
		t.Fatal("Expected to acquire 15 tokens")
	}
	if b.TryAcquire(10) {
		t.Error("Expected acquire beyond the balance to fail")
	}
	if b.Available() != 5 {
		t.Errorf("Expected failed acquire to leave 5 tokens, got %d", b.Available())
	}
	b.Release(100)
	if b.Available() != 20 {
		t.Errorf("Expected release to clamp at capacity, got %d", b.Available())
	}
	b.Drain(-3)
	if b.Available() != 0 {
		t.Errorf("Expected drain to clamp at zero, got %d", b.Available())
	}
	b.RewardSuccess()
	if b.Available() != DefaultSuccessReward {
		t.Errorf("Expected %d after a success, got %d", DefaultSuccessReward, b.Available())
	}
}

func TestTokenBucketNoReward(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{SuccessReward: -1})
	b.Drain(10)
	b.RewardSuccess()
	if b.Available() != 10 {
		t.Errorf("Expected rewards disabled, got %d", b.Available())
	}
}

func TestTokenBucketConcurrent(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Capacity: 100})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryAcquire(5) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 20 {
		t.Errorf("Expected exactly 20 acquisitions, got %d", acquired)
	}
	if b.Available() != 0 {
		t.Errorf("Expected empty bucket, got %d", b.Available())
	}
}

func TestTokenBucketRandomSequences(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			capacity := 1 + r.Intn(60)
			b := NewTokenBucket(TokenBucketConfig{Capacity: capacity})
			tokens := capacity

			for step := 0; step < 500; step++ {
				switch op := r.Intn(10); {
				case op < 5:
					cost := b.CostFor(RetryKind(1 + r.Intn(4)))
					ok := b.TryAcquire(cost)
					if want := tokens >= cost; ok != want {
						t.Fatalf("step %d: TryAcquire(%d) with %d tokens returned %v", step, cost, tokens, ok)
					}
					if ok {
						tokens -= cost
					}
				case op < 8:
					n := r.Intn(20) - 5
					b.Release(n)
					if n > 0 {
						tokens = min(capacity, tokens+n)
					}
				case op < 9:
					b.RewardSuccess()
					tokens = min(capacity, tokens+DefaultSuccessReward)
				default:
					n := r.Intn(capacity+10) - 5
					b.Drain(n)
					tokens = max(0, min(capacity, n))
				}
				if got := b.Available(); got != tokens {
					t.Fatalf("step %d: expected %d tokens, got %d", step, tokens, got)
				}
				if tokens < 0 || tokens > capacity {
					t.Fatalf("step %d: %d tokens outside [0, %d]", step, tokens, capacity)
				}
			}
		})
	}
}

func TestTokenBucketConservesTokensUnderContention(t *testing.T) {
	for seed := int64(1); seed <= 10; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			b := NewTokenBucket(TokenBucketConfig{Capacity: 50 + r.Intn(100)})
			var wg sync.WaitGroup
			for g := 0; g < 16; g++ {
				costs := make([]int, 200)
				for i := range costs {
					costs[i] = 1 + r.Intn(15)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					for _, cost := range costs {
						if b.TryAcquire(cost) {
							if avail := b.Available(); avail < 0 || avail > b.Capacity() {
								t.Errorf("Expected tokens within [0, %d], got %d", b.Capacity(), avail)
							}
							b.Release(cost)
						}
					}
				}()
			}
			wg.Wait()
			if b.Available() != b.Capacity() {
				t.Errorf("Expected every acquired token back, got %d of %d", b.Available(), b.Capacity())
			}
		})
	}
}

func TestClientRateLimiter(t *testing.T) {
	l := NewClientRateLimiter(0)
	if l.Rate() != DefaultMaxSendRate {
		t.Errorf("Expected default rate %v, got %v", DefaultMaxSendRate, l.Rate())
	}
	l.OnSuccess()
	if l.Throttled() || l.Rate() != DefaultMaxSendRate {
		t.Error("Expected success before throttling to be a no-op")
	}

	for i := 0; i < 50; i++ {
		l.OnThrottle()
	}
	if l.Rate() != minSendRate {
		t.Errorf("Expected rate floor %v, got %v", minSendRate, l.Rate())
	}
	for i := 0; i < 50; i++ {
		l.OnSuccess()
	}
	if l.Rate() != DefaultMaxSendRate {
		t.Errorf("Expected rate to recover to %v, got %v", DefaultMaxSendRate, l.Rate())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.OnThrottle()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected a throttled limiter to honor cancellation, got %v", err)
	}
}
