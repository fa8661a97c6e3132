package orkestra

import (
	"sync/atomic"
)

// Token bucket defaults.
const (
	DefaultRetryCapacity = 500
	DefaultRetryCost     = 5
	DefaultTimeoutCost   = 10
	DefaultSuccessReward = 1
)

// TokenBucketConfig sizes a TokenBucket. Zero fields take the defaults.
type TokenBucketConfig struct {
	Capacity      int
	RetryCost     int
	TimeoutCost   int
	SuccessReward int
}

// TokenBucket is the retry quota shared by every invocation on a client.
// Each retry draws tokens; each success returns a few.
type TokenBucket struct {
	tokens        int64
	capacity      int64
	retryCost     int64
	timeoutCost   int64
	successReward int64
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultRetryCapacity
	}
	if cfg.RetryCost <= 0 {
		cfg.RetryCost = DefaultRetryCost
	}
	if cfg.TimeoutCost <= 0 {
		cfg.TimeoutCost = DefaultTimeoutCost
	}
	if cfg.SuccessReward < 0 {
		cfg.SuccessReward = 0
	} else if cfg.SuccessReward == 0 {
		cfg.SuccessReward = DefaultSuccessReward
	}
	return &TokenBucket{
		tokens:        int64(cfg.Capacity),
		capacity:      int64(cfg.Capacity),
		retryCost:     int64(cfg.RetryCost),
		timeoutCost:   int64(cfg.TimeoutCost),
		successReward: int64(cfg.SuccessReward),
	}
}

// TryAcquire subtracts cost when at least cost tokens are available.
func (b *TokenBucket) TryAcquire(cost int) bool {
	for {
		current := atomic.LoadInt64(&b.tokens)
		if current < int64(cost) {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, current, current-int64(cost)) {
			return true
		}
		// If CAS failed, retry
	}
}

// Release returns n tokens, clamped to the capacity.
func (b *TokenBucket) Release(n int) {
	if n <= 0 {
		return
	}
	for {
		current := atomic.LoadInt64(&b.tokens)
		next := current + int64(n)
		if next > b.capacity {
			next = b.capacity
		}
		if next == current || atomic.CompareAndSwapInt64(&b.tokens, current, next) {
			return
		}
	}
}

// RewardSuccess returns the success reward.
func (b *TokenBucket) RewardSuccess() { b.Release(int(b.successReward)) }

// Available returns the current token count.
func (b *TokenBucket) Available() int { return int(atomic.LoadInt64(&b.tokens)) }

// Capacity returns the maximum token count.
func (b *TokenBucket) Capacity() int { return int(b.capacity) }

// CostFor returns the cost of retrying after a failure of kind k.
func (b *TokenBucket) CostFor(k RetryKind) int {
	if k == TransientError {
		return int(b.timeoutCost)
	}
	return int(b.retryCost)
}

// Drain empties the bucket down to n tokens. It is meant for tests and
// operational overrides.
func (b *TokenBucket) Drain(n int) {
	if n < 0 {
		n = 0
	}
	if int64(n) > b.capacity {
		n = int(b.capacity)
	}
	atomic.StoreInt64(&b.tokens, int64(n))
}
