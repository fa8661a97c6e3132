package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ambiyansyah-risyal/orkestra/clock"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// countingResolver hands out tokens token-1, token-2, ... that expire ttl
// after the clock's current time.
type countingResolver struct {
	clk   *clock.Manual
	ttl   time.Duration
	calls atomic.Int32
	gate  chan struct{}
	err   error
	mu    sync.Mutex
}

func (r *countingResolver) ResolveIdentity(ctx context.Context) (Identity, error) {
	n := r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		}
	}
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return Identity{}, err
	}
	return New(Token{Value: fmt.Sprintf("token-%d", n)}, r.clk.Now().Add(r.ttl)), nil
}

func (r *countingResolver) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func tokenValue(t *testing.T, id Identity) string {
	t.Helper()
	tok, ok := DataAs[Token](id)
	if !ok {
		t.Fatalf("Expected Token material, got %T", id.Data())
	}
	return tok.Value
}

func TestCacheAtMostOnceRefresh(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour, gate: make(chan struct{})}
	cache := NewCache(CacheOptions{TimeSource: clk})

	var g errgroup.Group
	results := make([]Identity, 10)
	for i := range results {
		g.Go(func() error {
			id, err := cache.Resolve(context.Background(), "default", r)
			results[i] = id
			return err
		})
	}

	for !cache.group.InFlight("default") {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(r.gate)

	if err := g.Wait(); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got := r.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 resolver call, got %d", got)
	}
	for i, id := range results {
		if v := tokenValue(t, id); v != "token-1" {
			t.Errorf("Caller %d got %s, want token-1", i, v)
		}
	}
}

func TestCacheServesFreshValue(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour}
	cache := NewCache(CacheOptions{TimeSource: clk})

	for i := 0; i < 3; i++ {
		if _, err := cache.Resolve(context.Background(), "p", r); err != nil {
			t.Fatal(err)
		}
		clk.Add(10 * time.Minute)
	}
	if got := r.calls.Load(); got != 1 {
		t.Errorf("Expected a single resolver call while fresh, got %d", got)
	}
}

func TestCacheProactiveBackgroundRefresh(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour}
	cache := NewCache(CacheOptions{TimeSource: clk})

	first, err := cache.Resolve(context.Background(), "p", r)
	if err != nil {
		t.Fatal(err)
	}

	clk.Add(57 * time.Minute) // inside the 5m refresh buffer, outside the 10s hard window
	stale, err := cache.Resolve(context.Background(), "p", r)
	if err != nil {
		t.Fatal(err)
	}
	if tokenValue(t, stale) != tokenValue(t, first) {
		t.Errorf("Expected stale value to be served during refresh")
	}

	deadline := time.Now().Add(time.Second)
	for {
		id, _ := cache.Peek("p")
		if tokenValue(t, id) == "token-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh did not publish a new identity")
		}
		time.Sleep(time.Millisecond)
	}
	if got := r.calls.Load(); got != 2 {
		t.Errorf("Expected 2 resolver calls, got %d", got)
	}
}

func TestCacheBlocksInsideExpirationBuffer(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour}
	cache := NewCache(CacheOptions{TimeSource: clk})

	if _, err := cache.Resolve(context.Background(), "p", r); err != nil {
		t.Fatal(err)
	}
	clk.Add(time.Hour - 5*time.Second)

	id, err := cache.Resolve(context.Background(), "p", r)
	if err != nil {
		t.Fatal(err)
	}
	if v := tokenValue(t, id); v != "token-2" {
		t.Errorf("Expected blocking refresh to return token-2, got %s", v)
	}
}

func TestCacheRefreshErrorServesUnexpiredValue(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour}
	cache := NewCache(CacheOptions{TimeSource: clk})

	if _, err := cache.Resolve(context.Background(), "p", r); err != nil {
		t.Fatal(err)
	}
	r.setErr(errors.New("sts unavailable"))
	clk.Add(time.Hour - 5*time.Second)

	id, err := cache.Resolve(context.Background(), "p", r)
	if err != nil {
		t.Fatalf("Expected cached value despite refresh error, got %v", err)
	}
	if v := tokenValue(t, id); v != "token-1" {
		t.Errorf("Expected token-1, got %s", v)
	}
}

func TestCacheRefreshErrorAfterExpiry(t *testing.T) {
	clk := clock.NewManual(epoch)
	r := &countingResolver{clk: clk, ttl: time.Hour}
	var observed atomic.Int32
	cache := NewCache(CacheOptions{
		TimeSource: clk,
		OnRefresh:  func(string, bool, error) { observed.Add(1) },
	})

	if _, err := cache.Resolve(context.Background(), "p", r); err != nil {
		t.Fatal(err)
	}
	want := errors.New("sts unavailable")
	r.setErr(want)
	clk.Add(2 * time.Hour)

	if _, err := cache.Resolve(context.Background(), "p", r); !errors.Is(err, want) {
		t.Errorf("Expected refresh error once expired, got %v", err)
	}
	if observed.Load() != 2 {
		t.Errorf("Expected OnRefresh to observe 2 calls, got %d", observed.Load())
	}
}

func TestCachePartitionsAreIndependent(t *testing.T) {
	clk := clock.NewManual(epoch)
	a := &countingResolver{clk: clk, ttl: time.Hour}
	b := &countingResolver{clk: clk, ttl: time.Hour}
	cache := NewCache(CacheOptions{TimeSource: clk})

	cache.Wrap("a", a).ResolveIdentity(context.Background())
	cache.Wrap("b", b).ResolveIdentity(context.Background())
	cache.Invalidate("a")
	cache.Wrap("a", a).ResolveIdentity(context.Background())

	if a.calls.Load() != 2 || b.calls.Load() != 1 {
		t.Errorf("Expected a=2 b=1 calls, got a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
}

func TestCacheNonExpiringIdentity(t *testing.T) {
	cache := NewCache(CacheOptions{})
	r := NewStaticToken("abc")
	for i := 0; i < 3; i++ {
		id, err := cache.Resolve(context.Background(), "static", r)
		if err != nil || tokenValue(t, id) != "abc" {
			t.Fatalf("Expected abc, got %v, %v", id, err)
		}
	}
}
