package identity

import (
	"context"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/clock"
	"github.com/ambiyansyah-risyal/orkestra/internal/singleflight"
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

const (
	// DefaultRefreshBuffer starts a background refresh this long before expiry.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultExpirationBuffer makes callers wait for a refresh this long
	// before expiry.
	DefaultExpirationBuffer = 10 * time.Second
	// DefaultRefreshTimeout bounds a single resolver call made by the cache.
	DefaultRefreshTimeout = 30 * time.Second
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	RefreshBuffer    time.Duration
	ExpirationBuffer time.Duration
	RefreshTimeout   time.Duration
	TimeSource       clock.TimeSource
	Logger           logging.Logger
	// OnRefresh, if set, observes every resolver call the cache makes.
	OnRefresh func(partition string, background bool, err error)
}

// Cache memoises identities per partition. At most one resolver call per
// partition is in flight at any time.
type Cache struct {
	opts CacheOptions

	mu      sync.RWMutex
	entries map[string]Identity
	group   *singleflight.Group[Identity]
}

// NewCache returns an empty cache.
func NewCache(opts CacheOptions) *Cache {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.ExpirationBuffer <= 0 {
		opts.ExpirationBuffer = DefaultExpirationBuffer
	}
	if opts.ExpirationBuffer > opts.RefreshBuffer {
		opts.ExpirationBuffer = opts.RefreshBuffer
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System()
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Cache{
		opts:    opts,
		entries: make(map[string]Identity),
		group:   singleflight.New[Identity](),
	}
}

// Resolve returns the cached identity for partition, calling r when the
// entry is missing or close to expiry.
func (c *Cache) Resolve(ctx context.Context, partition string, r Resolver) (Identity, error) {
	now := c.opts.TimeSource.Now()
	cached, ok := c.load(partition)
	var exp time.Time
	if ok {
		var expires bool
		exp, expires = cached.Expiration()
		if !expires || now.Before(exp.Add(-c.opts.RefreshBuffer)) {
			return cached, nil
		}
		if now.Before(exp.Add(-c.opts.ExpirationBuffer)) {
			bg := context.WithoutCancel(ctx)
			if c.group.TryGo(partition, func() (Identity, error) { return c.refresh(bg, partition, r, true) }) {
				c.opts.Logger.Debug("identity refresh started in background", "partition", partition, "expires", exp)
			}
			return cached, nil
		}
	}

	id, err, _ := c.group.Do(ctx, partition, func() (Identity, error) {
		// Another caller may have finished a refresh between load and Do.
		if fresh, ok := c.load(partition); ok && c.usable(fresh) {
			return fresh, nil
		}
		return c.refresh(context.WithoutCancel(ctx), partition, r, false)
	})
	if err != nil {
		if ok && now.Before(exp) {
			c.opts.Logger.Warn("identity refresh failed, serving cached identity",
				"partition", partition, "fingerprint", short(cached.Fingerprint()), "error", err)
			return cached, nil
		}
		return Identity{}, err
	}
	return id, nil
}

// Wrap returns a Resolver that resolves through the cache.
func (c *Cache) Wrap(partition string, r Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context) (Identity, error) {
		return c.Resolve(ctx, partition, r)
	})
}

// Invalidate drops the cached identity for partition.
func (c *Cache) Invalidate(partition string) {
	c.mu.Lock()
	delete(c.entries, partition)
	c.mu.Unlock()
}

// Peek returns the cached identity without refreshing.
func (c *Cache) Peek(partition string) (Identity, bool) { return c.load(partition) }

func (c *Cache) load(partition string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[partition]
	return id, ok
}

// usable reports whether id can be served without waiting for a refresh.
func (c *Cache) usable(id Identity) bool {
	exp, ok := id.Expiration()
	return !ok || c.opts.TimeSource.Now().Before(exp.Add(-c.opts.ExpirationBuffer))
}

func (c *Cache) refresh(ctx context.Context, partition string, r Resolver, background bool) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()

	id, err := r.ResolveIdentity(ctx)
	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(partition, background, err)
	}
	if err != nil {
		if background {
			c.opts.Logger.Warn("background identity refresh failed", "partition", partition, "error", err)
		}
		return Identity{}, err
	}

	c.mu.Lock()
	c.entries[partition] = id
	c.mu.Unlock()
	c.opts.Logger.Debug("identity refreshed", "partition", partition, "fingerprint", short(id.Fingerprint()), "background", background)
	return id, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
