package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/clock"
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// DefaultDiscoveryInterval is how often a discovered endpoint is checked for
// expiry.
const DefaultDiscoveryInterval = 60 * time.Second

// DiscoveryKey identifies a discovered endpoint.
type DiscoveryKey struct {
	Operation           string
	IdentityFingerprint string
}

// Loader fetches an endpoint and the time it stops being valid.
type Loader func(ctx context.Context) (Endpoint, time.Time, error)

// DiscoveryOptions configures a Discovery cache.
type DiscoveryOptions struct {
	Interval    time.Duration
	LoadTimeout time.Duration
	Clock       clock.Clock
	Logger      logging.Logger
}

// Discovery caches endpoints returned by a discovery call. Each key has one
// refresher goroutine that lives while at least one Handle is open.
type Discovery struct {
	opts DiscoveryOptions

	mu      sync.Mutex
	entries map[DiscoveryKey]*discovered
}

type discovered struct {
	key    DiscoveryKey
	loader Loader

	mu       sync.RWMutex
	endpoint Endpoint
	expiry   time.Time
	err      error

	refs int
	stop chan struct{}
	done chan struct{}
}

// NewDiscovery returns an empty discovery cache.
func NewDiscovery(opts DiscoveryOptions) *Discovery {
	if opts.Interval <= 0 {
		opts.Interval = DefaultDiscoveryInterval
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Discovery{opts: opts, entries: make(map[DiscoveryKey]*discovered)}
}

// Acquire returns a handle on the endpoint for key, loading it on first use.
// The handle must be closed; closing the last one stops the refresher.
func (d *Discovery) Acquire(ctx context.Context, key DiscoveryKey, load Loader) (*Handle, error) {
	d.mu.Lock()
	if e, ok := d.entries[key]; ok {
		e.refs++
		d.mu.Unlock()
		h := &Handle{d: d, e: e}
		if _, err := h.Endpoint(); err != nil {
			h.Close()
			return nil, err
		}
		return h, nil
	}

	e := &discovered{
		key:    key,
		loader: load,
		refs:   1,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	d.entries[key] = e
	d.mu.Unlock()

	ep, exp, err := load(ctx)
	e.endpoint, e.expiry, e.err = ep, exp, err
	e.mu.Unlock()

	if err != nil {
		d.mu.Lock()
		if d.entries[key] == e {
			delete(d.entries, key)
		}
		d.mu.Unlock()
		close(e.done)
		return nil, err
	}

	go d.refresher(e)
	return &Handle{d: d, e: e}, nil
}

// Len returns the number of live entries.
func (d *Discovery) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Discovery) refresher(e *discovered) {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-d.opts.Clock.After(d.opts.Interval):
		}

		e.mu.RLock()
		expired := !d.opts.Clock.Now().Before(e.expiry)
		e.mu.RUnlock()
		if expired {
			d.reload(e)
		}
	}
}

func (d *Discovery) reload(e *discovered) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.LoadTimeout)
	defer cancel()

	ep, exp, err := e.loader(ctx)
	if err != nil {
		d.opts.Logger.Warn("endpoint discovery reload failed", "operation", e.key.Operation, "error", err)
		return err
	}
	e.mu.Lock()
	e.endpoint, e.expiry, e.err = ep, exp, nil
	e.mu.Unlock()
	d.opts.Logger.Debug("endpoint discovery reloaded", "operation", e.key.Operation, "endpoint", ep.String(), "expiry", exp)
	return nil
}

func (d *Discovery) release(e *discovered) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	if d.entries[e.key] == e {
		delete(d.entries, e.key)
	}
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

// Handle is a reference to a discovered endpoint.
type Handle struct {
	d    *Discovery
	e    *discovered
	once sync.Once
}

// Endpoint returns the current endpoint.
func (h *Handle) Endpoint() (Endpoint, error) {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	return h.e.endpoint, h.e.err
}

// Expiry returns when the current endpoint stops being valid.
func (h *Handle) Expiry() time.Time {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	return h.e.expiry
}

// Reload forces a reload, e.g. after the service rejected the endpoint.
func (h *Handle) Reload() error { return h.d.reload(h.e) }

// Done is closed once the refresher for this endpoint has exited.
func (h *Handle) Done() <-chan struct{} { return h.e.done }

// Close releases the handle. It is safe to call more than once.
func (h *Handle) Close() error {
	h.once.Do(func() { h.d.release(h.e) })
	return nil
}

// Resolver returns an endpoint Resolver that serves the handle's endpoint.
func (h *Handle) Resolver() Resolver {
	return ResolverFunc(func(context.Context, any) (Endpoint, error) { return h.Endpoint() })
}
