package orkestra

import (
	"context"
	"fmt"

	"github.com/ambiyansyah-risyal/orkestra/clock"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
	"github.com/ambiyansyah-risyal/orkestra/identity"
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// Option configures a Client.
type Option func(*Client)

// Client runs operations through the orchestrator: serialization, a retry
// loop of signed attempts, and deserialization, with interceptors around
// every step. It is safe for concurrent use.
type Client struct {
	httpClient       HTTPClient
	transport        TransportConfig
	endpointResolver endpoint.Resolver
	region           string
	signingName      string

	retryConfig RetryConfig
	timeouts    TimeoutConfig
	stalled     *StalledStreamProtectionConfig
	compression *RequestCompressionConfig
	behavior    BehaviorVersion

	identityCacheOpts identity.CacheOptions
	identityCache     *identity.Cache
	identityResolvers map[AuthSchemeID]identity.Resolver
	authSchemes       []AuthScheme
	authPreference    []AuthSchemeID
	discovery         *endpoint.Discovery

	interceptors []Interceptor
	classifiers  []RetryClassifier
	plugins      []RuntimePlugin

	clock       clock.Clock
	bucket      *TokenBucket
	bucketCfg   TokenBucketConfig
	maxSendRate float64
	limiter     *ClientRateLimiter
	strategy    RetryStrategy

	metrics *MetricsCollector
	tracer  *Tracer
	debug   *DebugConfig
	logger  Logger

	optionErrors    []string
	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		retryConfig:       DefaultRetryConfig(),
		behavior:          BehaviorVersionLatest,
		identityResolvers: map[AuthSchemeID]identity.Resolver{},
		clock:             clock.System(),
		debug:             DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}
	client.init()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// init fills every component the options left unset.
func (c *Client) init() {
	if c.logger == nil {
		if c.debug != nil && c.debug.Enabled {
			c.logger = NewSimpleLogger()
		} else {
			c.logger = logging.Nop()
		}
	}
	defaults := c.behavior.defaults()
	if c.stalled == nil {
		s := defaults.stalled
		c.stalled = &s
	}
	if c.compression == nil {
		cc := defaults.compression
		c.compression = &cc
	}
	if c.httpClient == nil {
		if c.transport.Clock == nil {
			c.transport.Clock = c.clock
		}
		c.httpClient = NewHTTPClient(c.transport)
	}
	if c.endpointResolver == nil {
		c.endpointResolver = endpoint.ResolverFunc(func(context.Context, any) (endpoint.Endpoint, error) {
			return endpoint.Endpoint{}, endpoint.ErrNoEndpoint
		})
	}
	if c.bucket == nil {
		c.bucket = NewTokenBucket(c.bucketCfg)
	}
	if c.limiter == nil {
		c.limiter = NewClientRateLimiter(c.maxSendRate)
	}
	if c.strategy == nil {
		c.strategy = NewStandardRetryStrategy(c.bucket, c.limiter)
	}
	if c.identityCache == nil {
		opts := c.identityCacheOpts
		opts.TimeSource = c.clock
		if opts.Logger == nil && c.debug.identity() {
			opts.Logger = c.logger
		}
		if opts.OnRefresh == nil && c.metrics != nil {
			opts.OnRefresh = c.metrics.RecordIdentityRefresh
		}
		c.identityCache = identity.NewCache(opts)
	}
	if c.discovery == nil {
		c.discovery = endpoint.NewDiscovery(endpoint.DiscoveryOptions{Clock: c.clock, Logger: c.logger})
	}
	if len(c.authSchemes) == 0 {
		c.authSchemes = []AuthScheme{HMACAuthScheme(), BearerAuthScheme(), AnonymousAuthScheme()}
	}
}

// defaultsPlugin contributes the client's configuration at client scope.
func (c *Client) defaultsPlugin() RuntimePlugin {
	return PluginFunc(func(cfg *configbag.Bag, rc *RuntimeComponentsBuilder) error {
		configbag.Put(cfg, c.retryConfig)
		configbag.Put(cfg, c.timeouts)
		configbag.Put(cfg, *c.stalled)
		configbag.Put(cfg, *c.compression)
		configbag.Put(cfg, c.behavior)
		if c.region != "" {
			configbag.Put(cfg, Region(c.region))
		}
		if c.signingName != "" {
			configbag.Put(cfg, SigningName(c.signingName))
		}
		if len(c.authPreference) > 0 {
			configbag.Put(cfg, AuthSchemePreference(c.authPreference))
		}

		rc.SetHTTPClient(c.httpClient).
			SetRetryStrategy(c.strategy).
			SetRetryClassifiers(append(append([]RetryClassifier(nil), c.classifiers...), DefaultRetryClassifiers()...)...).
			SetEndpointResolver(c.endpointResolver).
			SetIdentityCache(c.identityCache).
			SetClock(c.clock).
			SetLogger(c.logger).
			SetMetrics(c.metrics).
			SetTracer(c.tracer)
		for _, s := range c.authSchemes {
			rc.PutAuthScheme(s)
		}
		for id, r := range c.identityResolvers {
			rc.SetIdentityResolver(id, r)
		}
		rc.AddInterceptor(builtinInterceptors()...)
		rc.AddInterceptor(c.interceptors...)
		return nil
	})
}

// Invoke runs op with input and returns the deserialized output. Plugins
// passed here apply to this call only.
func (c *Client) Invoke(ctx context.Context, op *Operation, input any, plugins ...RuntimePlugin) (any, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	inv, err := c.newInvocation(ctx, op, input, plugins)
	if err != nil {
		return nil, err
	}
	return inv.run(ctx)
}

// InvokeAs is Invoke with a typed output.
func InvokeAs[O any](ctx context.Context, c *Client, op *Operation, input any, plugins ...RuntimePlugin) (O, error) {
	out, err := c.Invoke(ctx, op, input, plugins...)
	if err != nil {
		var zero O
		return zero, err
	}
	return OutputAs[O](out)
}

// OutputAs asserts an Invoke output to O.
func OutputAs[O any](out any) (O, error) {
	v, ok := out.(O)
	if !ok {
		var zero O
		return zero, newError(KindResponse, fmt.Sprintf("output is %T, want %T", out, zero), nil)
	}
	return v, nil
}

// DiscoverEndpoint returns a handle on the endpoint discovered for op and
// the identity the client would sign op with. Pass
// UseEndpoint(h.Resolver()) to Invoke to send requests there, and close the
// handle when done.
func (c *Client) DiscoverEndpoint(ctx context.Context, op *Operation, load endpoint.Loader) (*endpoint.Handle, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	inv, err := c.newInvocation(ctx, op, nil, nil)
	if err != nil {
		return nil, err
	}
	scheme, resolver, err := selectAuthScheme(op, inv.rc, inv.cfg)
	if err != nil {
		return nil, newError(KindConstruction, "auth scheme selection failed", err)
	}
	id, err := inv.resolveIdentity(ctx, scheme.SchemeID(), resolver)
	if err != nil {
		return nil, newError(KindConstruction, "identity resolution failed", err)
	}
	key := endpoint.DiscoveryKey{Operation: op.Metadata.String(), IdentityFingerprint: id.Fingerprint()}
	h, err := c.discovery.Acquire(ctx, key, load)
	if err != nil {
		return nil, newError(KindConstruction, "endpoint discovery failed", err)
	}
	return h, nil
}

// TokenBucket returns the retry quota shared by the client's invocations.
func (c *Client) TokenBucket() *TokenBucket { return c.bucket }

// IdentityCache returns the client's identity cache.
func (c *Client) IdentityCache() *identity.Cache { return c.identityCache }

// Metrics returns the metrics collector, or nil.
func (c *Client) Metrics() *MetricsCollector { return c.metrics }

// IsValid reports whether the configuration passed validation.
func (c *Client) IsValid() bool { return c.validationError == nil }

// ValidationError returns the validation error, or nil.
func (c *Client) ValidationError() error { return c.validationError }
