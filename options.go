package orkestra

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/orkestra/clock"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
	"github.com/ambiyansyah-risyal/orkestra/identity"
)

// WithHTTPClient sets the HTTP client used to transmit requests
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTransport configures the default net/http client. It is ignored when
// WithHTTPClient is also given.
func WithTransport(cfg TransportConfig) Option {
	return func(c *Client) {
		c.transport = cfg
	}
}

// WithConnectTimeout bounds dialing and the TLS handshake
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.transport.ConnectTimeout = d
	}
}

// WithReadTimeout bounds the wait for each response body chunk
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.transport.ReadTimeout = d
	}
}

// WithTransportTracing wraps the default transport with otelhttp
func WithTransportTracing() Option {
	return func(c *Client) {
		c.transport.Tracing = true
	}
}

// WithEndpoint sends every request to a fixed URL
func WithEndpoint(rawURL string) Option {
	return func(c *Client) {
		s, err := endpoint.NewStatic(rawURL)
		if err != nil {
			c.optionErrors = append(c.optionErrors, fmt.Sprintf("endpoint: %v", err))
			return
		}
		c.endpointResolver = s
	}
}

// WithEndpointResolver sets the endpoint resolver
func WithEndpointResolver(r endpoint.Resolver) Option {
	return func(c *Client) {
		c.endpointResolver = r
	}
}

// WithRegion sets the region used for endpoint resolution and signing
func WithRegion(region string) Option {
	return func(c *Client) {
		c.region = region
	}
}

// WithSigningName overrides the service name used in signatures
func WithSigningName(name string) Option {
	return func(c *Client) {
		c.signingName = name
	}
}

// WithMaxAttempts sets the maximum number of attempts, the first included
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxAttempts = n
	}
}

// WithRetryMode selects standard or adaptive retries
func WithRetryMode(mode RetryMode) Option {
	return func(c *Client) {
		c.retryConfig.Mode = mode
	}
}

// WithInitialBackoff sets the base delay of the first retry
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.InitialBackoff = d
	}
}

// WithMaxBackoff caps every retry delay
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.MaxBackoff = d
	}
}

// WithStaticJitter makes retry delays deterministic
func WithStaticJitter() Option {
	return func(c *Client) {
		c.retryConfig.StaticJitter = true
	}
}

// WithRetryConfig replaces the whole retry configuration
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithOperationTimeout bounds an invocation, retries and backoff included
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeouts.Operation = d
	}
}

// WithAttemptTimeout bounds a single attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeouts.Attempt = d
	}
}

// WithStalledStreamProtection replaces the behavior version's stalled stream
// defaults
func WithStalledStreamProtection(cfg StalledStreamProtectionConfig) Option {
	return func(c *Client) {
		c.stalled = &cfg
	}
}

// WithRequestCompression replaces the behavior version's compression defaults
func WithRequestCompression(cfg RequestCompressionConfig) Option {
	return func(c *Client) {
		c.compression = &cfg
	}
}

// WithBehaviorVersion pins the defaults the client starts from
func WithBehaviorVersion(v BehaviorVersion) Option {
	return func(c *Client) {
		c.behavior = v
	}
}

// WithIdentityResolver registers the identity resolver for an auth scheme
func WithIdentityResolver(scheme AuthSchemeID, r identity.Resolver) Option {
	return func(c *Client) {
		c.identityResolvers[scheme] = r
	}
}

// WithCredentials signs requests with static HMAC credentials
func WithCredentials(accessKeyID, secret, sessionToken string) Option {
	return WithIdentityResolver(AuthSchemeHMAC, identity.NewStaticCredentials(accessKeyID, secret, sessionToken))
}

// WithBearerToken authenticates requests with a static bearer token
func WithBearerToken(token string) Option {
	return WithIdentityResolver(AuthSchemeBearer, identity.NewStaticToken(token))
}

// WithIdentityCacheOptions configures the identity cache
func WithIdentityCacheOptions(opts identity.CacheOptions) Option {
	return func(c *Client) {
		c.identityCacheOpts = opts
	}
}

// WithIdentityBufferTime sets how long before expiry callers wait for a
// fresh identity
func WithIdentityBufferTime(d time.Duration) Option {
	return func(c *Client) {
		c.identityCacheOpts.ExpirationBuffer = d
	}
}

// WithAuthScheme registers an auth scheme, replacing one with the same id
func WithAuthScheme(s AuthScheme) Option {
	return func(c *Client) {
		if len(c.authSchemes) == 0 {
			c.authSchemes = []AuthScheme{HMACAuthScheme(), BearerAuthScheme(), AnonymousAuthScheme()}
		}
		c.authSchemes = append(c.authSchemes, s)
	}
}

// WithAuthSchemePreference sets the client-wide auth scheme order
func WithAuthSchemePreference(ids ...AuthSchemeID) Option {
	return func(c *Client) {
		c.authPreference = ids
	}
}

// WithInterceptor adds interceptors to every invocation
func WithInterceptor(interceptors ...Interceptor) Option {
	return func(c *Client) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithRetryClassifier adds retry classifiers ahead of the defaults
func WithRetryClassifier(classifiers ...RetryClassifier) Option {
	return func(c *Client) {
		c.classifiers = append(c.classifiers, classifiers...)
	}
}

// WithRetryStrategy replaces the standard retry strategy
func WithRetryStrategy(s RetryStrategy) Option {
	return func(c *Client) {
		c.strategy = s
	}
}

// WithPlugin adds service-scope plugins applied after the client defaults
func WithPlugin(plugins ...RuntimePlugin) Option {
	return func(c *Client) {
		c.plugins = append(c.plugins, plugins...)
	}
}

// WithClock sets the time source and sleeper
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithTokenBucket sizes the retry quota
func WithTokenBucket(cfg TokenBucketConfig) Option {
	return func(c *Client) {
		c.bucketCfg = cfg
	}
}

// WithMaxSendRate sets the adaptive mode ceiling in requests per second
func WithMaxSendRate(rps float64) Option {
	return func(c *Client) {
		c.maxSendRate = rps
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry records metrics into the given registerer
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithTracerProvider enables OpenTelemetry spans. A nil provider uses the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = NewTracer(tp)
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.optionErrors...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateTimeoutConfig()...)
	errors = append(errors, c.validateStreamConfig()...)
	errors = append(errors, c.validateAuthConfig()...)
	errors = append(errors, c.validateInterceptorConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return newError(KindConstruction, "configuration validation failed",
			fmt.Errorf("validation errors: %v", errors))
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.retryConfig.MaxAttempts < 1 {
		errors = append(errors, "maxAttempts must be at least 1")
	}
	switch c.retryConfig.Mode {
	case RetryModeStandard, RetryModeAdaptive, "":
	default:
		errors = append(errors, fmt.Sprintf("unknown retry mode %q", c.retryConfig.Mode))
	}
	if c.retryConfig.InitialBackoff < 0 {
		errors = append(errors, "initialBackoff must be non-negative")
	}
	if c.retryConfig.MaxBackoff > 0 && c.retryConfig.MaxBackoff < c.retryConfig.InitialBackoff {
		errors = append(errors, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.bucketCfg.Capacity < 0 || c.bucketCfg.RetryCost < 0 || c.bucketCfg.TimeoutCost < 0 {
		errors = append(errors, "token bucket values must be non-negative")
	}
	if c.maxSendRate < 0 {
		errors = append(errors, "maxSendRate must be non-negative")
	}

	return errors
}

// validateTimeoutConfig validates operation and attempt budgets
func (c *Client) validateTimeoutConfig() []string {
	var errors []string

	if c.timeouts.Operation < 0 || c.timeouts.Attempt < 0 {
		errors = append(errors, "timeouts must be non-negative")
	}
	if c.timeouts.Operation > 0 && c.timeouts.Attempt > c.timeouts.Operation {
		errors = append(errors, "attempt timeout must not exceed operation timeout")
	}
	if c.transport.ConnectTimeout < 0 || c.transport.ReadTimeout < 0 {
		errors = append(errors, "transport timeouts must be non-negative")
	}

	return errors
}

// validateStreamConfig validates stalled stream protection and compression
func (c *Client) validateStreamConfig() []string {
	var errors []string

	if s := c.stalled; s != nil && s.Enabled {
		if s.MinBytesPerSecond < 0 {
			errors = append(errors, "stalled stream MinBytesPerSecond must be non-negative")
		}
		if s.GracePeriod < 0 {
			errors = append(errors, "stalled stream GracePeriod must be non-negative")
		}
	}
	if cc := c.compression; cc != nil && cc.MinSize < 0 {
		errors = append(errors, "compression MinSize must be non-negative")
	}
	switch c.behavior {
	case BehaviorVersion20231109, BehaviorVersion20250117:
	default:
		errors = append(errors, fmt.Sprintf("unknown behavior version %q", c.behavior))
	}

	return errors
}

// validateAuthConfig validates auth schemes and identity resolvers
func (c *Client) validateAuthConfig() []string {
	var errors []string

	for i, s := range c.authSchemes {
		if s == nil {
			errors = append(errors, fmt.Sprintf("authScheme[%d] cannot be nil", i))
		}
	}
	for id, r := range c.identityResolvers {
		if r == nil {
			errors = append(errors, fmt.Sprintf("identity resolver for %s cannot be nil", id))
		}
	}

	return errors
}

// validateInterceptorConfig validates interceptors and plugins
func (c *Client) validateInterceptorConfig() []string {
	var errors []string

	for i, interceptor := range c.interceptors {
		if interceptor == nil {
			errors = append(errors, fmt.Sprintf("interceptor[%d] cannot be nil", i))
		}
	}
	for i, classifier := range c.classifiers {
		if classifier == nil {
			errors = append(errors, fmt.Sprintf("retryClassifier[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled && c.logger == nil {
		errors = append(errors, "logger must be set when debug is enabled")
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.retryConfig.MaxAttempts > 100 {
		errors = append(errors, "maxAttempts > 100 may cause excessive resource usage")
	}
	if c.retryConfig.InitialBackoff > 10*time.Minute {
		errors = append(errors, "initialBackoff > 10m may cause very long delays")
	}
	if c.retryConfig.MaxBackoff > time.Hour {
		errors = append(errors, "maxBackoff > 1h may cause extremely long delays")
	}

	return errors
}
