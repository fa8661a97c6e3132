package orkestra

import (
	"fmt"
	"strings"

	"github.com/ambiyansyah-risyal/orkestra/clock"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
	"github.com/ambiyansyah-risyal/orkestra/identity"
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// RuntimeComponents are the concrete implementations an invocation runs
// with. They are built once per invocation from the plugins and are
// read-only afterwards.
type RuntimeComponents struct {
	HTTPClient        HTTPClient
	RetryStrategy     RetryStrategy
	RetryClassifiers  []RetryClassifier
	EndpointResolver  endpoint.Resolver
	IdentityCache     *identity.Cache
	IdentityResolvers map[AuthSchemeID]identity.Resolver
	AuthSchemes       []AuthScheme
	Clock             clock.Clock
	Interceptors      []Interceptor
	Logger            logging.Logger
	Metrics           *MetricsCollector
	Tracer            *Tracer
}

// IdentityResolver returns the resolver registered for scheme.
func (rc *RuntimeComponents) IdentityResolver(scheme AuthSchemeID) (identity.Resolver, bool) {
	r, ok := rc.IdentityResolvers[scheme]
	return r, ok
}

// AuthScheme returns the scheme registered under id.
func (rc *RuntimeComponents) AuthScheme(id AuthSchemeID) (AuthScheme, bool) {
	for _, s := range rc.AuthSchemes {
		if s.SchemeID() == id {
			return s, true
		}
	}
	return nil, false
}

// RuntimeComponentsBuilder accumulates components across plugin scopes.
// Single-valued components are replaced by later scopes; lists grow.
type RuntimeComponentsBuilder struct {
	name string
	rc   RuntimeComponents
}

// NewRuntimeComponentsBuilder returns an empty builder.
func NewRuntimeComponentsBuilder(name string) *RuntimeComponentsBuilder {
	return &RuntimeComponentsBuilder{name: name, rc: RuntimeComponents{IdentityResolvers: map[AuthSchemeID]identity.Resolver{}}}
}

func (b *RuntimeComponentsBuilder) Name() string { return b.name }

func (b *RuntimeComponentsBuilder) SetHTTPClient(c HTTPClient) *RuntimeComponentsBuilder {
	b.rc.HTTPClient = c
	return b
}

func (b *RuntimeComponentsBuilder) HTTPClient() HTTPClient { return b.rc.HTTPClient }

func (b *RuntimeComponentsBuilder) SetRetryStrategy(s RetryStrategy) *RuntimeComponentsBuilder {
	b.rc.RetryStrategy = s
	return b
}

func (b *RuntimeComponentsBuilder) RetryStrategy() RetryStrategy { return b.rc.RetryStrategy }

// SetRetryClassifiers replaces the classifier chain.
func (b *RuntimeComponentsBuilder) SetRetryClassifiers(cs ...RetryClassifier) *RuntimeComponentsBuilder {
	b.rc.RetryClassifiers = append([]RetryClassifier(nil), cs...)
	return b
}

// PrependRetryClassifier puts c ahead of the existing chain.
func (b *RuntimeComponentsBuilder) PrependRetryClassifier(c RetryClassifier) *RuntimeComponentsBuilder {
	b.rc.RetryClassifiers = append([]RetryClassifier{c}, b.rc.RetryClassifiers...)
	return b
}

func (b *RuntimeComponentsBuilder) SetEndpointResolver(r endpoint.Resolver) *RuntimeComponentsBuilder {
	b.rc.EndpointResolver = r
	return b
}

func (b *RuntimeComponentsBuilder) EndpointResolver() endpoint.Resolver { return b.rc.EndpointResolver }

func (b *RuntimeComponentsBuilder) SetIdentityCache(c *identity.Cache) *RuntimeComponentsBuilder {
	b.rc.IdentityCache = c
	return b
}

func (b *RuntimeComponentsBuilder) SetIdentityResolver(scheme AuthSchemeID, r identity.Resolver) *RuntimeComponentsBuilder {
	b.rc.IdentityResolvers[scheme] = r
	return b
}

// PutAuthScheme registers s, replacing a scheme with the same id.
func (b *RuntimeComponentsBuilder) PutAuthScheme(s AuthScheme) *RuntimeComponentsBuilder {
	for i, existing := range b.rc.AuthSchemes {
		if existing.SchemeID() == s.SchemeID() {
			b.rc.AuthSchemes[i] = s
			return b
		}
	}
	b.rc.AuthSchemes = append(b.rc.AuthSchemes, s)
	return b
}

func (b *RuntimeComponentsBuilder) SetClock(c clock.Clock) *RuntimeComponentsBuilder {
	b.rc.Clock = c
	return b
}

func (b *RuntimeComponentsBuilder) AddInterceptor(i ...Interceptor) *RuntimeComponentsBuilder {
	b.rc.Interceptors = append(b.rc.Interceptors, i...)
	return b
}

func (b *RuntimeComponentsBuilder) Interceptors() []Interceptor { return b.rc.Interceptors }

func (b *RuntimeComponentsBuilder) SetLogger(l logging.Logger) *RuntimeComponentsBuilder {
	b.rc.Logger = l
	return b
}

func (b *RuntimeComponentsBuilder) SetMetrics(m *MetricsCollector) *RuntimeComponentsBuilder {
	b.rc.Metrics = m
	return b
}

func (b *RuntimeComponentsBuilder) SetTracer(t *Tracer) *RuntimeComponentsBuilder {
	b.rc.Tracer = t
	return b
}

// Build validates the components and returns a snapshot.
func (b *RuntimeComponentsBuilder) Build() (*RuntimeComponents, error) {
	var missing []string
	if b.rc.HTTPClient == nil {
		missing = append(missing, "http client")
	}
	if b.rc.RetryStrategy == nil {
		missing = append(missing, "retry strategy")
	}
	if b.rc.EndpointResolver == nil {
		missing = append(missing, "endpoint resolver")
	}
	if b.rc.Clock == nil {
		missing = append(missing, "clock")
	}
	if len(b.rc.AuthSchemes) == 0 {
		missing = append(missing, "auth scheme")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("runtime components %q missing: %s", b.name, strings.Join(missing, ", "))
	}

	rc := b.rc
	rc.RetryClassifiers = append([]RetryClassifier(nil), b.rc.RetryClassifiers...)
	if len(rc.RetryClassifiers) == 0 {
		rc.RetryClassifiers = DefaultRetryClassifiers()
	}
	rc.AuthSchemes = append([]AuthScheme(nil), b.rc.AuthSchemes...)
	rc.Interceptors = append([]Interceptor(nil), b.rc.Interceptors...)
	rc.IdentityResolvers = make(map[AuthSchemeID]identity.Resolver, len(b.rc.IdentityResolvers))
	for k, v := range b.rc.IdentityResolvers {
		rc.IdentityResolvers[k] = v
	}
	rc.Logger = logging.OrNop(rc.Logger)
	return &rc, nil
}
