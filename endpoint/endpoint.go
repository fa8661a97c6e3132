// Package endpoint resolves the destination of a request and caches
// endpoints that a service hands out through discovery.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint is a resolved destination plus the hints attached to it.
type Endpoint struct {
	URL *url.URL
	// Headers are merged into the request before signing.
	Headers http.Header
	// Properties are consumed by the signer, e.g. a signing region override.
	Properties map[string]any
}

// Property keys understood by the built-in signers.
const (
	PropertySigningRegion = "signingRegion"
	PropertySigningName   = "signingName"
	PropertyAuthSchemes   = "authSchemes"
)

// Parse returns an endpoint for rawURL.
func Parse(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint: URL %q must be absolute", rawURL)
	}
	return Endpoint{URL: u}, nil
}

// MustParse is Parse that panics on error. It is meant for tests and
// package-level defaults.
func MustParse(rawURL string) Endpoint {
	e, err := Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return e
}

// WithHeader returns a copy of e with an extra header value.
func (e Endpoint) WithHeader(key, value string) Endpoint {
	h := e.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Add(key, value)
	e.Headers = h
	return e
}

// WithProperty returns a copy of e with an extra property.
func (e Endpoint) WithProperty(key string, value any) Endpoint {
	p := make(map[string]any, len(e.Properties)+1)
	for k, v := range e.Properties {
		p[k] = v
	}
	p[key] = value
	e.Properties = p
	return e
}

// Property returns the value stored under key as T.
func Property[T any](e Endpoint, key string) (T, bool) {
	v, ok := e.Properties[key].(T)
	return v, ok
}

// ApplyURL rewrites u in place to target the endpoint. The endpoint's path
// is prefixed to the request path and its query is merged.
func (e Endpoint) ApplyURL(u *url.URL) {
	if e.URL == nil {
		return
	}
	u.Scheme = e.URL.Scheme
	u.Host = e.URL.Host
	u.User = e.URL.User
	if base := strings.TrimSuffix(e.URL.Path, "/"); base != "" {
		u.Path = base + "/" + strings.TrimPrefix(u.Path, "/")
		if u.RawPath != "" {
			u.RawPath = strings.TrimSuffix(e.URL.EscapedPath(), "/") + "/" + strings.TrimPrefix(u.RawPath, "/")
		}
	}
	if e.URL.RawQuery != "" {
		q := u.Query()
		for k, vs := range e.URL.Query() {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
}

// ApplyHeaders merges the endpoint headers into h, keeping any header the
// request already sets.
func (e Endpoint) ApplyHeaders(h http.Header) {
	for k, vs := range e.Headers {
		if _, exists := h[k]; exists {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
}

func (e Endpoint) String() string {
	if e.URL == nil {
		return "<no endpoint>"
	}
	return e.URL.String()
}

// Resolver turns endpoint parameters into an Endpoint.
type Resolver interface {
	ResolveEndpoint(ctx context.Context, params any) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, params any) (Endpoint, error)

// ResolveEndpoint implements Resolver.
func (f ResolverFunc) ResolveEndpoint(ctx context.Context, params any) (Endpoint, error) {
	return f(ctx, params)
}

// Static resolves every request to the same endpoint.
type Static struct {
	Endpoint Endpoint
}

// NewStatic parses rawURL into a Static resolver.
func NewStatic(rawURL string) (Static, error) {
	e, err := Parse(rawURL)
	return Static{Endpoint: e}, err
}

// ResolveEndpoint implements Resolver.
func (s Static) ResolveEndpoint(context.Context, any) (Endpoint, error) {
	if s.Endpoint.URL == nil {
		return Endpoint{}, ErrNoEndpoint
	}
	return s.Endpoint, nil
}

// ErrNoEndpoint is returned when nothing could be resolved.
var ErrNoEndpoint = errors.New("endpoint: no endpoint configured")

// Params is the built-in parameter record used when an operation does not
// supply its own.
type Params struct {
	Region       string
	UseFIPS      bool
	UseDualStack bool
	Endpoint     string
}

// Template resolves Params by expanding {region} in a URL template, unless
// Params.Endpoint overrides it.
type Template struct {
	URL string
	// FIPSURL and DualStackURL are used when the matching flag is set; they
	// fall back to URL.
	FIPSURL      string
	DualStackURL string
}

// ResolveEndpoint implements Resolver.
func (t Template) ResolveEndpoint(_ context.Context, params any) (Endpoint, error) {
	p, ok := params.(Params)
	if !ok {
		if pp, isPtr := params.(*Params); isPtr && pp != nil {
			p, ok = *pp, true
		}
	}
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint: template resolver needs endpoint.Params, got %T", params)
	}
	if p.Endpoint != "" {
		return Parse(p.Endpoint)
	}
	if p.Region == "" {
		return Endpoint{}, errors.New("endpoint: region is required")
	}
	tmpl := t.URL
	switch {
	case p.UseFIPS && t.FIPSURL != "":
		tmpl = t.FIPSURL
	case p.UseDualStack && t.DualStackURL != "":
		tmpl = t.DualStackURL
	}
	e, err := Parse(strings.ReplaceAll(tmpl, "{region}", p.Region))
	if err != nil {
		return Endpoint{}, err
	}
	return e.WithProperty(PropertySigningRegion, p.Region), nil
}
