package orkestra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ambiyansyah-risyal/orkestra/body"
)

// HTTPRequest is the transport-neutral request built by the serializer and
// completed by endpoint resolution and signing.
type HTTPRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   body.Body
}

// NewHTTPRequest returns an empty GET request with a relative root URL.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/"},
		Header: http.Header{},
		Body:   body.Empty(),
	}
}

// Clone copies the request. It reports false when the body cannot be
// replayed, in which case the clone shares the original body.
func (r *HTTPRequest) Clone() (*HTTPRequest, bool) {
	u := *r.URL
	if r.URL.User != nil {
		user := *r.URL.User
		u.User = &user
	}
	c := &HTTPRequest{Method: r.Method, URL: &u, Header: r.Header.Clone()}
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body == nil {
		c.Body = body.Empty()
		return c, true
	}
	b, ok := body.TryClone(r.Body)
	if !ok {
		c.Body = r.Body
		return c, false
	}
	c.Body = b
	return c, true
}

// finalize enforces the wire invariants: one Host header taken from the URL,
// and Content-Length iff the size is exact and the request is not streaming.
func (r *HTTPRequest) finalize(streaming bool) {
	if r.Header == nil {
		r.Header = http.Header{}
	}
	if r.Body == nil {
		r.Body = body.Empty()
	}
	if r.URL != nil && r.URL.Host != "" {
		r.Header["Host"] = []string{r.URL.Host}
	}
	r.Header.Del("Content-Length")
	if streaming {
		return
	}
	if n, ok := r.Body.SizeHint().Exact(); ok {
		r.Header.Set("Content-Length", strconv.FormatUint(n, 10))
	}
}

// HTTPResponse is the transport-neutral response.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       body.Body
}

var requestIDHeaders = []string{"X-Amzn-Requestid", "X-Amz-Request-Id"}

// RequestID returns the service request id header, if present.
func (r *HTTPResponse) RequestID() string {
	if r == nil {
		return ""
	}
	for _, h := range requestIDHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

// HTTPClient sends one request. Implementations must return once ctx is done
// and report transport failures as *ConnectorError.
type HTTPClient interface {
	Call(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// HTTPClientFunc adapts a function to HTTPClient.
type HTTPClientFunc func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)

// Call implements HTTPClient.
func (f HTTPClientFunc) Call(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return f(ctx, req)
}

// ConnectorKind hints how a transport failure should be classified.
type ConnectorKind int

const (
	ConnectorOther ConnectorKind = iota
	ConnectorIO
	ConnectorTimeout
	// ConnectorUser is a failure caused by the caller, e.g. cancellation or an
	// invalid request.
	ConnectorUser
)

func (k ConnectorKind) String() string {
	switch k {
	case ConnectorIO:
		return "io"
	case ConnectorTimeout:
		return "timeout"
	case ConnectorUser:
		return "user"
	default:
		return "other"
	}
}

// ConnectorError is a transport failure.
type ConnectorError struct {
	Kind ConnectorKind
	Err  error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s error: %v", e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *ConnectorError) Timeout() bool { return e.Kind == ConnectorTimeout }

// IsConnectorKind reports whether err wraps a ConnectorError of kind k.
func IsConnectorKind(err error, k ConnectorKind) bool {
	var ce *ConnectorError
	return errors.As(err, &ce) && ce.Kind == k
}
