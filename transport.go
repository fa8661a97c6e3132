package orkestra

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/clock"
)

// TransportConfig configures the net/http based HTTPClient.
type TransportConfig struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for each response body chunk.
	ReadTimeout time.Duration
	// Tracing wraps the transport with otelhttp.
	Tracing bool
	// Transport overrides the base round tripper.
	Transport http.RoundTripper
	// Clock measures ReadTimeout. Nil uses the system clock.
	Clock clock.Clock
}

// DefaultConnectTimeout is used when TransportConfig.ConnectTimeout is zero.
const DefaultConnectTimeout = 3100 * time.Millisecond

type netHTTPClient struct {
	client      *http.Client
	readTimeout time.Duration
	clock       clock.Clock
}

// NewHTTPClient returns an HTTPClient backed by net/http.
func NewHTTPClient(cfg TransportConfig) HTTPClient {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	rt := cfg.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
		t.TLSHandshakeTimeout = connect
		rt = t
	}
	if cfg.Tracing {
		rt = otelhttp.NewTransport(rt)
	}
	return &netHTTPClient{
		client: &http.Client{
			Transport: rt,
			// Redirects are the caller's business; the response is returned as is.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		readTimeout: cfg.ReadTimeout,
		clock:       cfg.Clock,
	}
}

// Call implements HTTPClient.
func (c *netHTTPClient) Call(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	var rd io.Reader = http.NoBody
	size := int64(0)
	if req.Body != nil {
		if n, ok := req.Body.SizeHint().Exact(); !ok || n > 0 {
			rd = body.NewReader(req.Body)
			size = -1
			if ok && req.Header.Get("Content-Length") != "" {
				size = int64(n)
			}
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), rd)
	if err != nil {
		return nil, &ConnectorError{Kind: ConnectorUser, Err: err}
	}
	hreq.Header = req.Header.Clone()
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}
	hreq.Header.Del("Content-Length")
	hreq.ContentLength = size

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, connectorError(ctx, err)
	}
	b := body.FromReadCloser(resp.Body, resp.ContentLength)
	if c.readTimeout > 0 {
		b = body.WithReadTimeout(b, c.readTimeout, c.clock)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// connectorError maps a net/http failure onto a ConnectorKind.
func connectorError(ctx context.Context, err error) *ConnectorError {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return &ConnectorError{Kind: ConnectorUser, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectorError{Kind: ConnectorTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectorError{Kind: ConnectorTimeout, Err: err}
	}

	var (
		dnsErr    *net.DNSError
		opErr     *net.OpError
		recordErr tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &certErr):
		return &ConnectorError{Kind: ConnectorOther, Err: err}
	case errors.As(err, &dnsErr), errors.As(err, &opErr), errors.As(err, &recordErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return &ConnectorError{Kind: ConnectorIO, Err: err}
	}
	return &ConnectorError{Kind: ConnectorOther, Err: err}
}
