// Package orkestratest provides an HTTPClient that replays canned replies,
// for testing code built on orkestra.
package orkestratest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra"
	"github.com/ambiyansyah-risyal/orkestra/body"
)

// ErrScriptExhausted is returned when a call arrives after the last reply
// was used.
var ErrScriptExhausted = errors.New("orkestratest: no scripted reply left")

// Reply is one canned outcome of a call.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
	// NewBody, if set, builds the response body instead of Body.
	NewBody func() body.Body
	// Err is returned instead of a response.
	Err error
	// Delay postpones the outcome. A cancelled context ends the wait early
	// with a ConnectorTimeout or ConnectorUser error.
	Delay time.Duration
	// Hang blocks until the context is done.
	Hang bool
}

// Status returns a reply with the given status and body.
func Status(code int, b string) Reply {
	return Reply{Status: code, Body: []byte(b)}
}

// JSON returns a reply whose body is v encoded as JSON.
func JSON(code int, v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("orkestratest: encode reply: %v", err))
	}
	return Reply{Status: code, Header: http.Header{"Content-Type": {"application/json"}}, Body: data}
}

// ServiceError returns a REST-JSON error reply.
func ServiceError(code int, errorCode, message string) Reply {
	r := JSON(code, map[string]string{"__type": errorCode, "message": message})
	r.Header.Set("X-Amzn-Errortype", errorCode)
	return r
}

// IOError returns a reply that fails the transport with a retryable error.
func IOError() Reply {
	return Reply{Err: &orkestra.ConnectorError{Kind: orkestra.ConnectorIO, Err: errors.New("connection reset by peer")}}
}

// Hang returns a reply that never arrives.
func Hang() Reply { return Reply{Hang: true} }

// WithHeader returns a copy of r with a header set.
func (r Reply) WithHeader(key, value string) Reply {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	r.Header = h
	return r
}

// Request is a snapshot of a transmitted request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Body holds the request body when it was in memory.
	Body []byte
}

// ScriptedClient answers calls with its replies in order. It is safe for
// concurrent use.
type ScriptedClient struct {
	mu       sync.Mutex
	replies  []Reply
	repeat   bool
	requests []Request
}

// NewScriptedClient returns a client that plays replies once each.
func NewScriptedClient(replies ...Reply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Repeating returns a client that answers every call with r.
func Repeating(r Reply) *ScriptedClient {
	return &ScriptedClient{replies: []Reply{r}, repeat: true}
}

// Call implements orkestra.HTTPClient.
func (s *ScriptedClient) Call(ctx context.Context, req *orkestra.HTTPRequest) (*orkestra.HTTPResponse, error) {
	snap := Request{Method: req.Method, URL: cloneURL(req.URL), Header: req.Header.Clone()}
	if data, ok := body.InMemory(req.Body); ok {
		snap.Body = append([]byte(nil), data...)
	}

	s.mu.Lock()
	s.requests = append(s.requests, snap)
	if len(s.replies) == 0 {
		s.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	r := s.replies[0]
	if !s.repeat {
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	switch {
	case r.Hang:
		<-ctx.Done()
		return nil, ctxError(ctx)
	case r.Delay > 0:
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctxError(ctx)
		case <-t.C:
		}
	}

	if r.Err != nil {
		return nil, r.Err
	}
	resp := &orkestra.HTTPResponse{StatusCode: r.Status, Header: r.Header.Clone()}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if r.NewBody != nil {
		resp.Body = r.NewBody()
	} else {
		resp.Body = body.FromBytes(r.Body)
	}
	return resp, nil
}

func ctxError(ctx context.Context) error {
	kind := orkestra.ConnectorUser
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = orkestra.ConnectorTimeout
	}
	return &orkestra.ConnectorError{Kind: kind, Err: ctx.Err()}
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Requests returns the requests seen so far, oldest first.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of calls made.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Remaining returns the number of unused replies.
func (s *ScriptedClient) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
