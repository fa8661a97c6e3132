package body

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/clock"
)

// ReadTimeoutError is returned when no chunk arrives within the idle timeout.
type ReadTimeoutError struct {
	Duration time.Duration
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("body: no data received for %s", e.Duration)
}

// Transient marks the error as safe to retry.
func (e *ReadTimeoutError) Transient() bool { return true }

// Timeout reports true so net.Error style checks treat it as a timeout.
func (e *ReadTimeoutError) Timeout() bool { return true }

type readTimeoutBody struct {
	inner   Body
	timeout time.Duration
	clock   clock.Clock
}

// WithReadTimeout fails b when a single NextChunk call blocks longer than d,
// as measured by c. A nil c uses the system clock. A non-positive d returns b
// unchanged.
func WithReadTimeout(b Body, d time.Duration, c clock.Clock) Body {
	if d <= 0 {
		return b
	}
	if c == nil {
		c = clock.System()
	}
	return &readTimeoutBody{inner: b, timeout: d, clock: c}
}

// pendingRead is the state one NextChunk call shares with its timer.
type pendingRead struct {
	mu       sync.Mutex
	finished bool
	timedOut bool
}

func (r *readTimeoutBody) NextChunk() ([]byte, error) {
	p := &pendingRead{}
	done := make(chan struct{})
	fire := r.clock.After(r.timeout)
	go func() {
		select {
		case <-fire:
		case <-done:
			return
		}
		p.mu.Lock()
		if p.finished {
			p.mu.Unlock()
			return
		}
		p.timedOut = true
		p.mu.Unlock()
		r.inner.Close()
	}()

	chunk, err := r.inner.NextChunk()
	close(done)

	p.mu.Lock()
	p.finished = true
	timedOut := p.timedOut
	p.mu.Unlock()
	if timedOut {
		return nil, &ReadTimeoutError{Duration: r.timeout}
	}
	return chunk, err
}

func (r *readTimeoutBody) Trailers() (http.Header, error) { return r.inner.Trailers() }
func (r *readTimeoutBody) SizeHint() SizeHint             { return r.inner.SizeHint() }
func (r *readTimeoutBody) IsEndStream() bool              { return r.inner.IsEndStream() }
func (r *readTimeoutBody) Close() error                   { return r.inner.Close() }
func (r *readTimeoutBody) Unwrap() Body                   { return r.inner }
