package body

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/clock"
)

// Throughput is an amount of bytes transferred over a duration.
type Throughput struct {
	Bytes uint64
	Per   time.Duration
}

// BytesPerSecond normalises the throughput to one second.
func (t Throughput) BytesPerSecond() float64 {
	if t.Per <= 0 {
		return 0
	}
	return float64(t.Bytes) / t.Per.Seconds()
}

func (t Throughput) String() string {
	return fmt.Sprintf("%.2f B/s", t.BytesPerSecond())
}

type throughputEntry struct {
	at    time.Time
	bytes uint64
}

// throughputLogs keeps the (time, bytes) records that fall inside a sliding
// window.
type throughputLogs struct {
	window  time.Duration
	entries []throughputEntry
}

func (l *throughputLogs) push(at time.Time, n uint64) {
	l.entries = append(l.entries, throughputEntry{at: at, bytes: n})
	l.evict(at)
}

func (l *throughputLogs) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.entries) && l.entries[i].at.Before(cutoff) {
		i++
	}
	l.entries = l.entries[i:]
}

func (l *throughputLogs) calculate(now time.Time) Throughput {
	l.evict(now)
	var total uint64
	for _, e := range l.entries {
		total += e.bytes
	}
	return Throughput{Bytes: total, Per: l.window}
}

// ThroughputOptions configures the stalled-stream monitor.
type ThroughputOptions struct {
	// MinBytesPerSecond is the lowest acceptable rate over Window.
	MinBytesPerSecond float64
	// GracePeriod is ignored before monitoring starts, to tolerate slow starts.
	GracePeriod time.Duration
	// CheckInterval is how often the rate is evaluated.
	CheckInterval time.Duration
	// Window is the span the rate is averaged over.
	Window time.Duration
	Clock  clock.Clock
}

// DefaultThroughputOptions returns 1 B/s over 5s, checked every second after
// a 5s grace period.
func DefaultThroughputOptions() ThroughputOptions {
	return ThroughputOptions{
		MinBytesPerSecond: 1,
		GracePeriod:       5 * time.Second,
		CheckInterval:     time.Second,
		Window:            5 * time.Second,
		Clock:             clock.System(),
	}
}

func (o ThroughputOptions) withDefaults() ThroughputOptions {
	d := DefaultThroughputOptions()
	if o.MinBytesPerSecond <= 0 {
		o.MinBytesPerSecond = d.MinBytesPerSecond
	}
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = d.CheckInterval
	}
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// ThroughputBelowMinimumError reports a stalled stream.
type ThroughputBelowMinimumError struct {
	Expected Throughput
	Actual   Throughput
}

func (e *ThroughputBelowMinimumError) Error() string {
	return fmt.Sprintf("body: minimum throughput was specified at %s, but throughput of %s was observed", e.Expected, e.Actual)
}

// Transient marks the error as safe to retry.
func (e *ThroughputBelowMinimumError) Transient() bool { return true }

// minimumThroughputBody fails the wrapped body when, while a read is
// pending, fewer than MinBytesPerSecond arrive over a full window following
// the grace period.
type minimumThroughputBody struct {
	inner Body
	opts  ThroughputOptions

	mu      sync.Mutex
	logs    throughputLogs
	started bool
	startAt time.Time
	pending bool
	failure error
	stop    chan struct{}
	stopped bool
}

// NewMinimumThroughput wraps b with a stalled-stream monitor.
func NewMinimumThroughput(b Body, opts ThroughputOptions) Body {
	opts = opts.withDefaults()
	return &minimumThroughputBody{
		inner: b,
		opts:  opts,
		logs:  throughputLogs{window: opts.Window},
		stop:  make(chan struct{}),
	}
}

func (m *minimumThroughputBody) NextChunk() ([]byte, error) {
	m.mu.Lock()
	if m.failure != nil {
		err := m.failure
		m.mu.Unlock()
		return nil, err
	}
	if !m.started {
		m.started = true
		m.startAt = m.opts.Clock.Now()
		go m.monitor()
	}
	m.pending = true
	m.mu.Unlock()

	chunk, err := m.inner.NextChunk()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = false
	if m.failure != nil {
		return nil, m.failure
	}
	if len(chunk) > 0 {
		m.logs.push(m.opts.Clock.Now(), uint64(len(chunk)))
	}
	if err != nil {
		m.stopLocked()
	}
	return chunk, err
}

func (m *minimumThroughputBody) monitor() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.opts.Clock.After(m.opts.CheckInterval):
		}
		if m.check() {
			m.inner.Close()
			return
		}
	}
}

// check evaluates the window and records a failure. It reports whether the
// body was failed.
func (m *minimumThroughputBody) check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.pending {
		return false
	}
	now := m.opts.Clock.Now()
	if now.Sub(m.startAt) < m.opts.GracePeriod+m.opts.Window {
		return false
	}
	actual := m.logs.calculate(now)
	if actual.BytesPerSecond() >= m.opts.MinBytesPerSecond {
		return false
	}
	m.failure = &ThroughputBelowMinimumError{
		Expected: Throughput{Bytes: uint64(m.opts.MinBytesPerSecond), Per: time.Second},
		Actual:   actual,
	}
	m.stopLocked()
	return true
}

func (m *minimumThroughputBody) stopLocked() {
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
}

func (m *minimumThroughputBody) Trailers() (http.Header, error) { return m.inner.Trailers() }
func (m *minimumThroughputBody) SizeHint() SizeHint             { return m.inner.SizeHint() }
func (m *minimumThroughputBody) IsEndStream() bool              { return m.inner.IsEndStream() }
func (m *minimumThroughputBody) Unwrap() Body                   { return m.inner }

func (m *minimumThroughputBody) Close() error {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
	return m.inner.Close()
}

func (m *minimumThroughputBody) TryClone() (Body, bool) {
	c, ok := TryClone(m.inner)
	if !ok {
		return nil, false
	}
	return NewMinimumThroughput(c, m.opts), true
}
