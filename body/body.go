// Package body implements the lazily polled request and response bodies that
// flow through the orchestrator.
//
// A Body yields byte chunks until io.EOF, may carry trailers after the last
// chunk, and reports a size hint. Bodies that can be replayed for a retry
// implement Cloner.
package body

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
)

// DefaultChunkSize is the read size used for stream and file backed bodies.
const DefaultChunkSize = 32 * 1024

// SizeHint describes how many bytes a body will yield.
type SizeHint struct {
	Lower    uint64
	Upper    uint64
	HasUpper bool
}

// ExactSize returns a hint for a body of exactly n bytes.
func ExactSize(n uint64) SizeHint {
	return SizeHint{Lower: n, Upper: n, HasUpper: true}
}

// UnknownSize is the hint for bodies of unknown length.
var UnknownSize = SizeHint{}

// Exact returns the size when the lower and upper bounds agree.
func (h SizeHint) Exact() (uint64, bool) {
	if h.HasUpper && h.Lower == h.Upper {
		return h.Lower, true
	}
	return 0, false
}

func (h SizeHint) String() string {
	if n, ok := h.Exact(); ok {
		return fmt.Sprintf("exact(%d)", n)
	}
	if h.HasUpper {
		return fmt.Sprintf("[%d, %d]", h.Lower, h.Upper)
	}
	return fmt.Sprintf("[%d, ?)", h.Lower)
}

// Body is a lazy sequence of byte chunks.
type Body interface {
	// NextChunk returns the next chunk. It returns io.EOF once the body is
	// exhausted; the final call may return data together with io.EOF.
	NextChunk() ([]byte, error)
	// Trailers returns the trailer map once the last chunk was delivered.
	Trailers() (http.Header, error)
	SizeHint() SizeHint
	IsEndStream() bool
	Close() error
}

// Cloner is implemented by bodies that can be replayed from the start.
type Cloner interface {
	TryClone() (Body, bool)
}

// Poller is implemented by bodies that know whether they have been read.
type Poller interface {
	Polled() bool
}

// Wrapper is implemented by bodies that decorate another body.
type Wrapper interface {
	Unwrap() Body
}

// ErrTrailersNotReady is returned by Trailers before the body is exhausted.
var ErrTrailersNotReady = errors.New("body: trailers requested before end of stream")

// TryClone returns a fresh copy of b positioned at its start, if b supports it.
func TryClone(b Body) (Body, bool) {
	if b == nil {
		return Empty(), true
	}
	c, ok := b.(Cloner)
	if !ok {
		return nil, false
	}
	return c.TryClone()
}

// Replayable reports whether b can be cloned for a retry.
func Replayable(b Body) bool {
	_, ok := TryClone(b)
	return ok
}

// WasPolled reports whether any chunk was requested from b or a body it wraps.
func WasPolled(b Body) bool {
	for b != nil {
		if p, ok := b.(Poller); ok && p.Polled() {
			return true
		}
		w, ok := b.(Wrapper)
		if !ok {
			return false
		}
		b = w.Unwrap()
	}
	return false
}

// ReadAll drains b and returns its bytes. The body is closed afterwards.
func ReadAll(b Body) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	defer b.Close()
	var buf bytes.Buffer
	if n, ok := b.SizeHint().Exact(); ok && n < 64<<20 {
		buf.Grow(int(n))
	}
	for {
		chunk, err := b.NextChunk()
		buf.Write(chunk)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

// bytesBody is a single in-memory chunk.
type bytesBody struct {
	data     []byte
	trailers http.Header
	done     bool
}

// FromBytes returns a cloneable body that yields b as one chunk.
func FromBytes(b []byte) Body {
	return &bytesBody{data: b}
}

// FromString is FromBytes for a string.
func FromString(s string) Body { return FromBytes([]byte(s)) }

// Empty returns a body with no content.
func Empty() Body { return &bytesBody{} }

// WithTrailers returns an in-memory body that yields data and then trailers.
func WithTrailers(data []byte, trailers http.Header) Body {
	return &bytesBody{data: data, trailers: trailers}
}

func (b *bytesBody) NextChunk() ([]byte, error) {
	if b.done {
		return nil, io.EOF
	}
	b.done = true
	return b.data, io.EOF
}

func (b *bytesBody) Trailers() (http.Header, error) {
	if !b.done && len(b.data) > 0 {
		return nil, ErrTrailersNotReady
	}
	return b.trailers, nil
}

func (b *bytesBody) SizeHint() SizeHint { return ExactSize(uint64(len(b.data))) }
func (b *bytesBody) IsEndStream() bool  { return b.done || len(b.data) == 0 }
func (b *bytesBody) Close() error       { b.done = true; return nil }
func (b *bytesBody) Polled() bool       { return b.done }

// Bytes exposes the in-memory content without consuming it.
func (b *bytesBody) Bytes() []byte { return b.data }

func (b *bytesBody) TryClone() (Body, bool) {
	return &bytesBody{data: b.data, trailers: b.trailers}, true
}

// InMemory returns the content of an in-memory body without consuming it.
func InMemory(b Body) ([]byte, bool) {
	if bb, ok := b.(*bytesBody); ok {
		return bb.data, true
	}
	return nil, false
}

// fileBody reads a byte range of a file through ReadAt, so clones never
// share a read offset.
type fileBody struct {
	src    io.ReaderAt
	off, n int64
	sr     *io.SectionReader
	closer io.Closer
	polled bool
	done   bool
	buf    []byte
}

// FromFile returns a cloneable body over the remaining content of f,
// starting at its current offset.
func FromFile(f *os.File) (Body, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("body: stat %s: %w", f.Name(), err)
	}
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("body: seek %s: %w", f.Name(), err)
	}
	return FromReaderAt(f, off, info.Size()-off), nil
}

// FromPath opens the file at path and returns a cloneable body over it.
func FromPath(path string) (Body, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	b, err := FromFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	b.(*fileBody).closer = f
	return b, nil
}

// FromReaderAt returns a cloneable body over n bytes of src starting at off.
func FromReaderAt(src io.ReaderAt, off, n int64) Body {
	return &fileBody{src: src, off: off, n: n, sr: io.NewSectionReader(src, off, n)}
}

func (f *fileBody) NextChunk() ([]byte, error) {
	if f.done {
		return nil, io.EOF
	}
	f.polled = true
	if f.buf == nil {
		f.buf = make([]byte, DefaultChunkSize)
	}
	n, err := f.sr.Read(f.buf)
	if errors.Is(err, io.EOF) {
		f.done = true
	}
	chunk := make([]byte, n)
	copy(chunk, f.buf[:n])
	return chunk, err
}

func (f *fileBody) Trailers() (http.Header, error) { return nil, nil }
func (f *fileBody) SizeHint() SizeHint             { return ExactSize(uint64(f.n)) }
func (f *fileBody) IsEndStream() bool              { return f.done || f.n == 0 }
func (f *fileBody) Polled() bool                   { return f.polled }

// Close releases the file when the body owns it. Clones never own it.
func (f *fileBody) Close() error {
	f.done = true
	if f.closer != nil {
		c := f.closer
		f.closer = nil
		return c.Close()
	}
	return nil
}

func (f *fileBody) TryClone() (Body, bool) {
	return FromReaderAt(f.src, f.off, f.n), true
}

// streamBody reads from a caller supplied stream and cannot be replayed.
type streamBody struct {
	mu     sync.Mutex
	r      io.Reader
	closer io.Closer
	size   int64
	polled bool
	done   bool
	buf    []byte
}

// FromReader returns a non-cloneable body over r. Pass size < 0 when the
// length is unknown.
func FromReader(r io.Reader, size int64) Body {
	s := &streamBody{r: r, size: size}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// FromReadCloser is FromReader for a stream that must be closed.
func FromReadCloser(rc io.ReadCloser, size int64) Body {
	return &streamBody{r: rc, closer: rc, size: size}
}

func (s *streamBody) NextChunk() ([]byte, error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.polled = true
	if s.buf == nil {
		s.buf = make([]byte, DefaultChunkSize)
	}
	s.mu.Unlock()

	n, err := s.r.Read(s.buf)
	chunk := make([]byte, n)
	copy(chunk, s.buf[:n])
	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	}
	return chunk, err
}

func (s *streamBody) Trailers() (http.Header, error) { return nil, nil }

func (s *streamBody) SizeHint() SizeHint {
	if s.size >= 0 {
		return ExactSize(uint64(s.size))
	}
	return UnknownSize
}

func (s *streamBody) IsEndStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done || s.size == 0
}

func (s *streamBody) Polled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polled
}

// Close closes the underlying stream. It may be called concurrently with a
// blocked NextChunk to unblock it.
func (s *streamBody) Close() error {
	s.mu.Lock()
	s.done = true
	c := s.closer
	s.closer = nil
	s.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

// reader adapts a Body to io.ReadCloser.
type reader struct {
	b       Body
	pending []byte
	err     error
}

// NewReader returns an io.ReadCloser that drains b.
func NewReader(b Body) io.ReadCloser {
	if b == nil {
		b = Empty()
	}
	return &reader{b: b}
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.pending, r.err = r.b.NextChunk()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	if len(r.pending) == 0 && r.err != nil {
		return n, r.err
	}
	return n, nil
}

func (r *reader) Close() error { return r.b.Close() }
