// Package logging defines the small structured logger used across orkestra.
//
// Every component logs through Logger so callers can plug in their own sink.
// The default implementation is backed by log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a leveled, key/value structured logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l. A nil l falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// NewSimpleLogger returns a text logger on stderr with debug level enabled.
func NewSimpleLogger() *SlogLogger {
	return NewWriterLogger(os.Stderr, slog.LevelDebug)
}

// NewWriterLogger returns a text logger writing to w at the given level.
func NewWriterLogger(w io.Writer, level slog.Level) *SlogLogger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &SlogLogger{l: slog.New(h)}
}

func (s *SlogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *SlogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *SlogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *SlogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

// With returns a logger that always attaches the given key/value pairs.
func (s *SlogLogger) With(keysAndValues ...any) *SlogLogger {
	return &SlogLogger{l: s.l.With(keysAndValues...)}
}

type nop struct{}

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}
