// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"runtime"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// StdLogger writes structured entries through a stdlib *log.Logger.
type StdLogger struct {
	out     *log.Logger
	debug   bool
	callers bool
}

// StdLoggerOption customises a StdLogger.
type StdLoggerOption func(*StdLogger)

// WithDebug enables Debug level output.
func WithDebug(enabled bool) StdLoggerOption {
	return func(l *StdLogger) {
		l.debug = enabled
	}
}

// WithCallers appends the caller site to every entry.
func WithCallers(enabled bool) StdLoggerOption {
	return func(l *StdLogger) {
		l.callers = enabled
	}
}

// NewStdLogger wraps out. A nil out falls back to log.Default().
func NewStdLogger(out *log.Logger, opts ...StdLoggerOption) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	l := &StdLogger{out: out, debug: false, callers: false}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Debug logs msg when debug output is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs msg at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Error logs msg at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprint(&b, f.Value)
	}
	if l.callers {
		if _, file, line, ok := runtime.Caller(2); ok {
			if idx := strings.LastIndex(file, "/"); idx >= 0 {
				file = file[idx+1:]
			}
			fmt.Fprintf(&b, " caller=%s:%d", file, line)
		}
	}
	l.out.Print(b.String())
}
