// Package logger provides the component-scoped structured logger used across
// the storefront core. It wraps logrus so call sites can chain fields the same
// way everywhere: log.WithField("topic", t).Info("subscription live").
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // text or json
	Output io.Writer // defaults to stderr
}

// Logger is a logrus entry bound to a component name.
type Logger struct {
	*logrus.Entry
	component string
}

type requestIDKey struct{}

// New creates a logger for the given component using cfg.
func New(component string, cfg Config) *Logger {
	base := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{
		Entry:     base.WithField("component", component),
		component: component,
	}
}

// NewDefault creates an info-level text logger writing to stderr.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info"})
}

// NewDiscard creates a logger that drops everything. Used by tests.
func NewDiscard(component string) *Logger {
	return New(component, Config{Level: "panic", Output: io.Discard})
}

// Named returns a child logger for a sub-component, sharing output and level.
func (l *Logger) Named(sub string) *Logger {
	name := l.component + "." + sub
	return &Logger{
		Entry:     l.Entry.WithField("component", name),
		component: name,
	}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// WithContext attaches the request id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry.WithContext(ctx)
	if id := RequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// WithRequestID stores a request id on the context for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored on ctx.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
