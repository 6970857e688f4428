// Package logging wraps logrus with the context-aware helpers used across
// the engine.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string    `yaml:"level" env:"TXFLOW_LOG_LEVEL"`
	Format string    `yaml:"format" env:"TXFLOW_LOG_FORMAT"` // json|text
	Output io.Writer `yaml:"-"`
}

// Logger is a structured logger scoped to a component.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger from cfg.
func New(component string, cfg Config) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{entry: l.WithField("component", component)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &Logger{entry: logrus.NewEntry(l)}
}

// Named returns a child logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component)}
}

// WithContext returns an entry carrying the correlation ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.entry.WithContext(ctx)
	if ctx == nil {
		return entry
	}
	if v, ok := ctx.Value(queueIDKey).(string); ok && v != "" {
		entry = entry.WithField("queue_id", v)
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	return entry
}

// WithFields returns an entry with the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(fields)
}

// WithError returns an entry with the error attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry.WithError(err)
}

// Entry exposes the underlying logrus entry.
func (l *Logger) Entry() *logrus.Entry { return l.entry }

type contextKey string

const (
	queueIDKey contextKey = "queue_id"
	traceIDKey contextKey = "trace_id"
)

// WithQueueID stores a queue id in ctx for log correlation.
func WithQueueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queueIDKey, id)
}

// WithTraceID stores a trace id in ctx for log correlation.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// QueueID returns the queue id stored in ctx, if any.
func QueueID(ctx context.Context) string {
	v, _ := ctx.Value(queueIDKey).(string)
	return v
}

// TraceID returns the trace id stored in ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
