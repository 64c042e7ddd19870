// Package requestctx carries request-scoped values shared by middleware and handlers.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey      contextKey = "reconciler/requestctx/logger"
	traceContextKey       contextKey = "reconciler/requestctx/trace"
	annotationsContextKey contextKey = "reconciler/requestctx/annotations"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations collects identifiers discovered while serving a request (owner key, attempt, order)
// so the request logger can report them on completion.
type Annotations struct {
	mu     sync.Mutex
	values map[string]string
}

// Set records key=value, ignoring empty values.
func (a *Annotations) Set(key, value string) {
	if a == nil || key == "" || value == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]string)
	}
	a.values[key] = value
}

// Fields returns the recorded annotations as zap fields.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fields := make([]zap.Field, 0, len(a.values))
	for key, value := range a.values {
		fields = append(fields, zap.String(key, value))
	}
	return fields
}

// WithAnnotations attaches a fresh annotation bag to ctx.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	if ctx == nil {
		ctx = context.Background()
	}
	bag := &Annotations{}
	return context.WithValue(ctx, annotationsContextKey, bag), bag
}

// Annotate records key=value on the request's annotation bag when one is present.
func Annotate(ctx context.Context, key, value string) {
	if ctx == nil {
		return
	}
	if bag, ok := ctx.Value(annotationsContextKey).(*Annotations); ok {
		bag.Set(key, value)
	}
}
