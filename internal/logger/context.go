package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one lock engine
// operation (a request, convert, unlock or cancel call).
type LogContext struct {
	TraceID   string // correlation ID for a single caller operation
	SpanID    string
	Lockspace string // lockspace name
	Resource  string // resource (RSB) name being operated on
	NodeID    uint16 // local node id
	StartTime time.Time
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a lockspace operation.
func NewLogContext(lockspace string, nodeID uint16) *LogContext {
	return &LogContext{
		Lockspace: lockspace,
		NodeID:    nodeID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		Lockspace: lc.Lockspace,
		Resource:  lc.Resource,
		NodeID:    lc.NodeID,
		StartTime: lc.StartTime,
	}
}

// WithResource returns a copy with the resource name set.
func (lc *LogContext) WithResource(resource string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Resource = resource
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
