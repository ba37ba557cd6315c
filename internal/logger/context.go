package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds op-scoped logging context. It is attached to the context
// passed to an operation handler so every log line emitted while that
// handler runs carries the same user/op/device identity without each call
// site having to repeat it.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	UserID    int64     // user the operation belongs to
	DeviceID  int64     // device that submitted the operation
	OpID      string    // operation id, e.g. "o123" or "(o123)" for a nested op
	Method    string    // registered operation method name
	StartTime time.Time // for duration calculation
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

// NewLogContext creates a new LogContext scoped to a user.
func NewLogContext(userID int64) *LogContext {
	return &LogContext{
		UserID:    userID,
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
		UserID:    lc.UserID,
		DeviceID:  lc.DeviceID,
		OpID:      lc.OpID,
		Method:    lc.Method,
		StartTime: lc.StartTime,
	}
}

// WithOp returns a copy with the op identity set.
func (lc *LogContext) WithOp(deviceID int64, opID, method string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.DeviceID = deviceID
		clone.OpID = opID
		clone.Method = method
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
