package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so downstream log aggregation and querying
// stays uniform.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Operation identity
	// ========================================================================
	KeyUserID   = "user_id"   // user the operation/lock/notification belongs to
	KeyDeviceID = "device_id" // device that submitted the operation
	KeyOpID     = "op_id"     // operation id
	KeyMethod   = "method"    // registered operation method name
	KeyAttempts = "attempts"  // number of times an op has been attempted
	KeyBackoff  = "backoff"   // backoff deadline (unix seconds)

	// ========================================================================
	// Lock
	// ========================================================================
	KeyLockID          = "lock_id"          // "<resource_type>:<resource_id>"
	KeyResourceType    = "resource_type"    // op, vp, ...
	KeyResourceID      = "resource_id"      // resource instance id
	KeyOwnerID         = "owner_id"         // lock owner token
	KeyAcquireFailures = "acquire_failures" // contention counter
	KeyExpiration      = "expiration"       // abandonment-detection expiration (unix seconds)

	// ========================================================================
	// Retry
	// ========================================================================
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts
	KeyDelayMs    = "delay_ms"    // scheduled retry delay

	// ========================================================================
	// Notification
	// ========================================================================
	KeyNotificationID = "notification_id" // per-user dense sequence number
	KeyViewpointID    = "viewpoint_id"    // viewpoint a notification/lock targets
	KeyActivityID     = "activity_id"     // activity a notification references
	KeyBadge          = "badge"           // unread badge delta/value

	// ========================================================================
	// Sweeps & misc
	// ========================================================================
	KeyScanned    = "scanned"     // items returned by a scan pass
	KeyActive     = "active"      // currently active users/locks
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyErrorCode  = "error_code"  // numeric/string error code
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// UserID returns a slog.Attr for a user id
func UserID(id int64) slog.Attr {
	return slog.Int64(KeyUserID, id)
}

// DeviceID returns a slog.Attr for a device id
func DeviceID(id int64) slog.Attr {
	return slog.Int64(KeyDeviceID, id)
}

// OpID returns a slog.Attr for an operation id
func OpID(id string) slog.Attr {
	return slog.String(KeyOpID, id)
}

// Method returns a slog.Attr for the registered operation method
func Method(name string) slog.Attr {
	return slog.String(KeyMethod, name)
}

// Attempts returns a slog.Attr for the number of attempts made so far
func Attempts(n int) slog.Attr {
	return slog.Int(KeyAttempts, n)
}

// LockID returns a slog.Attr for a lock id
func LockID(id string) slog.Attr {
	return slog.String(KeyLockID, id)
}

// OwnerID returns a slog.Attr for a lock owner token
func OwnerID(id string) slog.Attr {
	return slog.String(KeyOwnerID, id)
}

// AcquireFailures returns a slog.Attr for the lock contention counter
func AcquireFailures(n int) slog.Attr {
	return slog.Int(KeyAcquireFailures, n)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// DelayMs returns a slog.Attr for a scheduled retry delay in milliseconds
func DelayMs(ms float64) slog.Attr {
	return slog.Float64(KeyDelayMs, ms)
}

// NotificationID returns a slog.Attr for a notification id
func NotificationID(id int64) slog.Attr {
	return slog.Int64(KeyNotificationID, id)
}

// ViewpointID returns a slog.Attr for a viewpoint id
func ViewpointID(id string) slog.Attr {
	return slog.String(KeyViewpointID, id)
}

// Badge returns a slog.Attr for a badge value
func Badge(n int) slog.Attr {
	return slog.Int(KeyBadge, n)
}

// Scanned returns a slog.Attr for the number of items a scan returned
func Scanned(n int) slog.Attr {
	return slog.Int(KeyScanned, n)
}

// Active returns a slog.Attr for the number of active users/locks
func Active(n int) slog.Attr {
	return slog.Int(KeyActive, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
