package metrics

// NotifyMetrics provides observability for the notification fan-out path.
// Implementations are optional; pass nil to disable collection with zero
// overhead.
type NotifyMetrics interface {
	// RecordFanout records one NotifyFollowers call: how many follower
	// notification rows it wrote, and whether the inline payload fit
	// (compact=true) or was dropped in favor of invalidate-only (compact=false).
	RecordFanout(followers int, compact bool)

	// RecordBadgeDelta records a badge increment/clear applied to a follower.
	RecordBadgeDelta(delta int)
}
