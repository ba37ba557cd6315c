package metrics

import "time"

// OpMetrics provides observability for the operation log scheduler.
// Implementations are optional; pass nil to disable collection with zero
// overhead.
type OpMetrics interface {
	// RecordAttempt records one handler invocation for a method, with its
	// terminal outcome: "success", "retry", "quarantine".
	RecordAttempt(method, outcome string)

	// RecordSweep records one pass of a background sweeper ("abandoned_locks"
	// or "failed_ops"), how long it took, and how many rows it found.
	RecordSweep(sweeper string, duration time.Duration, found int)

	// RecordUsersOutstanding records the current number of UserOpManagers
	// the OpManager is scheduling concurrently.
	RecordUsersOutstanding(count int)
}
