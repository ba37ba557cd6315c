package opmanager

import "time"

// Config holds the OpManager/UserOpManager scheduler's tunables. See
// pkg/config.OpManagerConfig for the YAML/env-backed counterpart.
type Config struct {
	// MaxUsersOutstanding is the number of active UserOpManagers at which
	// the failed-op sweep logs a warning and stops re-triggering users for
	// the rest of its pass. It is a soft limit: MaybeExecuteOp does not
	// check it, so a new user past the cap still gets scheduled.
	MaxUsersOutstanding int

	// ScanAbandonedLocksInterval is the period of the background sweep
	// that re-triggers users whose op-lock was abandoned by a dead process.
	ScanAbandonedLocksInterval time.Duration

	// ScanFailedOpsInterval is the period of the background sweep that
	// re-triggers users with a due op but no currently running drain.
	ScanFailedOpsInterval time.Duration

	// QuarantineThreshold is the attempt count at which a repeatedly
	// failing op is marked quarantine=true.
	QuarantineThreshold int

	// MinRetryDelay and MaxRetryDelay bound the persisted backoff computed
	// for a failed op between scheduler attempts.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// ScanLimit bounds how many rows a single sweeper page fetches from
	// ScanFailed/ScanAbandoned. Zero defaults to 10.
	ScanLimit int
}

// DefaultConfig returns the production defaults: 1000 max outstanding
// users, 60s abandoned-lock sweep, 6h failed-op sweep, quarantine after
// 10 attempts.
func DefaultConfig() Config {
	return Config{
		MaxUsersOutstanding:        1000,
		ScanAbandonedLocksInterval: 60 * time.Second,
		ScanFailedOpsInterval:      6 * time.Hour,
		QuarantineThreshold:        10,
		MinRetryDelay:              time.Second,
		MaxRetryDelay:              5 * time.Minute,
		ScanLimit:                  10,
	}
}
