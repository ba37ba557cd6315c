// Package retry implements the Policy value and CallWithRetry used to wrap
// transient-failure-prone work with bounded retries, exponential backoff,
// and jitter. It is used both inside operation handlers (storage calls) and
// by the scheduler wrapping handler invocations.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/viewfinder/oppipeline/internal/logger"
)

// Policy is a plain value describing how CallWithRetry should retry a unit
// of work. The zero Policy never retries: MaxTries of 0 is treated as 1
// attempt, and a nil CheckError predicate never requests a retry.
type Policy struct {
	// MaxTries is the maximum number of attempts. Zero means 1 (no retry).
	MaxTries int
	// Timeout bounds the total wall-clock time spent retrying. Zero means
	// unbounded (governed by MaxTries alone).
	Timeout time.Duration
	// MinDelay is the delay before the first retry.
	MinDelay time.Duration
	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration
	// CheckError decides whether an error returned by the wrapped function
	// should trigger a retry. A handler distinguishes retryable from
	// terminal failures by the error value it returns, typically with
	// errors.Is against a sentinel.
	CheckError func(error) bool
}

// AlwaysRetry is a CheckError that retries on every non-nil error.
func AlwaysRetry(err error) bool { return err != nil }

// manager tracks one CallWithRetry invocation's progress.
type manager struct {
	policy   Policy
	deadline time.Time
	tries    int
	delay    time.Duration
}

func newManager(policy Policy) *manager {
	m := &manager{policy: policy}
	if policy.Timeout > 0 {
		m.deadline = time.Now().Add(policy.Timeout)
	}
	return m
}

// maybeRetry returns true if another attempt should be made for err, having
// just completed attempt number m.tries. It also sleeps for the computed
// backoff before returning true, honoring ctx cancellation.
func (m *manager) maybeRetry(ctx context.Context, err error) bool {
	maxTries := m.policy.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}
	if m.tries >= maxTries {
		return false
	}
	if !m.deadline.IsZero() && time.Now().After(m.deadline) {
		return false
	}
	if m.policy.CheckError == nil || !m.policy.CheckError(err) {
		return false
	}

	if m.delay == 0 {
		m.delay = m.policy.MinDelay
	} else {
		m.delay *= 2
	}
	if m.policy.MaxDelay > 0 && m.delay > m.policy.MaxDelay {
		m.delay = m.policy.MaxDelay
	}

	// Decorrelate concurrent retriers with a uniform [1, 2) multiplier.
	sleep := time.Duration(float64(m.delay) * (1 + rand.Float64()))
	if m.policy.MaxDelay > 0 && sleep > m.policy.MaxDelay {
		sleep = m.policy.MaxDelay
	}

	logger.WarnCtx(ctx, "retrying after backoff", logger.Attempt(m.tries), logger.DelayMs(float64(sleep.Milliseconds())), logger.Err(err))

	if sleep <= 0 {
		return true
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// BackoffForAttempt computes the jittered exponential delay before retry
// number attempt (1-indexed), following the same doubling-with-[1,2)-jitter
// schedule CallWithRetry uses internally. It exists for callers that persist
// a backoff deadline across process restarts instead of blocking in place,
// e.g. the operation scheduler stamping a failed op's row with the unix
// time it becomes eligible for another attempt.
func BackoffForAttempt(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := minDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	sleep := time.Duration(float64(delay) * (1 + rand.Float64()))
	if maxDelay > 0 && sleep > maxDelay {
		sleep = maxDelay
	}
	return sleep
}

// CallWithRetry runs fn, retrying according to policy until it succeeds,
// the retry budget is exhausted, or ctx is cancelled. On final failure it
// returns the last error fn produced (or ctx.Err() if cancelled mid-wait).
// The retry wait uses a timer, not a blocking sleep, so it never ties up an
// OS thread while waiting.
func CallWithRetry(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	mgr := newManager(policy)

	for {
		mgr.tries++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !mgr.maybeRetry(ctx, err) {
			if ctxErr := ctx.Err(); ctxErr != nil && mgr.delay > 0 {
				return ctxErr
			}
			return err
		}
	}
}
