package oplog

import "errors"

var (
	// ErrStopAndRetry is returned by a handler (via CreateNested) to signal
	// that a nested operation must run before the parent resumes. It is not
	// logged as a failure; the scheduler simply loops back to pick the next
	// eligible op, which will be the nested one.
	ErrStopAndRetry = errors.New("oplog: stop and retry, nested operation created")

	// ErrTooManyRetries means a nested operation the handler just created
	// (or found already existing) is quarantined, so the parent cannot make
	// progress until an operator clears it.
	ErrTooManyRetries = errors.New("oplog: nested operation is quarantined")

	// ErrFailpoint is the non-abortable failure TriggerFailpoint raises the
	// first time it fires for a given op.
	ErrFailpoint = errors.New("oplog: failpoint triggered")

	// ErrUnknownMethod means the op's method has no registered handler.
	ErrUnknownMethod = errors.New("oplog: unknown method")

	// ErrNotExecuting means a checkpoint/nested-op/failpoint call was made
	// outside of an executing handler's context.
	ErrNotExecuting = errors.New("oplog: no operation is currently executing on this context")
)
