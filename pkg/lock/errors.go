package lock

import "errors"

// ErrLockFailed is returned by Acquire when the resource is held by another
// live owner, and by Release when the caller's ownership was superseded
// before the release could be applied.
var ErrLockFailed = errors.New("lock: failed to acquire or release")
