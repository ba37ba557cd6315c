package ops

import (
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/viewfinder/oppipeline/pkg/notify"
)

// Handlers bundles the collaborators ShareExisting/Unshare need beyond the
// operation log itself: a lock manager for per-viewpoint mutual exclusion
// and a notification manager for fan-out, injected through a constructor
// rather than reached for as a global. RegisterUserHandler and
// LinkIdentityHandler need no such dependencies and stay plain functions;
// the viewpoint-mutating handlers are methods on a Handlers value
// constructed once at startup.
type Handlers struct {
	LockMgr   *lock.Manager
	NotifyMgr *notify.Manager
}

// NewHandlers creates a Handlers bundle backed by lockMgr and notifyMgr.
func NewHandlers(lockMgr *lock.Manager, notifyMgr *notify.Manager) *Handlers {
	return &Handlers{LockMgr: lockMgr, NotifyMgr: notifyMgr}
}
