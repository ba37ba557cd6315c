package lock

import (
	"context"
	"sort"
)

// Tracker acquires locks on multiple resources of the same type in a
// deterministic order (ascending resource id) and releases everything it
// holds on ReleaseAll. Handlers that mutate more than one viewpoint in a single
// operation use this to avoid cross-handler deadlock.
type Tracker struct {
	mgr          *Manager
	resourceType string
	opts         AcquireOptions
	held         map[string]*Lock
	order        []string
}

// NewTracker creates a Tracker for locks of resourceType, acquired with opts.
func NewTracker(mgr *Manager, resourceType string, opts AcquireOptions) *Tracker {
	return &Tracker{
		mgr:          mgr,
		resourceType: resourceType,
		opts:         opts,
		held:         make(map[string]*Lock),
	}
}

// AcquireAll acquires locks for every resource id in ids, sorted ascending
// first so two handlers locking an overlapping set always agree on order.
// On any failure it releases everything already acquired in this call
// before returning the error.
func (t *Tracker) AcquireAll(ctx context.Context, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	acquiredThisCall := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if _, already := t.held[id]; already {
			continue
		}
		l, _, err := t.mgr.Acquire(ctx, t.resourceType, id, t.opts)
		if err != nil {
			for i := len(acquiredThisCall) - 1; i >= 0; i-- {
				t.held[acquiredThisCall[i]].Release(ctx)
				delete(t.held, acquiredThisCall[i])
			}
			return err
		}
		t.held[id] = l
		t.order = append(t.order, id)
		acquiredThisCall = append(acquiredThisCall, id)
	}
	return nil
}

// Held reports whether the tracker currently holds a lock for id.
func (t *Tracker) Held(id string) bool {
	_, ok := t.held[id]
	return ok
}

// ReleaseAll releases every lock the tracker currently holds, in reverse
// acquisition order, collecting but not stopping on individual errors.
func (t *Tracker) ReleaseAll(ctx context.Context) error {
	var firstErr error
	for i := len(t.order) - 1; i >= 0; i-- {
		id := t.order[i]
		l, ok := t.held[id]
		if !ok {
			continue
		}
		if err := l.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.held, id)
	}
	t.order = nil
	return firstErr
}
