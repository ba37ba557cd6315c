// Package opmanager implements the per-user serial operation scheduler: the
// OpManager coordinates one UserOpManager per active user, each of which
// acquires the user's op-lock, drains every eligible pending operation in
// id order, and releases the lock when no more work is visible. Two
// background sweeps re-animate work whose owning process died (abandoned
// locks) or whose backoff has elapsed (failed ops).
package opmanager

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/viewfinder/oppipeline/pkg/metrics"
	"github.com/viewfinder/oppipeline/pkg/oplog"
	"github.com/viewfinder/oppipeline/pkg/retry"
)

// Handler runs a single registered method's business logic. ctx carries the
// currently-executing op (oplog.CurrentOp(ctx)) so the handler can call
// log.SetCheckpoint/log.CreateNested/log.TriggerFailpoint against it; op is
// passed alongside for convenience.
type Handler func(ctx context.Context, log *oplog.Log, op *oplog.Operation) error

// Scrubber redacts PII-bearing args before the scheduler logs them at Debug
// level. A nil Scrubber means args are not logged.
type Scrubber func(args json.RawMessage) any

// MapEntry is a registered method's handler plus the scrubber used only
// for logging (migrators are registered separately with
// oplog.Log.RegisterMigration, since the log owns migration application on
// create/read).
type MapEntry struct {
	Handler  Handler
	Scrubber Scrubber
}

// OperationMap is the process-wide method-name -> handler registry. One
// instance is shared by every OpManager in a process; handlers register
// themselves during startup before any operation reaches the scheduler.
type OperationMap struct {
	mu      sync.RWMutex
	entries map[string]MapEntry
}

// NewOperationMap creates an empty registry.
func NewOperationMap() *OperationMap {
	return &OperationMap{entries: make(map[string]MapEntry)}
}

// Register adds or replaces the entry for method. Adding a method is an
// additive deployment: registering a new name never affects ops already
// scheduled under other names.
func (om *OperationMap) Register(method string, handler Handler, scrubber Scrubber) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.entries[method] = MapEntry{Handler: handler, Scrubber: scrubber}
}

func (om *OperationMap) lookup(method string) (MapEntry, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	e, ok := om.entries[method]
	return e, ok
}

const opResourceType = "op"

// handlerRetryPolicy bounds transient-storage retries inside a single
// handler invocation, appropriate for the storage layer's own transient
// conflicts. It is independent from the op's own persisted
// attempts/backoff, which the scheduler tracks across invocations.
var handlerRetryPolicy = retry.Policy{
	MaxTries:   3,
	MinDelay:   50 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	CheckError: kvstore.IsConditionFailed,
}

// OpManager is the process-wide coordinator: exactly one instance per
// process, injected into request handlers and tests rather than reached for
// as a global.
type OpManager struct {
	log     *oplog.Log
	lockMgr *lock.Manager
	opMap   *OperationMap
	cfg     Config
	metrics metrics.OpMetrics

	mu           sync.Mutex
	users        map[int64]*userOpManager
	shuttingDown bool
	shutdownCB   func()

	wg           sync.WaitGroup
	stopSweepers context.CancelFunc
}

var _ oplog.Executor = (*OpManager)(nil)

// New creates an OpManager and attaches it to log as the executor that
// drains ops created by CreateAndExecute.
func New(log *oplog.Log, lockMgr *lock.Manager, opMap *OperationMap, cfg Config, m metrics.OpMetrics) *OpManager {
	om := &OpManager{
		log:     log,
		lockMgr: lockMgr,
		opMap:   opMap,
		cfg:     cfg,
		metrics: m,
		users:   make(map[int64]*userOpManager),
	}
	log.SetExecutor(om)
	return om
}

// MaybeExecuteOp ensures opID is scheduled for userID, creating a
// UserOpManager if none is currently active, and returns immediately unless
// wait is true. wait blocks until the user's queue has fully drained at
// least once since this call, which is always after opID (and everything
// durable ahead of it) has been attempted.
func (m *OpManager) MaybeExecuteOp(ctx context.Context, userID int64, opID string, wait bool) error {
	m.mu.Lock()
	uom, exists := m.users[userID]
	var waiter chan struct{}
	if !exists {
		uom = newUserOpManager(userID, m)
		m.users[userID] = uom
		m.recordUsersOutstandingLocked()
		if wait {
			waiter = make(chan struct{})
			uom.waiters = append(uom.waiters, waiter)
		}
		m.mu.Unlock()

		m.wg.Add(1)
		runCtx := context.WithoutCancel(ctx)
		go func() {
			defer m.wg.Done()
			uom.run(runCtx)
		}()
	} else {
		uom.mu.Lock()
		uom.pendingSignal = true
		if wait {
			waiter = make(chan struct{})
			uom.waiters = append(uom.waiters, waiter)
		}
		uom.mu.Unlock()
		m.mu.Unlock()
	}

	if !wait {
		return nil
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForUserOps blocks until userID has no in-flight UserOpManager, for
// tests that need to observe a quiescent state. Returns immediately if no
// UserOpManager is currently active for userID.
func (m *OpManager) WaitForUserOps(ctx context.Context, userID int64) error {
	m.mu.Lock()
	uom, exists := m.users[userID]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	uom.mu.Lock()
	waiter := make(chan struct{})
	uom.waiters = append(uom.waiters, waiter)
	uom.mu.Unlock()
	m.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetShutdownCallback registers cb to fire once every active UserOpManager
// has drained after BeginShutdown is called.
func (m *OpManager) SetShutdownCallback(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCB = cb
}

// BeginShutdown marks the manager as draining for shutdown; if no users are
// currently active, the shutdown callback fires immediately.
func (m *OpManager) BeginShutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	empty := len(m.users) == 0
	cb := m.shutdownCB
	m.mu.Unlock()
	if empty && cb != nil {
		cb()
	}
}

func (m *OpManager) recordUsersOutstandingLocked() {
	if m.metrics != nil {
		m.metrics.RecordUsersOutstanding(len(m.users))
	}
}

func (m *OpManager) recordAttempt(method, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordAttempt(method, outcome)
	}
}

// userOpManager is the per-user serial executor. It is not
// safe for concurrent use by more than the single goroutine OpManager
// starts for it; cross-goroutine signaling (pendingSignal, waiters) is
// guarded by mu and always acquired after OpManager.mu, matching tryRemove.
type userOpManager struct {
	userID int64
	owner  *OpManager

	mu            sync.Mutex
	pendingSignal bool
	waiters       []chan struct{}
}

func newUserOpManager(userID int64, owner *OpManager) *userOpManager {
	return &userOpManager{userID: userID, owner: owner}
}

// run is the cooperative drain loop: acquire the op-lock,
// drain every eligible op, release, and exit unless more work arrived while
// draining (in which case it loops back and re-acquires).
func (u *userOpManager) run(ctx context.Context) {
	resourceID := strconv.FormatInt(u.userID, 10)

	for {
		// ResourceData is a best-effort hint for the abandoned-lock sweeper:
		// if this process dies mid-drain, the sweeper can re-trigger the op
		// that was next up rather than just the user id. A race against the
		// selection made inside drain is harmless; it only narrows which op
		// a future takeover re-kicks first.
		var resourceData string
		if next, found, err := u.owner.log.SelectNext(ctx, u.userID); err == nil && found {
			resourceData = next.OperationID
		}

		l, status, err := u.owner.lockMgr.TryAcquire(ctx, opResourceType, resourceID, lock.AcquireOptions{
			DetectAbandonment: true,
			ResourceData:      resourceData,
		})
		if err != nil || status == lock.StatusFailed {
			// Some other server owns this user; it will observe the op row
			// on its own scan or the next MaybeExecuteOp call routed to it.
			logger.InfoCtx(ctx, "op-lock held elsewhere; deferring to current owner", logger.UserID(u.userID))
			if u.tryRemove() {
				return
			}
			continue
		}
		if status == lock.StatusAcquiredAbandoned {
			logger.WarnCtx(ctx, "took over an abandoned op-lock; handlers must tolerate partially-applied state",
				logger.UserID(u.userID))
		}

		u.drain(ctx)

		if err := l.Release(ctx); err != nil {
			logger.ErrorCtx(ctx, "failed to release op-lock", logger.UserID(u.userID), logger.Err(err))
		}

		if u.tryRemove() {
			return
		}
		// pendingSignal was set during drain; loop back for the work that
		// arrived after the last SelectNext saw none.
	}
}

// drain repeatedly selects and executes the lowest-sorting eligible op
// until none remain.
func (u *userOpManager) drain(ctx context.Context) {
	for {
		op, found, err := u.owner.log.SelectNext(ctx, u.userID)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to select next op", logger.UserID(u.userID), logger.Err(err))
			return
		}
		if !found {
			return
		}
		u.executeOne(ctx, op)
	}
}

// tryRemove atomically checks for work that arrived since the last drain
// and, if none, removes u from the owner's active map and fires any
// waiters. Returns true if u was removed (the caller should exit run).
func (u *userOpManager) tryRemove() bool {
	u.owner.mu.Lock()
	u.mu.Lock()
	if u.pendingSignal {
		u.pendingSignal = false
		u.mu.Unlock()
		u.owner.mu.Unlock()
		return false
	}
	waiters := u.waiters
	u.waiters = nil
	u.mu.Unlock()

	delete(u.owner.users, u.userID)
	u.owner.recordUsersOutstandingLocked()
	shutdownDone := u.owner.shuttingDown && len(u.owner.users) == 0
	cb := u.owner.shutdownCB
	u.owner.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if shutdownDone && cb != nil {
		cb()
	}
	return true
}

// executeOne resolves the handler for op.Method, invokes it under the
// handler retry policy, and classifies the outcome.
func (u *userOpManager) executeOne(ctx context.Context, op *oplog.Operation) {
	entry, ok := u.owner.opMap.lookup(op.Method)
	if !ok {
		logger.WarnCtx(ctx, "no handler registered for method; quarantining",
			logger.OpID(op.OperationID), logger.Method(op.Method))
		if err := u.owner.log.RecordAttempt(ctx, op, op.Attempts, op.Backoff, true); err != nil {
			logger.ErrorCtx(ctx, "failed to quarantine op with unknown method", logger.OpID(op.OperationID), logger.Err(err))
		}
		u.owner.recordAttempt(op.Method, "quarantine")
		return
	}

	execCtx := oplog.WithExecuting(ctx, op)
	execCtx = logger.WithContext(execCtx, &logger.LogContext{
		UserID:    op.UserID,
		DeviceID:  op.DeviceID,
		OpID:      op.OperationID,
		Method:    op.Method,
		StartTime: time.Now(),
	})

	if entry.Scrubber != nil {
		logger.DebugCtx(execCtx, "executing operation", logger.Method(op.Method), "args", entry.Scrubber(op.Args))
	} else {
		logger.DebugCtx(execCtx, "executing operation", logger.Method(op.Method))
	}

	err := retry.CallWithRetry(execCtx, handlerRetryPolicy, func(c context.Context) error {
		return entry.Handler(c, u.owner.log, op)
	})

	switch {
	case err == nil:
		if delErr := u.owner.log.Delete(ctx, op.UserID, op.OperationID); delErr != nil {
			logger.ErrorCtx(ctx, "failed to delete completed op row", logger.OpID(op.OperationID), logger.Err(delErr))
		}
		u.owner.recordAttempt(op.Method, "success")
	case errors.Is(err, oplog.ErrStopAndRetry):
		logger.InfoCtx(ctx, "operation requested a nested op; deferring to it", logger.OpID(op.OperationID))
		// The row is left untouched: the nested op's id sorts before this
		// one's, so the next SelectNext in drain picks it up first.
	default:
		u.failOp(ctx, op, err)
	}
}

// failOp records a non-success outcome: TooManyRetries (a nested op this
// handler just created, or found, is already quarantined), a failpoint, or
// a business/storage error all funnel here. Nested-op quarantine is not
// propagated immediately: the parent is itself retried and eventually
// quarantined on its own schedule.
func (u *userOpManager) failOp(ctx context.Context, op *oplog.Operation, cause error) {
	attempts := op.Attempts + 1
	due := time.Now().Add(retry.BackoffForAttempt(attempts, u.owner.cfg.MinRetryDelay, u.owner.cfg.MaxRetryDelay))
	// Backoff is stored in whole seconds; round up so a sub-second delay
	// still leaves the op ineligible for the rest of this drain.
	backoff := due.Unix()
	if due.Nanosecond() > 0 {
		backoff++
	}
	quarantine := attempts >= u.owner.cfg.QuarantineThreshold

	outcome := "retry"
	if quarantine {
		outcome = "quarantine"
	}
	logger.WarnCtx(ctx, "operation attempt failed", logger.OpID(op.OperationID), logger.Method(op.Method),
		logger.Attempts(attempts), logger.Err(cause))

	if err := u.owner.log.RecordAttempt(ctx, op, attempts, backoff, quarantine); err != nil {
		logger.ErrorCtx(ctx, "failed to record failed op attempt", logger.OpID(op.OperationID), logger.Err(err))
	}
	u.owner.recordAttempt(op.Method, outcome)
}

// jitteredInterval applies a uniform +-25% jitter around base, so that
// every process's sweepers don't wake up in lockstep.
func jitteredInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	delta := time.Duration((rand.Float64()*0.5 - 0.25) * float64(base))
	return base + delta
}

// StartSweepers launches the failed-op and abandoned-lock background
// sweeps. ctx governs both; call Stop to cancel and wait for them to exit.
func (m *OpManager) StartSweepers(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.stopSweepers = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runFailedOpsSweeper(sweepCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.runAbandonedLocksSweeper(sweepCtx)
	}()
}

// Stop cancels the sweepers and waits for every in-flight UserOpManager and
// sweeper goroutine this OpManager started to exit.
func (m *OpManager) Stop() {
	if m.stopSweepers != nil {
		m.stopSweepers()
	}
	m.wg.Wait()
}

// scanPageLimit returns the configured sweeper page size, defaulting to 10
// when Config was constructed without one set (e.g. a zero-value Config).
func (m *OpManager) scanPageLimit() int {
	if m.cfg.ScanLimit > 0 {
		return m.cfg.ScanLimit
	}
	return 10
}

// SweepFailedOpsOnce runs a single pass of the failed-ops sweep and returns
// immediately, without starting the periodic background loop. Intended for
// operator tooling (cmd/opctl) that wants to force a sweep on demand.
func (m *OpManager) SweepFailedOpsOnce(ctx context.Context) {
	m.sweepFailedOps(ctx)
}

// SweepAbandonedLocksOnce runs a single pass of the abandoned-lock sweep
// and returns immediately, without starting the periodic background loop.
func (m *OpManager) SweepAbandonedLocksOnce(ctx context.Context) {
	m.sweepAbandonedLocks(ctx)
}

func (m *OpManager) runFailedOpsSweeper(ctx context.Context) {
	startOffset := time.Duration(rand.Int63n(int64(m.cfg.ScanFailedOpsInterval) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(startOffset):
	}

	for {
		m.sweepFailedOps(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitteredInterval(m.cfg.ScanFailedOpsInterval)):
		}
	}
}

func (m *OpManager) sweepFailedOps(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "failed-ops sweep panicked; recovered", "panic", r)
		}
	}()

	start := time.Now()
	found := 0
	var startKey string

	for {
		m.mu.Lock()
		outstanding := len(m.users)
		m.mu.Unlock()
		if outstanding >= m.cfg.MaxUsersOutstanding {
			logger.WarnCtx(ctx, "failed-ops sweep pausing: too many users already outstanding", logger.Active(outstanding))
			break
		}

		ops, cursor, err := m.log.ScanFailed(ctx, m.scanPageLimit(), startKey)
		if err != nil {
			logger.ErrorCtx(ctx, "failed-ops scan error", logger.Err(err))
			break
		}
		for _, op := range ops {
			// A clean context so the sweep's own lifecycle is never
			// entangled with the op's eventual failure.
			if err := m.MaybeExecuteOp(context.Background(), op.UserID, op.OperationID, false); err != nil {
				logger.ErrorCtx(ctx, "failed to re-trigger failed op", logger.UserID(op.UserID), logger.OpID(op.OperationID), logger.Err(err))
			}
			found++
		}
		if cursor == "" {
			break
		}
		startKey = cursor
	}

	if m.metrics != nil {
		m.metrics.RecordSweep("failed_ops", time.Since(start), found)
	}
	logger.InfoCtx(ctx, "failed-ops sweep complete", logger.Scanned(found), logger.DurationMs(float64(time.Since(start).Milliseconds())))
}

func (m *OpManager) runAbandonedLocksSweeper(ctx context.Context) {
	startOffset := time.Duration(rand.Int63n(int64(m.cfg.ScanAbandonedLocksInterval) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(startOffset):
	}

	for {
		m.sweepAbandonedLocks(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitteredInterval(m.cfg.ScanAbandonedLocksInterval)):
		}
	}
}

func (m *OpManager) sweepAbandonedLocks(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "abandoned-lock sweep panicked; recovered", "panic", r)
		}
	}()

	start := time.Now()
	found := 0
	var startKey string

	for {
		locks, cursor, err := m.lockMgr.ScanAbandoned(ctx, m.scanPageLimit(), startKey)
		if err != nil {
			logger.ErrorCtx(ctx, "abandoned-lock scan error", logger.Err(err))
			break
		}
		for _, l := range locks {
			if l.ResourceType != opResourceType {
				continue
			}
			userID, err := strconv.ParseInt(l.ResourceID, 10, 64)
			if err != nil || l.ResourceData == "" {
				continue
			}
			if err := m.MaybeExecuteOp(context.Background(), userID, l.ResourceData, false); err != nil {
				logger.ErrorCtx(ctx, "failed to re-trigger op behind abandoned lock", logger.UserID(userID), logger.Err(err))
			}
			found++
		}
		if cursor == "" {
			break
		}
		startKey = cursor
	}

	if m.metrics != nil {
		m.metrics.RecordSweep("abandoned_locks", time.Since(start), found)
	}
	logger.InfoCtx(ctx, "abandoned-lock sweep complete", logger.Scanned(found), logger.DurationMs(float64(time.Since(start).Milliseconds())))
}
