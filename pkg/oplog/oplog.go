// Package oplog is the write-ahead operation log the pipeline replays to
// get at-least-once, ordered execution of user actions: every mutation is
// first persisted as an Operation row keyed by (user id, operation id),
// then handed to an Executor (the opmanager package) to run. A handler
// that needs a follow-up action creates a nested op via CreateNested
// rather than calling another handler directly, so the follow-up gets its
// own retry history and survives a crash between the two steps.
package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/device"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

const table = "operations"

const (
	attrOperationID = "operation_id"
	attrDeviceID    = "device_id"
	attrMethod      = "method"
	attrArgs        = "args"
	attrAttempts    = "attempts"
	attrBackoff     = "backoff"
	attrQuarantine  = "quarantine"
	attrTimestamp   = "timestamp"
	attrCheckpoint  = "checkpoint"
	attrFailpoints  = "failpoints"
)

// Operation is a single row in the log: one user action, its arguments, and
// its retry state.
type Operation struct {
	UserID      int64
	OperationID string
	DeviceID    int64
	Method      string
	Args        json.RawMessage
	Attempts    int
	// Backoff is the unix timestamp before which this op should not be
	// retried. Zero means immediately eligible.
	Backoff int64
	// Quarantine is true once Attempts has reached the configured
	// threshold; the scheduler will not select this op again until an
	// operator clears it.
	Quarantine bool
	Timestamp  int64
	// Checkpoint is handler-defined progress state set via SetCheckpoint,
	// nil until the handler sets one.
	Checkpoint json.RawMessage
	// TriggeredFailpoints records failpoint call sites that have already
	// fired once for this op, so TriggerFailpoint does not fire twice for
	// the same site across retries.
	TriggeredFailpoints []string
}

// IsNested reports whether this op was created by CreateNested.
func (o *Operation) IsNested() bool {
	return device.IsNested(o.OperationID)
}

// Executor runs an op once it has been logged. opmanager.OpManager
// implements this; oplog depends only on the interface to avoid a direct
// import cycle between the log and the scheduler that drains it.
type Executor interface {
	// MaybeExecuteOp ensures opID is scheduled for execution on userID's
	// serial queue. If wait is true, it blocks until opID (and everything
	// ahead of it in the queue) has been attempted at least once.
	MaybeExecuteOp(ctx context.Context, userID int64, opID string, wait bool) error
}

// Headers carries the out-of-band request metadata CreateAndExecute needs,
// kept as a typed struct rather than fields spliced into and stripped back
// out of the args payload.
type Headers struct {
	// Synchronous requests that CreateAndExecute not return until the op
	// has been attempted at least once.
	Synchronous bool
	// OpID, if set, is the id the calling device minted for this op.
	// Left empty, CreateAndExecute allocates a system-originated id.
	OpID string
	// OpTimestamp is the client-supplied wall-clock time of the action,
	// required whenever OpID is set.
	OpTimestamp int64
}

// Log is the operation log. One Log is shared by every request handler and
// by the opmanager that drains it.
type Log struct {
	store     kvstore.Store
	devices   *device.Allocator
	executor  Executor
	migrators map[string][]MigrateFunc

	failpointsEnabled bool
}

// New creates a Log backed by store. The executor must be attached with
// SetExecutor once it exists, since the executor (opmanager.OpManager) in
// turn depends on this Log to read rows; constructing both in one step
// would require a cycle.
func New(store kvstore.Store) *Log {
	return &Log{
		store:     store,
		devices:   device.NewAllocator(store),
		migrators: make(map[string][]MigrateFunc),
	}
}

// SetExecutor attaches the scheduler that runs logged ops. Must be called
// once during startup before any CreateAndExecute call.
func (l *Log) SetExecutor(e Executor) {
	l.executor = e
}

// Store returns the kvstore.Store this Log is backed by, so handlers
// registered in the Operation Map can read and write their own
// domain-specific tables using the same conditional-write primitives the
// log itself relies on, without each handler needing its own store handle
// threaded through separately.
func (l *Log) Store() kvstore.Store {
	return l.store
}

// EnableFailpoints turns on TriggerFailpoint for this Log. Tests only;
// production configuration never sets this.
func (l *Log) EnableFailpoints(enabled bool) {
	l.failpointsEnabled = enabled
}

func rowKey(userID int64, opID string) string {
	return kvstore.EncodeKey(strconv.FormatInt(userID, 10), opID)
}

func toRow(op *Operation) map[string]any {
	attrs := map[string]any{
		attrOperationID: op.OperationID,
		attrDeviceID:    op.DeviceID,
		attrMethod:      op.Method,
		attrArgs:        string(op.Args),
		attrAttempts:    op.Attempts,
		attrBackoff:     op.Backoff,
		attrQuarantine:  op.Quarantine,
		attrTimestamp:   op.Timestamp,
	}
	if op.Checkpoint != nil {
		attrs[attrCheckpoint] = string(op.Checkpoint)
	}
	if len(op.TriggeredFailpoints) > 0 {
		attrs[attrFailpoints] = op.TriggeredFailpoints
	}
	return attrs
}

func fromRow(userID int64, opID string, attrs map[string]any) *Operation {
	op := &Operation{
		UserID:      userID,
		OperationID: opID,
		DeviceID:    toInt64(attrs[attrDeviceID]),
		Method:      stringAttr(attrs, attrMethod),
		Args:        json.RawMessage(stringAttr(attrs, attrArgs)),
		Attempts:    int(toInt64(attrs[attrAttempts])),
		Backoff:     toInt64(attrs[attrBackoff]),
		Timestamp:   toInt64(attrs[attrTimestamp]),
	}
	if q, ok := attrs[attrQuarantine].(bool); ok {
		op.Quarantine = q
	}
	if cp, ok := attrs[attrCheckpoint]; ok {
		op.Checkpoint = json.RawMessage(fmt.Sprint(cp))
	}
	switch fp := attrs[attrFailpoints].(type) {
	case []string:
		op.TriggeredFailpoints = fp
	case []any:
		// Backends that round-trip rows through JSON decode the marker list
		// as []any.
		for _, site := range fp {
			if s, ok := site.(string); ok {
				op.TriggeredFailpoints = append(op.TriggeredFailpoints, s)
			}
		}
	}
	return op
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Get reads a single op row, returning found=false if it does not exist.
func (l *Log) Get(ctx context.Context, userID int64, opID string) (*Operation, bool, error) {
	row := make(map[string]any)
	found, err := l.store.Get(ctx, table, rowKey(userID, opID), row)
	if err != nil || !found {
		return nil, false, err
	}
	return fromRow(userID, opID, row), true, nil
}

// CreateAndExecute persists a new operation and hands it to the Executor.
// It is idempotent: calling it twice with the same Headers.OpID returns the
// row that was already created the first time, without re-running the
// handler from CreateAndExecute's side (the Executor itself is the thing
// responsible for not re-running a completed op).
func (l *Log) CreateAndExecute(ctx context.Context, userID, deviceID int64, method string, args json.RawMessage, headers Headers, targetVersion int) (*Operation, error) {
	opID := headers.OpID
	if opID == "" {
		var err error
		opID, err = l.devices.AllocateSystemOperationID(ctx)
		if err != nil {
			return nil, fmt.Errorf("oplog: allocate system op id: %w", err)
		}
	} else if err := device.VerifyOperationID(opID, deviceID); err != nil {
		return nil, err
	}

	migrated, err := l.Migrate(method, args, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("oplog: migrate args for %q: %w", method, err)
	}

	timestamp := headers.OpTimestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	op := &Operation{
		UserID:      userID,
		OperationID: opID,
		DeviceID:    deviceID,
		Method:      method,
		Args:        migrated,
		Timestamp:   timestamp,
	}

	expected := map[string]kvstore.ExpectedValue{attrOperationID: {Absent: true}}
	err = l.store.Put(ctx, table, rowKey(userID, opID), toRow(op), expected)
	switch {
	case err == nil:
		// fresh row, fall through to execution
	case kvstore.IsConditionFailed(err):
		existing, found, getErr := l.Get(ctx, userID, opID)
		if getErr != nil {
			return nil, getErr
		}
		if !found {
			return nil, fmt.Errorf("oplog: op %q vanished after a conflicting create", opID)
		}
		op = existing
	default:
		return nil, err
	}

	if l.executor == nil {
		return op, nil
	}

	if headers.Synchronous {
		if err := l.executor.MaybeExecuteOp(ctx, userID, opID, true); err != nil {
			return op, err
		}
		return op, nil
	}

	go func() {
		// Detach from the caller's context: an async op must keep running
		// after the request that created it has returned, but it should
		// still respect the Executor's own timeouts.
		detached := context.WithoutCancel(ctx)
		if err := l.executor.MaybeExecuteOp(detached, userID, opID, false); err != nil {
			logger.ErrorCtx(detached, "async op execution returned an error",
				logger.UserID(userID), logger.OpID(opID), logger.Err(err))
		}
	}()
	return op, nil
}

// SetCheckpoint persists handler-defined progress state for the op
// currently executing on ctx, so a retry after a crash can resume past
// already-applied side effects instead of redoing them.
func (l *Log) SetCheckpoint(ctx context.Context, checkpoint any) error {
	ec, ok := executingFrom(ctx)
	if !ok {
		return ErrNotExecuting
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("oplog: marshal checkpoint: %w", err)
	}
	ec.op.Checkpoint = data
	return l.store.Put(ctx, table, rowKey(ec.op.UserID, ec.op.OperationID),
		map[string]any{attrCheckpoint: string(data)}, nil)
}

// CreateNested persists a child operation of the op currently executing on
// ctx and returns ErrStopAndRetry so the handler can simply `return
// oplog.CreateNested(...)`. The scheduler sees ErrStopAndRetry as a
// no-op-this-attempt signal: the parent's attempt count is not incremented,
// and the next selection pass picks the nested id (which sorts before the
// parent) first.
func (l *Log) CreateNested(ctx context.Context, method string, args any) error {
	ec, ok := executingFrom(ctx)
	if !ok {
		return ErrNotExecuting
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("oplog: marshal nested args: %w", err)
	}

	nestedID := device.NestedOperationID(ec.op.OperationID)
	nested := &Operation{
		UserID:      ec.op.UserID,
		OperationID: nestedID,
		DeviceID:    ec.op.DeviceID,
		Method:      method,
		Args:        payload,
		Timestamp:   ec.op.Timestamp,
	}

	expected := map[string]kvstore.ExpectedValue{attrOperationID: {Absent: true}}
	err = l.store.Put(ctx, table, rowKey(ec.op.UserID, nestedID), toRow(nested), expected)
	if err == nil {
		return ErrStopAndRetry
	}
	if !kvstore.IsConditionFailed(err) {
		return err
	}

	existing, found, getErr := l.Get(ctx, ec.op.UserID, nestedID)
	if getErr != nil {
		return getErr
	}
	if found && existing.Quarantine {
		return ErrTooManyRetries
	}
	return ErrStopAndRetry
}

// TriggerFailpoint is a no-op unless failpoints were enabled on this Log
// (tests only). When enabled, it fires at most once per call site per op:
// the first call persists the site marker and returns ErrFailpoint: a
// transient, retriable failure indistinguishable from a real one to the
// scheduler; later calls from the same site on a retried attempt are silent.
func (l *Log) TriggerFailpoint(ctx context.Context, site string) error {
	if !l.failpointsEnabled {
		return nil
	}
	ec, ok := executingFrom(ctx)
	if !ok {
		return ErrNotExecuting
	}
	for _, fired := range ec.op.TriggeredFailpoints {
		if fired == site {
			return nil
		}
	}
	ec.op.TriggeredFailpoints = append(ec.op.TriggeredFailpoints, site)
	err := l.store.Put(ctx, table, rowKey(ec.op.UserID, ec.op.OperationID),
		map[string]any{attrFailpoints: ec.op.TriggeredFailpoints}, nil)
	if err != nil {
		return err
	}
	return ErrFailpoint
}

// selectPageSize bounds a single RangeQuery page in SelectNext. A page full
// of quarantined ops ahead of an eligible one is a pathological case this
// pragmatically ignores rather than paging further for; an operator clearing
// quarantined ops resolves it.
const selectPageSize = 500

// SelectNext returns the lowest-sorting eligible op for userID: not
// quarantined, and due (Backoff <= now). Nested ops sort before their
// parent, so a parent blocked on a child is naturally skipped in favor of
// the child. Returns found=false if the user has no eligible op right now.
func (l *Log) SelectNext(ctx context.Context, userID int64) (*Operation, bool, error) {
	rows, _, err := l.store.RangeQuery(ctx, table, strconv.FormatInt(userID, 10), kvstore.RangeOptions{Limit: selectPageSize})
	if err != nil {
		return nil, false, err
	}
	now := time.Now().Unix()
	for _, row := range rows {
		op := fromRow(userID, row.RangeKey, row.Attrs)
		if op.Quarantine || op.Backoff > now {
			continue
		}
		return op, true, nil
	}
	return nil, false, nil
}

// ScanFailed lists ops whose backoff deadline has passed, for the
// OpManager's failed-op sweeper to re-kick their owning users.
func (l *Log) ScanFailed(ctx context.Context, limit int, startKey string) ([]*Operation, string, error) {
	filter := kvstore.ScanFilter{AttrLessOrEqual: map[string]any{attrBackoff: float64(time.Now().Unix())}}
	rows, cursor, err := l.store.Scan(ctx, table, filter, limit, startKey)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Operation, 0, len(rows))
	for _, row := range rows {
		userID, convErr := strconv.ParseInt(row.HashKey, 10, 64)
		if convErr != nil {
			continue
		}
		out = append(out, fromRow(userID, row.RangeKey, row.Attrs))
	}
	return out, cursor, nil
}

// ScanQuarantined lists ops an operator needs to look at: attempts exhausted
// the configured threshold and the scheduler will not pick them up again
// until ClearQuarantine runs. Used by the opctl inspect-quarantine command;
// the scheduler itself never calls this (SelectNext/ScanFailed both skip
// quarantined rows outright).
func (l *Log) ScanQuarantined(ctx context.Context, limit int, startKey string) ([]*Operation, string, error) {
	filter := kvstore.ScanFilter{AttrEquals: map[string]any{attrQuarantine: true}}
	rows, cursor, err := l.store.Scan(ctx, table, filter, limit, startKey)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Operation, 0, len(rows))
	for _, row := range rows {
		userID, convErr := strconv.ParseInt(row.HashKey, 10, 64)
		if convErr != nil {
			continue
		}
		out = append(out, fromRow(userID, row.RangeKey, row.Attrs))
	}
	return out, cursor, nil
}

// ScanAll lists every op row regardless of state, for the opctl dump
// command. It is a plain Scan with no filter, so it walks the whole table
// one page at a time like ScanFailed/ScanQuarantined.
func (l *Log) ScanAll(ctx context.Context, limit int, startKey string) ([]*Operation, string, error) {
	rows, cursor, err := l.store.Scan(ctx, table, kvstore.ScanFilter{}, limit, startKey)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Operation, 0, len(rows))
	for _, row := range rows {
		userID, convErr := strconv.ParseInt(row.HashKey, 10, 64)
		if convErr != nil {
			continue
		}
		out = append(out, fromRow(userID, row.RangeKey, row.Attrs))
	}
	return out, cursor, nil
}

// ClearQuarantine resets a quarantined op's attempts and backoff so the
// scheduler selects it again on the next pass. It is a thin, named wrapper
// over RecordAttempt so opctl does not need to know the zero-value reset
// convention RecordAttempt expects.
func (l *Log) ClearQuarantine(ctx context.Context, userID int64, opID string) error {
	op, found, err := l.Get(ctx, userID, opID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("oplog: op %q not found for user %d", opID, userID)
	}
	return l.RecordAttempt(ctx, op, 0, 0, false)
}

// RecordAttempt persists the outcome of one execution attempt: on success
// the row's attempts/backoff/quarantine no longer matter to the scheduler,
// but the caller (opmanager) still records them for observability before
// deleting the row. On failure it bumps attempts and sets backoff/quarantine
// per the supplied retry decision.
func (l *Log) RecordAttempt(ctx context.Context, op *Operation, attempts int, backoff int64, quarantine bool) error {
	op.Attempts = attempts
	op.Backoff = backoff
	op.Quarantine = quarantine
	attrs := map[string]any{
		attrAttempts:   attempts,
		attrBackoff:    backoff,
		attrQuarantine: quarantine,
	}
	return l.store.Put(ctx, table, rowKey(op.UserID, op.OperationID), attrs, nil)
}

// Delete removes a completed op's row.
func (l *Log) Delete(ctx context.Context, userID int64, opID string) error {
	return l.store.Delete(ctx, table, rowKey(userID, opID), nil)
}
