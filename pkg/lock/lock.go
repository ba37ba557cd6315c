// Package lock implements the distributed Lock primitive the operation
// pipeline relies on for per-user and per-viewpoint mutual exclusion across
// servers. A lock is a row in the underlying kvstore.Store; ownership is
// established with conditional writes, abandonment is detected via an
// expiration timestamp renewed on a background timer, and contention is
// tracked with a monotonically increasing acquire_failures counter.
package lock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

const table = "locks"

// lockHashKey is the constant partition every lock row lives under. Locks
// are addressed directly by lock id, not scanned by a per-resource prefix,
// so a single partition keeps the abandoned-lock scan a single table scan.
const lockHashKey = "lock"

const (
	attrOwnerID         = "owner_id"
	attrResourceData    = "resource_data"
	attrExpiration      = "expiration"
	attrAcquireFailures = "acquire_failures"
)

// Status reports the outcome of a TryAcquire call.
type Status int

const (
	// StatusFailed means the resource is held by another live owner.
	StatusFailed Status = iota
	// StatusAcquired means the lock was newly created, or the caller's
	// known owner id matched the row already on file.
	StatusAcquired
	// StatusAcquiredAbandoned means the previous owner's lock had expired
	// and the caller has taken control; the protected resource may be in
	// a partially-applied state.
	StatusAcquiredAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "acquired"
	case StatusAcquiredAbandoned:
		return "acquired_abandoned"
	default:
		return "failed"
	}
}

// Config holds the Lock primitive's tunables. See pkg/config.LockConfig for
// the YAML/env-backed counterpart.
type Config struct {
	// AbandonmentSecs is how long a lock may go unrenewed before a
	// competing acquirer treats its holder as dead.
	AbandonmentSecs int
	// RenewalSecs is the period of the holder's background renewal timer.
	RenewalSecs int
	// MaxUpdateAttempts bounds the compare-and-swap retry loop in TryAcquire.
	MaxUpdateAttempts int
}

// DefaultConfig returns the production defaults: 60s abandonment, 30s
// renewal, 10 update attempts.
func DefaultConfig() Config {
	return Config{
		AbandonmentSecs:   60,
		RenewalSecs:       30,
		MaxUpdateAttempts: 10,
	}
}

// Manager acquires and releases locks against a kvstore.Store using a
// single Config. One Manager is typically shared by every lock user in a
// process (the OpManager's op-locks, and operation handlers' viewpoint
// locks).
type Manager struct {
	store   kvstore.Store
	cfg     Config
	metrics metrics.LockMetrics
}

// NewManager creates a Manager backed by store. metrics may be nil to
// disable lock observability.
func NewManager(store kvstore.Store, cfg Config, m metrics.LockMetrics) *Manager {
	return &Manager{store: store, cfg: cfg, metrics: m}
}

// AcquireOptions customizes a TryAcquire/Acquire call.
type AcquireOptions struct {
	// OwnerID, if non-empty, is adopted as-is instead of generating a
	// random token. Used by a handler reclaiming a lock whose token it
	// already knows (e.g. resuming inside the same op execution).
	OwnerID string
	// ResourceData is optional caller-defined data stored on the lock row,
	// e.g. the id of the operation currently being worked on, so an
	// abandoned op-lock can be resuscitated against the right op.
	ResourceData string
	// DetectAbandonment requests an expiration timestamp and a background
	// renewal timer for as long as the lock is held.
	DetectAbandonment bool
}

// Lock is a held (or formerly held) lock instance. It is not safe for
// concurrent use by multiple goroutines.
type Lock struct {
	mgr          *Manager
	resourceType string
	resourceID   string
	lockID       string
	ownerID      string
	resourceData string
	acquireFails int

	mu        sync.Mutex
	renewing  bool
	stopRenew chan struct{}
	released  bool
}

// ID returns "<resource_type>:<resource_id>".
func (l *Lock) ID() string { return l.lockID }

// OwnerID returns this instance's owner token.
func (l *Lock) OwnerID() string { return l.ownerID }

// ResourceData returns the resource_data stored on the row as of the last
// acquire or takeover. For an abandoned-lock takeover this is the previous
// owner's value, not the caller's.
func (l *Lock) ResourceData() string { return l.resourceData }

// ConstructLockID builds "<resource_type>:<resource_id>".
func ConstructLockID(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// DeconstructLockID splits a lock id back into its resource type and id.
func DeconstructLockID(lockID string) (resourceType, resourceID string, ok bool) {
	idx := strings.Index(lockID, ":")
	if idx == -1 {
		return "", "", false
	}
	return lockID[:idx], lockID[idx+1:], true
}

func generateOwnerID() string {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 48))
	if err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// time-derived token rather than panicking on an unlucky read.
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return n.String()
}

func rowKey(lockID string) string {
	return kvstore.EncodeKey(lockHashKey, lockID)
}

// TryAcquire attempts to acquire the named resource's lock, following the
// five-step protocol in the operation pipeline spec: read, create-if-absent,
// adopt-if-known-owner, take-over-if-abandoned, or report contention.
func (m *Manager) TryAcquire(ctx context.Context, resourceType, resourceID string, opts AcquireOptions) (*Lock, Status, error) {
	lockID := ConstructLockID(resourceType, resourceID)
	ownerID := opts.OwnerID
	if ownerID == "" {
		ownerID = generateOwnerID()
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxUpdateAttempts; attempt++ {
		lock, status, retry, err := m.tryAcquireOnce(ctx, resourceType, resourceID, lockID, ownerID, opts)
		if err != nil {
			lastErr = err
			if !retry {
				return nil, StatusFailed, err
			}
			logger.WarnCtx(ctx, "lock acquire race, retrying", logger.LockID(lockID), logger.Attempt(attempt+1), logger.Err(err))
			continue
		}
		m.recordAcquire(resourceType, status)
		if status != StatusFailed && opts.DetectAbandonment {
			lock.startRenewal(ctx)
		}
		return lock, status, nil
	}

	logger.WarnCtx(ctx, "too many failures attempting to update lock; aborting",
		logger.LockID(lockID), logger.Attempt(m.cfg.MaxUpdateAttempts))
	m.recordAcquire(resourceType, StatusFailed)
	if lastErr == nil {
		lastErr = ErrLockFailed
	}
	return nil, StatusFailed, lastErr
}

// tryAcquireOnce runs a single read-then-write attempt. retry is true if the
// caller should read-and-retry (a conditional write lost a race).
func (m *Manager) tryAcquireOnce(ctx context.Context, resourceType, resourceID, lockID, ownerID string, opts AcquireOptions) (*Lock, Status, bool, error) {
	row := make(map[string]any)
	found, err := m.store.Get(ctx, table, rowKey(lockID), row)
	if err != nil {
		return nil, StatusFailed, false, err
	}

	now := time.Now()

	if !found {
		attrs := map[string]any{attrOwnerID: ownerID}
		if opts.ResourceData != "" {
			attrs[attrResourceData] = opts.ResourceData
		}
		if opts.DetectAbandonment {
			attrs[attrExpiration] = float64(now.Add(time.Duration(m.cfg.AbandonmentSecs) * time.Second).Unix())
		}
		expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Absent: true}}
		if err := m.store.Put(ctx, table, rowKey(lockID), attrs, expected); err != nil {
			if kvstore.IsConditionFailed(err) {
				return nil, StatusFailed, true, err
			}
			return nil, StatusFailed, false, err
		}
		return m.newLock(resourceType, resourceID, lockID, ownerID, opts.ResourceData), StatusAcquired, false, nil
	}

	currentOwner, _ := row[attrOwnerID].(string)
	if currentOwner == ownerID {
		return m.newLock(resourceType, resourceID, lockID, ownerID, stringAttr(row, attrResourceData)), StatusAcquired, false, nil
	}

	if isAbandoned(row, now) {
		logger.WarnCtx(ctx, "lock was abandoned; trying to take control of it", logger.LockID(lockID), logger.OwnerID(currentOwner))
		attrs := map[string]any{attrOwnerID: ownerID}
		if opts.DetectAbandonment {
			attrs[attrExpiration] = float64(now.Add(time.Duration(m.cfg.AbandonmentSecs) * time.Second).Unix())
		} else {
			attrs[attrExpiration] = nil
		}
		expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Value: currentOwner}}
		if err := m.store.Put(ctx, table, rowKey(lockID), attrs, expected); err != nil {
			if kvstore.IsConditionFailed(err) {
				return nil, StatusFailed, true, err
			}
			return nil, StatusFailed, false, err
		}
		// The new owner inherits the previous owner's resource_data so it
		// can tell what resource instance was being worked on.
		return m.newLock(resourceType, resourceID, lockID, ownerID, stringAttr(row, attrResourceData)), StatusAcquiredAbandoned, false, nil
	}

	logger.WarnCtx(ctx, "acquire of lock failed; already held by another agent", logger.LockID(lockID), logger.OwnerID(currentOwner))
	failures, _ := row[attrAcquireFailures].(int)
	if f, ok := row[attrAcquireFailures].(float64); ok {
		failures = int(f)
	}
	expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Value: currentOwner}}
	if _, ok := row[attrAcquireFailures]; ok {
		expected[attrAcquireFailures] = kvstore.ExpectedValue{Value: row[attrAcquireFailures]}
	} else {
		expected[attrAcquireFailures] = kvstore.ExpectedValue{Absent: true}
	}
	attrs := map[string]any{attrAcquireFailures: failures + 1}
	// Best-effort telemetry: a race on this counter just means another
	// contender incremented it first, which is itself useful information,
	// so we don't retry on this particular conflict.
	if err := m.store.Put(ctx, table, rowKey(lockID), attrs, expected); err != nil && !kvstore.IsConditionFailed(err) {
		return nil, StatusFailed, false, err
	}
	return nil, StatusFailed, false, nil
}

func (m *Manager) newLock(resourceType, resourceID, lockID, ownerID, resourceData string) *Lock {
	return &Lock{
		mgr:          m,
		resourceType: resourceType,
		resourceID:   resourceID,
		lockID:       lockID,
		ownerID:      ownerID,
		resourceData: resourceData,
		stopRenew:    make(chan struct{}),
	}
}

func stringAttr(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func toInt64Attr(row map[string]any, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func isAbandoned(row map[string]any, now time.Time) bool {
	exp, ok := row[attrExpiration]
	if !ok || exp == nil {
		return false
	}
	expF, ok := exp.(float64)
	if !ok {
		return false
	}
	return expF <= float64(now.Unix())
}

func (m *Manager) recordAcquire(resourceType string, status Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordAcquireAttempt(resourceType, status.String())
}

// Acquire wraps TryAcquire, returning ErrLockFailed on StatusFailed.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string, opts AcquireOptions) (*Lock, Status, error) {
	l, status, err := m.TryAcquire(ctx, resourceType, resourceID, opts)
	if err != nil {
		return nil, status, err
	}
	if status == StatusFailed {
		return nil, status, fmt.Errorf("%w: %q held by another owner", ErrLockFailed, ConstructLockID(resourceType, resourceID))
	}
	return l, status, nil
}

// startRenewal launches the background renewal timer. It runs until Release,
// Abandon, or ctx is cancelled.
func (l *Lock) startRenewal(ctx context.Context) {
	l.mu.Lock()
	if l.renewing {
		l.mu.Unlock()
		return
	}
	l.renewing = true
	l.mu.Unlock()

	go l.renewLoop(ctx)
}

func (l *Lock) renewLoop(ctx context.Context) {
	period := time.Duration(l.mgr.cfg.RenewalSecs) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.renew(ctx) {
				logger.ErrorCtx(ctx, "failure trying to renew lock; treating as abandoned", logger.LockID(l.lockID))
				l.recordRenewal(false)
				return
			}
			l.recordRenewal(true)
		}
	}
}

func (l *Lock) renew(ctx context.Context) bool {
	newExpiration := float64(time.Now().Add(time.Duration(l.mgr.cfg.AbandonmentSecs) * time.Second).Unix())
	attrs := map[string]any{attrExpiration: newExpiration}
	expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Value: l.ownerID}}
	err := l.mgr.store.Put(ctx, table, rowKey(l.lockID), attrs, expected)
	return err == nil
}

func (l *Lock) recordRenewal(ok bool) {
	if l.mgr.metrics == nil {
		return
	}
	l.mgr.metrics.RecordRenewal(l.resourceType, ok)
}

func (l *Lock) stopRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewing {
		close(l.stopRenew)
		l.renewing = false
	}
}

// Release deletes the lock row, retrying if the acquire_failures counter
// advanced since the last read (so long as ownership is unchanged), and
// stops the renewal timer.
func (l *Lock) Release(ctx context.Context) error {
	l.stopRenewal()

	row := make(map[string]any)
	found, err := l.mgr.store.Get(ctx, table, rowKey(l.lockID), row)
	if err != nil {
		return err
	}
	if !found {
		l.released = true
		return nil
	}

	currentOwner, _ := row[attrOwnerID].(string)
	if currentOwner != l.ownerID {
		return fmt.Errorf("%w: lock %q is now owned by %q, not %q", ErrLockFailed, l.lockID, currentOwner, l.ownerID)
	}

	expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Value: l.ownerID}}
	if af, ok := row[attrAcquireFailures]; ok {
		expected[attrAcquireFailures] = kvstore.ExpectedValue{Value: af}
		if failures, ok := toInt(af); ok && l.mgr.metrics != nil {
			l.mgr.metrics.RecordAcquireFailures(l.resourceType, failures)
		}
	} else {
		expected[attrAcquireFailures] = kvstore.ExpectedValue{Absent: true}
	}

	if err := l.mgr.store.Delete(ctx, table, rowKey(l.lockID), expected); err != nil {
		if kvstore.IsConditionFailed(err) {
			logger.WarnCtx(ctx, "release of lock failed (will retry)", logger.LockID(l.lockID))
			return l.Release(ctx)
		}
		return err
	}
	l.released = true
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Abandon voluntarily relinquishes control without deleting the row: it
// zeroes the expiration (so any other party observes it as abandoned
// immediately) and stops the renewal timer. Used when a handler knows it
// cannot finish and wants another process to take over.
func (l *Lock) Abandon(ctx context.Context) error {
	l.stopRenewal()
	attrs := map[string]any{attrExpiration: float64(0)}
	expected := map[string]kvstore.ExpectedValue{attrOwnerID: {Value: l.ownerID}}
	return l.mgr.store.Put(ctx, table, rowKey(l.lockID), attrs, expected)
}

// LockRow is a row returned by ScanAll, for operator inspection.
type LockRow struct {
	LockID          string
	ResourceType    string
	ResourceID      string
	OwnerID         string
	Expiration      int64
	AcquireFailures int64
}

// ScanAll lists every lock row regardless of expiration, for the opctl dump
// command. Unlike ScanAbandoned it applies no filter.
func (m *Manager) ScanAll(ctx context.Context, limit int, startKey string) ([]LockRow, string, error) {
	rows, cursor, err := m.store.Scan(ctx, table, kvstore.ScanFilter{}, limit, startKey)
	if err != nil {
		return nil, "", err
	}

	out := make([]LockRow, 0, len(rows))
	for _, row := range rows {
		resourceType, resourceID, ok := DeconstructLockID(row.RangeKey)
		if !ok {
			continue
		}
		out = append(out, LockRow{
			LockID:          row.RangeKey,
			ResourceType:    resourceType,
			ResourceID:      resourceID,
			OwnerID:         stringAttr(row.Attrs, attrOwnerID),
			Expiration:      toInt64Attr(row.Attrs, attrExpiration),
			AcquireFailures: toInt64Attr(row.Attrs, attrAcquireFailures),
		})
	}
	return out, cursor, nil
}

// AbandonedLock is a row returned by ScanAbandoned.
type AbandonedLock struct {
	LockID       string
	ResourceType string
	ResourceID   string
	ResourceData string
}

// ScanAbandoned lists lock rows whose expiration has passed, for the
// OpManager's abandoned-lock sweeper.
func (m *Manager) ScanAbandoned(ctx context.Context, limit int, startKey string) ([]AbandonedLock, string, error) {
	filter := kvstore.ScanFilter{AttrLessOrEqual: map[string]any{attrExpiration: float64(time.Now().Unix())}}
	rows, cursor, err := m.store.Scan(ctx, table, filter, limit, startKey)
	if err != nil {
		return nil, "", err
	}

	out := make([]AbandonedLock, 0, len(rows))
	for _, row := range rows {
		resourceType, resourceID, ok := DeconstructLockID(row.RangeKey)
		if !ok {
			continue
		}
		out = append(out, AbandonedLock{
			LockID:       row.RangeKey,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			ResourceData: stringAttr(row.Attrs, attrResourceData),
		})
	}
	return out, cursor, nil
}
