// Package notify implements the per-user notification fan-out log:
// operation handlers append Notification rows describing what changed,
// followers read them back in order, and badge counters track unread
// state. The log is append-only and kvstore-backed; ids are a dense
// per-user sequence so a device can resume reading from any cursor.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

const (
	notificationsTable = "notifications"
	countersTable      = "notification_counters"
	// dedupeTable maps (user_id, op_id) -> the notification_id already
	// claimed for that pair, so a replayed Append for a follower who was
	// already notified by this op reuses the same id instead of minting a
	// fresh one from the counter.
	dedupeTable = "notification_dedupe"
)

const (
	attrNotificationID = "notification_id"
	attrName           = "name"
	attrSenderID       = "sender_id"
	attrSenderDeviceID = "sender_device_id"
	attrTimestamp      = "timestamp"
	attrOpID           = "op_id"
	attrViewpointID    = "viewpoint_id"
	attrUpdateSeq      = "update_seq"
	attrViewedSeq      = "viewed_seq"
	attrActivityID     = "activity_id"
	attrBadge          = "badge"
	attrInvalidate     = "invalidate"
	attrInline         = "inline"

	attrCounter = "counter"

	attrDedupeNotificationID = "notification_id"
)

// Invalidate names the collections a client must re-query rather than
// trusting an inline payload.
type Invalidate struct {
	Activities bool `json:"activities,omitempty"`
	Episodes   bool `json:"episodes,omitempty"`
	Followers  bool `json:"followers,omitempty"`
	Comments   bool `json:"comments,omitempty"`
	Viewpoints bool `json:"viewpoints,omitempty"`
}

// Notification is one row in a user's append-only notification log.
type Notification struct {
	UserID         int64
	NotificationID int64
	Name           string
	SenderID       int64
	SenderDeviceID int64
	Timestamp      int64
	OpID           string
	ViewpointID    string
	UpdateSeq      int64
	ViewedSeq      int64
	ActivityID     string
	// Badge is the unread badge delta/value this notification carries.
	// Zero on a synthetic clear_badges record means "reset to zero"; on a
	// real record it usually means "does not affect the sender's own badge".
	Badge      int
	Invalidate *Invalidate
	// Inline is a small compact payload (e.g. a comment message), set only
	// when it fit under MaxInlineCommentLen and Invalidate is therefore nil.
	Inline json.RawMessage

	// Synthetic marks a clear_badges record synthesized at query time; it
	// is never assigned a durable NotificationID and is never persisted.
	Synthetic bool
}

// Item describes one follower-facing fan-out entry before it is assigned a
// notification id: the content NotifyFollowers writes for each recipient.
type Item struct {
	Name        string
	ViewpointID string
	UpdateSeq   int64
	ViewedSeq   int64
	ActivityID  string
	Invalidate  *Invalidate
	Inline      json.RawMessage
}

// Manager appends and queries the notification log for every user. One
// Manager is shared by every operation handler that needs to fan out a
// change.
type Manager struct {
	store   kvstore.Store
	cfg     Config
	metrics metrics.NotifyMetrics
}

// Config holds the notification fan-out's tunables.
type Config struct {
	// MaxInlineCommentLen bounds how large an inline payload may be before
	// the notification degrades to invalidate-only.
	MaxInlineCommentLen int
}

// DefaultConfig returns the production default: a 1024-byte inline
// payload ceiling.
func DefaultConfig() Config {
	return Config{MaxInlineCommentLen: 1024}
}

// NewManager creates a Manager backed by store.
func NewManager(store kvstore.Store, cfg Config, m metrics.NotifyMetrics) *Manager {
	return &Manager{store: store, cfg: cfg, metrics: m}
}

func rowKey(userID, notificationID int64) string {
	return kvstore.EncodeKey(strconv.FormatInt(userID, 10), encodeSeq(notificationID))
}

// encodeSeq zero-pads a sequence number so range keys sort numerically.
func encodeSeq(n int64) string {
	return fmt.Sprintf("%019d", n)
}

const maxCounterAttempts = 10

// allocateNext returns the next dense notification id for userID, starting
// at 1, guarded by a conditional-write loop identical in shape to
// pkg/device's per-device counter allocator.
func (m *Manager) allocateNext(ctx context.Context, userID int64) (int64, error) {
	key := strconv.FormatInt(userID, 10)
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		row := make(map[string]any)
		found, err := m.store.Get(ctx, countersTable, key, row)
		if err != nil {
			return 0, err
		}
		if !found {
			err := m.store.Put(ctx, countersTable, key, map[string]any{attrCounter: int64(1)},
				map[string]kvstore.ExpectedValue{attrCounter: {Absent: true}})
			if err == nil {
				return 1, nil
			}
			if kvstore.IsConditionFailed(err) {
				continue
			}
			return 0, err
		}
		current, _ := toInt64(row[attrCounter])
		next := current + 1
		err = m.store.Put(ctx, countersTable, key, map[string]any{attrCounter: next},
			map[string]kvstore.ExpectedValue{attrCounter: {Value: row[attrCounter]}})
		if err == nil {
			return next, nil
		}
		if kvstore.IsConditionFailed(err) {
			continue
		}
		return 0, err
	}
	return 0, kvstore.NewConditionFailedError(countersTable, key)
}

// dedupeRowKey is the (user_id, op_id) key notification dedupe rows live
// under: one op fanning out to the same follower more than once (a replay
// after a crash mid-fan-out) must not mint a second id for that follower.
func dedupeRowKey(userID int64, opID string) string {
	return kvstore.EncodeKey(strconv.FormatInt(userID, 10), opID)
}

// claimNotificationID returns the notification id already claimed for
// (userID, opID) if one exists (a prior Append for this follower and op,
// possibly one that crashed before writing the notification row itself),
// or claims a freshly allocated one. The claim is a conditional insert, so
// concurrent claims for the same (userID, opID) converge on one winner.
func (m *Manager) claimNotificationID(ctx context.Context, userID int64, opID string) (int64, error) {
	key := dedupeRowKey(userID, opID)
	row := make(map[string]any)
	found, err := m.store.Get(ctx, dedupeTable, key, row)
	if err != nil {
		return 0, err
	}
	if found {
		return mustInt64(row[attrDedupeNotificationID]), nil
	}

	id, err := m.allocateNext(ctx, userID)
	if err != nil {
		return 0, err
	}
	expected := map[string]kvstore.ExpectedValue{attrDedupeNotificationID: {Absent: true}}
	err = m.store.Put(ctx, dedupeTable, key, map[string]any{attrDedupeNotificationID: id}, expected)
	if err == nil {
		return id, nil
	}
	if !kvstore.IsConditionFailed(err) {
		return 0, err
	}

	// Lost the race to claim it: another caller (or our own replay) already
	// has an id for this (userID, opID); use theirs instead of the one we
	// just allocated and are discarding.
	raced := make(map[string]any)
	racedFound, getErr := m.store.Get(ctx, dedupeTable, key, raced)
	if getErr != nil {
		return 0, getErr
	}
	if !racedFound {
		return 0, fmt.Errorf("notify: dedupe row for user %d op %q vanished after a conflicting claim", userID, opID)
	}
	return mustInt64(raced[attrDedupeNotificationID]), nil
}

// Append writes one durable notification for userID, assigning it the id
// claimed for (userID, opID). senderID/senderDeviceID/timestamp identify
// the operation that produced it; item carries the content.
//
// Replaying the same op (e.g. after an abandoned-lock takeover re-runs a
// handler whose NotifyFollowers call died partway through) calls Append
// again with the same userID/opID for every follower, including ones
// already notified the first time around. claimNotificationID returns the
// same id for those, and the notification row write below is then a
// no-op: the row already exists, so its content (not just its id) is
// unchanged by the replay, matching the "same set of notification records
// by id and content" invariant.
func (m *Manager) Append(ctx context.Context, userID, senderID, senderDeviceID, timestamp int64, opID string, item Item) (*Notification, error) {
	id, err := m.claimNotificationID(ctx, userID, opID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]any)
	found, err := m.store.Get(ctx, notificationsTable, rowKey(userID, id), existing)
	if err != nil {
		return nil, err
	}
	if found {
		return fromRow(userID, existing), nil
	}

	n := &Notification{
		UserID:         userID,
		NotificationID: id,
		Name:           item.Name,
		SenderID:       senderID,
		SenderDeviceID: senderDeviceID,
		Timestamp:      timestamp,
		OpID:           opID,
		ViewpointID:    item.ViewpointID,
		UpdateSeq:      item.UpdateSeq,
		ViewedSeq:      item.ViewedSeq,
		ActivityID:     item.ActivityID,
		Invalidate:     item.Invalidate,
		Inline:         item.Inline,
	}
	if senderID != userID {
		n.Badge = 1
	}

	attrs := toRow(n)
	expected := map[string]kvstore.ExpectedValue{attrNotificationID: {Absent: true}}
	if err := m.store.Put(ctx, notificationsTable, rowKey(userID, id), attrs, expected); err != nil {
		if !kvstore.IsConditionFailed(err) {
			return nil, err
		}
		// Another caller wrote the same claimed id first; read back what it
		// wrote rather than erroring, since the id is ours to share.
		raced := make(map[string]any)
		if _, getErr := m.store.Get(ctx, notificationsTable, rowKey(userID, id), raced); getErr != nil {
			return nil, getErr
		}
		return fromRow(userID, raced), nil
	}
	return n, nil
}

// Follower is the minimal shape NotifyFollowers needs from the caller's
// viewpoint membership: who to notify. Per-follower content (e.g. a
// follower-specific viewed_seq) comes from NotifyFollowers' invalidateFor
// callback, not from Follower.
type Follower struct {
	UserID int64
}

// NotifyFollowers appends one notification per active follower, excluding
// the sender's own badge increment: only non-sender followers get one.
// invalidateFor lets the caller vary the invalidate block per recipient
// (e.g. each follower's own viewed_seq); it may return nil to use item
// unmodified.
func (m *Manager) NotifyFollowers(ctx context.Context, viewpointID string, senderID, senderDeviceID, timestamp int64, opID string, followers []Follower, item Item, invalidateFor func(followerID int64) *Item) error {
	compact := item.Invalidate == nil && len(item.Inline) > 0 && len(item.Inline) <= m.cfg.MaxInlineCommentLen
	if len(item.Inline) > m.cfg.MaxInlineCommentLen {
		logger.DebugCtx(ctx, "inline payload too large; sending invalidate-only notification",
			logger.ViewpointID(viewpointID), "inline_len", len(item.Inline))
		item.Inline = nil
		if item.Invalidate == nil {
			item.Invalidate = &Invalidate{Activities: true}
		}
	}

	for _, f := range followers {
		perFollower := item
		if invalidateFor != nil {
			if override := invalidateFor(f.UserID); override != nil {
				perFollower = *override
			}
		}
		n, err := m.Append(ctx, f.UserID, senderID, senderDeviceID, timestamp, opID, perFollower)
		if err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordBadgeDelta(n.Badge)
		}
	}
	if m.metrics != nil {
		m.metrics.RecordFanout(len(followers), compact)
	}
	return nil
}

// QueryResult is a page of notifications returned to a device.
type QueryResult struct {
	Notifications []*Notification
	LastKey       string
}

// Query lists userID's notifications after startKey (exclusive), up to
// limit rows, and synthesizes a trailing clear_badges record iff the last
// real notification returned had a non-zero badge and the page was not
// truncated by limit. clear_badges only appears once the reader has
// actually caught up; a reader mid-way through the log keeps its badge.
func (m *Manager) Query(ctx context.Context, userID int64, startKey string, limit int) (*QueryResult, error) {
	rows, cursor, err := m.store.RangeQuery(ctx, notificationsTable, strconv.FormatInt(userID, 10), kvstore.RangeOptions{
		StartAfter: startKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(userID, row.Attrs))
	}

	result := &QueryResult{Notifications: out, LastKey: cursor}

	caughtUp := cursor == ""
	if caughtUp && len(out) > 0 {
		last := out[len(out)-1]
		if last.Badge != 0 {
			result.Notifications = append(result.Notifications, &Notification{
				UserID:    userID,
				Name:      "clear_badges",
				Timestamp: time.Now().Unix(),
				Badge:     0,
				Synthetic: true,
			})
		}
	}
	return result, nil
}

func toRow(n *Notification) map[string]any {
	attrs := map[string]any{
		attrNotificationID: n.NotificationID,
		attrName:           n.Name,
		attrSenderID:       n.SenderID,
		attrSenderDeviceID: n.SenderDeviceID,
		attrTimestamp:      n.Timestamp,
		attrBadge:          n.Badge,
	}
	if n.OpID != "" {
		attrs[attrOpID] = n.OpID
	}
	if n.ViewpointID != "" {
		attrs[attrViewpointID] = n.ViewpointID
		attrs[attrUpdateSeq] = n.UpdateSeq
		attrs[attrViewedSeq] = n.ViewedSeq
	}
	if n.ActivityID != "" {
		attrs[attrActivityID] = n.ActivityID
	}
	if n.Invalidate != nil {
		data, _ := json.Marshal(n.Invalidate)
		attrs[attrInvalidate] = string(data)
	}
	if len(n.Inline) > 0 {
		attrs[attrInline] = string(n.Inline)
	}
	return attrs
}

func fromRow(userID int64, attrs map[string]any) *Notification {
	n := &Notification{
		UserID:         userID,
		NotificationID: mustInt64(attrs[attrNotificationID]),
		Name:           stringAttr(attrs, attrName),
		SenderID:       mustInt64(attrs[attrSenderID]),
		SenderDeviceID: mustInt64(attrs[attrSenderDeviceID]),
		Timestamp:      mustInt64(attrs[attrTimestamp]),
		OpID:           stringAttr(attrs, attrOpID),
		ViewpointID:    stringAttr(attrs, attrViewpointID),
		UpdateSeq:      mustInt64(attrs[attrUpdateSeq]),
		ViewedSeq:      mustInt64(attrs[attrViewedSeq]),
		ActivityID:     stringAttr(attrs, attrActivityID),
		Badge:          int(mustInt64(attrs[attrBadge])),
	}
	if raw := stringAttr(attrs, attrInvalidate); raw != "" {
		var inv Invalidate
		if json.Unmarshal([]byte(raw), &inv) == nil {
			n.Invalidate = &inv
		}
	}
	if raw := stringAttr(attrs, attrInline); raw != "" {
		n.Inline = json.RawMessage(raw)
	}
	return n
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func mustInt64(v any) int64 {
	n, _ := toInt64(v)
	return n
}
