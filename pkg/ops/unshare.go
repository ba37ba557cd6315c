package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/viewfinder/oppipeline/pkg/notify"
	"github.com/viewfinder/oppipeline/pkg/oplog"
)

// UnshareArgs removes PhotoIDs from ViewpointID on behalf of every follower
// in Followers.
type UnshareArgs struct {
	ViewpointID    string   `json:"viewpoint_id"`
	SenderID       int64    `json:"sender_id"`
	SenderDeviceID int64    `json:"sender_device_id"`
	PhotoIDs       []string `json:"photo_ids"`
	Followers      []int64  `json:"followers"`
}

type unshareCheckpoint struct {
	ActivityWritten bool `json:"activity_written"`
	Notified        bool `json:"notified"`
}

// UnshareHandler removes PhotoIDs from ViewpointID and notifies followers
// with an invalidate-only record (unshare never carries a safe-to-inline
// payload; every recipient must re-query its episode list), following the
// same lock/idempotent-write/notify shape as ShareExistingHandler.
func (h *Handlers) UnshareHandler(ctx context.Context, log *oplog.Log, op *oplog.Operation) error {
	var args UnshareArgs
	if err := json.Unmarshal(op.Args, &args); err != nil {
		return fmt.Errorf("ops: unshare: unmarshal args: %w", err)
	}

	var cp unshareCheckpoint
	h.readCheckpoint(op, &cp)

	l, status, err := h.LockMgr.Acquire(ctx, vpResourceType, args.ViewpointID, lock.AcquireOptions{
		DetectAbandonment: true,
		ResourceData:      op.OperationID,
	})
	if err != nil {
		return fmt.Errorf("ops: unshare: acquire viewpoint lock: %w", err)
	}
	if status == lock.StatusAcquiredAbandoned {
		logger.WarnCtx(ctx, "took over an abandoned viewpoint lock", logger.ViewpointID(args.ViewpointID))
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			logger.ErrorCtx(ctx, "failed to release viewpoint lock", logger.ViewpointID(args.ViewpointID), logger.Err(relErr))
		}
	}()

	store := log.Store()

	if !cp.ActivityWritten {
		photoJSON, _ := json.Marshal(args.PhotoIDs)
		attrs := map[string]any{
			"name":      "unshare",
			"photo_ids": string(photoJSON),
			"sender_id": args.SenderID,
			"timestamp": op.Timestamp,
		}
		activityKey := rowKey(args.ViewpointID, op.OperationID)
		expected := map[string]kvstore.ExpectedValue{"name": {Absent: true}}
		if err := store.Put(ctx, tableActivities, activityKey, attrs, expected); err != nil && !kvstore.IsConditionFailed(err) {
			return fmt.Errorf("ops: unshare: write activity: %w", err)
		}
		cp.ActivityWritten = true
		if err := log.SetCheckpoint(ctx, cp); err != nil {
			return err
		}
	}

	if !cp.Notified {
		items := make([]notify.Follower, 0, len(args.Followers))
		for _, uid := range args.Followers {
			if uid == args.SenderID {
				continue
			}
			items = append(items, notify.Follower{UserID: uid})
		}
		err := h.NotifyMgr.NotifyFollowers(ctx, args.ViewpointID, args.SenderID, args.SenderDeviceID, op.Timestamp, op.OperationID,
			items, notify.Item{
				Name:        "unshare",
				ViewpointID: args.ViewpointID,
				ActivityID:  op.OperationID,
				Invalidate:  &notify.Invalidate{Activities: true, Episodes: true},
			}, nil)
		if err != nil {
			return fmt.Errorf("ops: unshare: notify followers: %w", err)
		}
		cp.Notified = true
		if err := log.SetCheckpoint(ctx, cp); err != nil {
			return err
		}
	}

	return nil
}
