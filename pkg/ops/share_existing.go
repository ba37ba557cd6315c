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

// vpResourceType names the lock resource type for per-viewpoint mutual
// exclusion.
const vpResourceType = "vp"

// ShareExistingArgs carries what a share needs: a viewpoint, the photos
// being shared into it, and who is a follower of record.
type ShareExistingArgs struct {
	ViewpointID    string   `json:"viewpoint_id"`
	SenderID       int64    `json:"sender_id"`
	SenderDeviceID int64    `json:"sender_device_id"`
	PhotoIDs       []string `json:"photo_ids"`
	Followers      []int64  `json:"followers"`
}

// shareExistingCheckpoint tracks the two phases ShareExistingHandler must
// not repeat on replay: the activity write and the notification fan-out.
type shareExistingCheckpoint struct {
	ActivityWritten bool `json:"activity_written"`
	Notified        bool `json:"notified"`
}

func (h *Handlers) readCheckpoint(op *oplog.Operation, out any) {
	if op.Checkpoint == nil {
		return
	}
	_ = json.Unmarshal(op.Checkpoint, out)
}

// ShareExistingHandler shares PhotoIDs into ViewpointID and fans out a
// notification to every follower. The activity write and the notify
// fan-out are each gated by a checkpoint flag so a crash between them
// replays into exactly the same durable state and exactly one
// notification per follower, never two.
func (h *Handlers) ShareExistingHandler(ctx context.Context, log *oplog.Log, op *oplog.Operation) error {
	var args ShareExistingArgs
	if err := json.Unmarshal(op.Args, &args); err != nil {
		return fmt.Errorf("ops: share_existing: unmarshal args: %w", err)
	}

	var cp shareExistingCheckpoint
	h.readCheckpoint(op, &cp)

	l, status, err := h.LockMgr.Acquire(ctx, vpResourceType, args.ViewpointID, lock.AcquireOptions{
		DetectAbandonment: true,
		ResourceData:      op.OperationID,
	})
	if err != nil {
		return fmt.Errorf("ops: share_existing: acquire viewpoint lock: %w", err)
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
			"name":      "share_existing",
			"photo_ids": string(photoJSON),
			"sender_id": args.SenderID,
			"timestamp": op.Timestamp,
		}
		activityKey := rowKey(args.ViewpointID, op.OperationID)
		expected := map[string]kvstore.ExpectedValue{"name": {Absent: true}}
		if err := store.Put(ctx, tableActivities, activityKey, attrs, expected); err != nil && !kvstore.IsConditionFailed(err) {
			return fmt.Errorf("ops: share_existing: write activity: %w", err)
		}
		cp.ActivityWritten = true
		if err := log.SetCheckpoint(ctx, cp); err != nil {
			return err
		}
	}

	if err := log.TriggerFailpoint(ctx, "share_existing:post_activity"); err != nil {
		return err
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
				Name:        "share_existing",
				ViewpointID: args.ViewpointID,
				ActivityID:  op.OperationID,
				Invalidate:  &notify.Invalidate{Activities: true, Episodes: true},
			}, nil)
		if err != nil {
			return fmt.Errorf("ops: share_existing: notify followers: %w", err)
		}
		cp.Notified = true
		if err := log.SetCheckpoint(ctx, cp); err != nil {
			return err
		}
	}

	return nil
}
