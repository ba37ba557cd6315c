package ops_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinder/oppipeline/pkg/kvstore/memory"
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/viewfinder/oppipeline/pkg/notify"
	"github.com/viewfinder/oppipeline/pkg/oplog"
	"github.com/viewfinder/oppipeline/pkg/opmanager"
	"github.com/viewfinder/oppipeline/pkg/ops"
)

func newHarness(t *testing.T) (*oplog.Log, *opmanager.OpManager, *notify.Manager) {
	t.Helper()
	store := memory.New()
	log := oplog.New(store)
	lockMgr := lock.NewManager(store, lock.DefaultConfig(), nil)
	notifyMgr := notify.NewManager(store, notify.DefaultConfig(), nil)
	opMap := opmanager.NewOperationMap()
	h := ops.NewHandlers(lockMgr, notifyMgr)
	ops.Register(opMap, h)

	cfg := opmanager.Config{
		MaxUsersOutstanding:        1000,
		ScanAbandonedLocksInterval: time.Minute,
		ScanFailedOpsInterval:      time.Hour,
		QuarantineThreshold:        10,
		MinRetryDelay:              time.Millisecond,
		MaxRetryDelay:              10 * time.Millisecond,
	}
	om := opmanager.New(log, lockMgr, opMap, cfg, nil)
	return log, om, notifyMgr
}

func TestRegisterUserCreatesNestedLinkIdentityFirst(t *testing.T) {
	log, _, _ := newHarness(t)
	ctx := context.Background()

	args, _ := json.Marshal(ops.RegisterUserArgs{UserID: 42, Identity: "Email:alice@example.com"})
	_, err := log.CreateAndExecute(ctx, 42, 1, "RegisterUser", args, oplog.Headers{Synchronous: true}, 1)
	require.NoError(t, err)

	row := make(map[string]any)
	found, err := log.Store().Get(ctx, "domain_identities", "Email:alice@example.com\x1fmeta", row)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 42, row["user_id"])

	userRow := make(map[string]any)
	found, err = log.Store().Get(ctx, "domain_users", "42\x1fmeta", userRow)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, userRow["registered"])
}

func TestShareExistingWritesActivityAndNotifiesFollowers(t *testing.T) {
	log, _, notifyMgr := newHarness(t)
	ctx := context.Background()

	args, _ := json.Marshal(ops.ShareExistingArgs{
		ViewpointID: "vp1",
		SenderID:    1,
		PhotoIDs:    []string{"p1", "p2"},
		Followers:   []int64{1, 2, 3},
	})
	_, err := log.CreateAndExecute(ctx, 1, 1, "ShareExisting", args, oplog.Headers{Synchronous: true}, 1)
	require.NoError(t, err)

	for _, uid := range []int64{2, 3} {
		res, err := notifyMgr.Query(ctx, uid, "", 10)
		require.NoError(t, err)
		// One real row plus the synthesized clear_badges tail.
		require.Len(t, res.Notifications, 2)
		assert.True(t, res.Notifications[1].Synthetic)
		assert.Equal(t, "share_existing", res.Notifications[0].Name)
	}

	// Sender is excluded from its own fan-out.
	res, err := notifyMgr.Query(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Len(t, res.Notifications, 0)
}

func TestShareExistingIdempotentReplayAfterFailpoint(t *testing.T) {
	log, om, notifyMgr := newHarness(t)
	log.EnableFailpoints(true)
	ctx := context.Background()

	args, _ := json.Marshal(ops.ShareExistingArgs{
		ViewpointID: "vp1",
		SenderID:    1,
		PhotoIDs:    []string{"p1"},
		Followers:   []int64{2},
	})
	op, err := log.CreateAndExecute(ctx, 1, 1, "ShareExisting", args, oplog.Headers{Synchronous: true}, 1)
	require.NoError(t, err)
	require.NotNil(t, op)

	// The first attempt tripped the failpoint after writing the activity
	// but before notifying; the op row survives with a checkpoint.
	row, found, err := log.Get(ctx, 1, op.OperationID)
	require.NoError(t, err)
	require.True(t, found, "op should still be pending after the failpoint fired")

	var cp struct {
		ActivityWritten bool `json:"activity_written"`
		Notified        bool `json:"notified"`
	}
	require.NoError(t, json.Unmarshal(row.Checkpoint, &cp))
	assert.True(t, cp.ActivityWritten)
	assert.False(t, cp.Notified)

	// Clear backoff and re-drive: the replay must not re-write the activity
	// (TriggerFailpoint only fires once per site) and must send exactly one
	// notification to the follower.
	require.NoError(t, log.RecordAttempt(ctx, row, row.Attempts, 0, false))
	require.NoError(t, om.MaybeExecuteOp(ctx, 1, op.OperationID, true))

	_, found, err = log.Get(ctx, 1, op.OperationID)
	require.NoError(t, err)
	assert.False(t, found, "op should be deleted once it completes")

	res, err := notifyMgr.Query(ctx, 2, "", 10)
	require.NoError(t, err)
	// One real row plus the synthesized clear_badges tail.
	require.Len(t, res.Notifications, 2, "exactly one notification despite the replay")
	assert.True(t, res.Notifications[1].Synthetic)
}

func TestUnshareSendsInvalidateOnlyNotification(t *testing.T) {
	log, _, notifyMgr := newHarness(t)
	ctx := context.Background()

	args, _ := json.Marshal(ops.UnshareArgs{
		ViewpointID: "vp1",
		SenderID:    1,
		PhotoIDs:    []string{"p1"},
		Followers:   []int64{2},
	})
	_, err := log.CreateAndExecute(ctx, 1, 1, "Unshare", args, oplog.Headers{Synchronous: true}, 1)
	require.NoError(t, err)

	res, err := notifyMgr.Query(ctx, 2, "", 10)
	require.NoError(t, err)
	// One real row plus the synthesized clear_badges tail.
	require.Len(t, res.Notifications, 2)
	assert.True(t, res.Notifications[1].Synthetic)
	assert.Equal(t, "unshare", res.Notifications[0].Name)
	assert.Nil(t, res.Notifications[0].Inline)
	require.NotNil(t, res.Notifications[0].Invalidate)
	assert.True(t, res.Notifications[0].Invalidate.Activities)
}
