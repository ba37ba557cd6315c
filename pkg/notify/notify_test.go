package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinder/oppipeline/pkg/kvstore/memory"
	"github.com/viewfinder/oppipeline/pkg/notify"
)

func newManager() *notify.Manager {
	return notify.NewManager(memory.New(), notify.DefaultConfig(), nil)
}

func TestAppendAssignsDenseIDsPerUser(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	first, err := m.Append(ctx, 1, 2, 1, 100, "op1", notify.Item{Name: "share_existing", ViewpointID: "vp1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.NotificationID)

	second, err := m.Append(ctx, 1, 2, 1, 101, "op2", notify.Item{Name: "add_followers", ViewpointID: "vp1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.NotificationID)

	// A different user's sequence starts independently at 1.
	other, err := m.Append(ctx, 9, 2, 1, 100, "op1", notify.Item{Name: "share_existing", ViewpointID: "vp1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.NotificationID)
}

func TestAppendSkipsBadgeForSender(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	selfNotify, err := m.Append(ctx, 1, 1, 1, 100, "op1", notify.Item{Name: "share_existing"})
	require.NoError(t, err)
	assert.Equal(t, 0, selfNotify.Badge, "sender's own notification should not increment its own badge")

	followerNotify, err := m.Append(ctx, 2, 1, 1, 100, "op1", notify.Item{Name: "share_existing"})
	require.NoError(t, err)
	assert.Equal(t, 1, followerNotify.Badge)
}

func TestAppendReplayForSameOpAndFollowerReusesTheSameNotification(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	first, err := m.Append(ctx, 2, 1, 1, 100, "op1", notify.Item{Name: "share_existing", ViewpointID: "vp1"})
	require.NoError(t, err)

	// Simulate an abandoned-lock takeover re-running the handler: the same
	// (follower, op) pair is appended again with identical content.
	second, err := m.Append(ctx, 2, 1, 1, 100, "op1", notify.Item{Name: "share_existing", ViewpointID: "vp1"})
	require.NoError(t, err)

	assert.Equal(t, first.NotificationID, second.NotificationID, "a replayed fan-out must not mint a new id for an already-notified follower")

	res, err := m.Query(ctx, 2, "", 10)
	require.NoError(t, err)
	// One real row plus the synthesized clear_badges tail (the row's badge is 1).
	require.Len(t, res.Notifications, 2, "the replay must not leave a duplicate row behind")
	assert.True(t, res.Notifications[1].Synthetic)
}

func TestNotifyFollowersFansOutToEveryFollowerExceptNone(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	followers := []notify.Follower{{UserID: 2}, {UserID: 3}}
	err := m.NotifyFollowers(ctx, "vp1", 1, 1, 100, "op1", followers,
		notify.Item{Name: "share_existing", ViewpointID: "vp1", Invalidate: &notify.Invalidate{Activities: true}}, nil)
	require.NoError(t, err)

	for _, uid := range []int64{2, 3} {
		res, err := m.Query(ctx, uid, "", 10)
		require.NoError(t, err)
		// One real row plus the synthesized clear_badges tail.
		require.Len(t, res.Notifications, 2)
		assert.True(t, res.Notifications[1].Synthetic)
		assert.Equal(t, "share_existing", res.Notifications[0].Name)
		assert.Equal(t, 1, res.Notifications[0].Badge)
	}
}

func TestNotifyFollowersDegradesLargeInlineToInvalidate(t *testing.T) {
	m := notify.NewManager(memory.New(), notify.Config{MaxInlineCommentLen: 4}, nil)
	ctx := context.Background()

	big, _ := json.Marshal(map[string]string{"text": "this comment is much longer than four bytes"})
	err := m.NotifyFollowers(ctx, "vp1", 1, 1, 100, "op1", []notify.Follower{{UserID: 2}},
		notify.Item{Name: "post_comment", ViewpointID: "vp1", Inline: big}, nil)
	require.NoError(t, err)

	res, err := m.Query(ctx, 2, "", 10)
	require.NoError(t, err)
	// One real row plus the synthesized clear_badges tail.
	require.Len(t, res.Notifications, 2)
	assert.True(t, res.Notifications[1].Synthetic)
	n := res.Notifications[0]
	assert.Nil(t, n.Inline, "oversized inline payload must be dropped")
	require.NotNil(t, n.Invalidate)
	assert.True(t, n.Invalidate.Activities)
}

func TestQuerySynthesizesClearBadgesOnceCaughtUp(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	_, err := m.Append(ctx, 1, 2, 1, 100, "op1", notify.Item{Name: "share_existing"})
	require.NoError(t, err)

	res, err := m.Query(ctx, 1, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Notifications, 2, "expected the real notification plus a synthesized clear_badges tail")

	last := res.Notifications[1]
	assert.True(t, last.Synthetic)
	assert.Equal(t, "clear_badges", last.Name)
	assert.Equal(t, 0, last.Badge)
}

func TestQueryOmitsClearBadgesWhenNotCaughtUp(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, 1, 2, 1, int64(100+i), fmt.Sprintf("op%d", i), notify.Item{Name: "share_existing"})
		require.NoError(t, err)
	}

	res, err := m.Query(ctx, 1, "", 2)
	require.NoError(t, err)
	require.Len(t, res.Notifications, 2, "a truncated page must not get a synthesized clear_badges tail")
	assert.NotEmpty(t, res.LastKey)
	for _, n := range res.Notifications {
		assert.False(t, n.Synthetic)
	}
}

func TestQueryOmitsClearBadgesWhenLastBadgeAlreadyZero(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	// Sender notifying itself carries badge 0.
	_, err := m.Append(ctx, 1, 1, 1, 100, "op1", notify.Item{Name: "share_existing"})
	require.NoError(t, err)

	res, err := m.Query(ctx, 1, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)
	assert.False(t, res.Notifications[0].Synthetic)
}
