package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/oplog"
)

// LinkIdentityArgs binds an external identity (an email address, phone
// number, or federated-login subject; never interpreted here, just an
// opaque string) to a user id.
type LinkIdentityArgs struct {
	UserID   int64  `json:"user_id"`
	Identity string `json:"identity"`
}

// LinkIdentityHandler links Identity to UserID. It is the nested-op target
// RegisterUserHandler creates: a conditional create keyed on the identity
// string, so two concurrent registrations racing for the same identity
// have exactly one winner. The loser's parent op only observes
// ErrTooManyRetries if this op is later quarantined, e.g. the identity is
// already linked to a different user, an operator decision rather than
// something the scheduler can retry its way out of.
func LinkIdentityHandler(ctx context.Context, log *oplog.Log, op *oplog.Operation) error {
	var args LinkIdentityArgs
	if err := json.Unmarshal(op.Args, &args); err != nil {
		return fmt.Errorf("ops: link_identity: unmarshal args: %w", err)
	}

	store := log.Store()
	key := rowKey(args.Identity, metaRangeKey)
	attrs := map[string]any{"user_id": args.UserID}
	expected := map[string]kvstore.ExpectedValue{"user_id": {Absent: true}}

	err := store.Put(ctx, tableIdentities, key, attrs, expected)
	if err == nil {
		return nil
	}
	if !kvstore.IsConditionFailed(err) {
		return err
	}

	// Replay, or a genuine conflict: read back and decide which.
	row := make(map[string]any)
	found, getErr := store.Get(ctx, tableIdentities, key, row)
	if getErr != nil {
		return getErr
	}
	if found && toInt64(row["user_id"]) == args.UserID {
		// Already linked to the same user: this is a replay of a completed
		// attempt (the op row survived a crash between the write and the
		// delete), not a fresh conflict.
		return nil
	}
	return fmt.Errorf("ops: link_identity: identity %q already linked to a different user", args.Identity)
}
