package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viewfinder/oppipeline/pkg/oplog"
)

// RegisterUserArgs identifies the user being registered and the identity
// it must be linked to before registration can complete.
type RegisterUserArgs struct {
	UserID   int64  `json:"user_id"`
	Identity string `json:"identity"`
}

// registerUserCheckpoint records whether this op has already asked for (or
// confirmed) the identity link, so a retried attempt after a crash does not
// create a second LinkIdentity nested op.
type registerUserCheckpoint struct {
	LinkRequested bool `json:"link_requested"`
}

// RegisterUserHandler decides an identity must be linked before the user
// record can be marked registered, creates a LinkIdentity nested op, and
// lets CreateNested's stop-and-retry signal run the child first. It does
// not special-case a quarantined child: CreateNested itself returns
// ErrTooManyRetries in that case, which this handler simply lets
// propagate, so the parent is retried and backed off like any other
// failure until an operator clears the child.
func RegisterUserHandler(ctx context.Context, log *oplog.Log, op *oplog.Operation) error {
	var args RegisterUserArgs
	if err := json.Unmarshal(op.Args, &args); err != nil {
		return fmt.Errorf("ops: register_user: unmarshal args: %w", err)
	}

	store := log.Store()
	identityKey := rowKey(args.Identity, metaRangeKey)
	row := make(map[string]any)
	found, err := store.Get(ctx, tableIdentities, identityKey, row)
	if err != nil {
		return err
	}

	if !found || toInt64(row["user_id"]) != args.UserID {
		var cp registerUserCheckpoint
		if op.Checkpoint != nil {
			_ = json.Unmarshal(op.Checkpoint, &cp)
		}
		if !cp.LinkRequested {
			if err := log.SetCheckpoint(ctx, registerUserCheckpoint{LinkRequested: true}); err != nil {
				return err
			}
		}
		return log.CreateNested(ctx, "LinkIdentity", LinkIdentityArgs{
			UserID:   args.UserID,
			Identity: args.Identity,
		})
	}

	userKey := rowKey(fmt.Sprintf("%d", args.UserID), metaRangeKey)
	attrs := map[string]any{"registered": true, "identity": args.Identity}
	return store.Put(ctx, tableUsers, userKey, attrs, nil)
}
