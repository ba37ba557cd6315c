package oplog

import "context"

// execContext tracks the op a handler is currently running inside, carried
// on the handler's context.Context, so SetCheckpoint/CreateNested/
// TriggerFailpoint read the current op off ctx rather than off an ambient
// global.
type execContext struct {
	op *Operation
}

type execContextKey struct{}

// WithExecuting returns a context carrying op as the currently-executing
// operation. Only opmanager's scheduler should call this, immediately
// before invoking a handler.
func WithExecuting(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, execContextKey{}, &execContext{op: op})
}

func executingFrom(ctx context.Context) (*execContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*execContext)
	return ec, ok
}

// CurrentOp returns the op currently executing on ctx, for handlers that
// need read-only access to their own id, device, or attempt count.
func CurrentOp(ctx context.Context) (*Operation, bool) {
	ec, ok := executingFrom(ctx)
	if !ok {
		return nil, false
	}
	return ec.op, true
}
