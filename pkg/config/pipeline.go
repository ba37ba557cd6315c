package config

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/viewfinder/oppipeline/pkg/metrics"
	metricsprom "github.com/viewfinder/oppipeline/pkg/metrics/prometheus"
	"github.com/viewfinder/oppipeline/pkg/notify"
	"github.com/viewfinder/oppipeline/pkg/oplog"
	"github.com/viewfinder/oppipeline/pkg/opmanager"
	"github.com/viewfinder/oppipeline/pkg/ops"
	"github.com/viewfinder/oppipeline/pkg/retry"
)

// Pipeline bundles the fully wired operation pipeline: the store backing
// everything, the log handlers append to, the scheduler that drains it,
// and the lock/notify managers handlers depend on. One Pipeline is built
// once per process and shared by every request path and cmd/opctl
// subcommand.
type Pipeline struct {
	// InstanceID identifies this process instance in logs, so lines from
	// several servers sharing one store can be told apart.
	InstanceID string

	Store     kvstore.Store
	Log       *oplog.Log
	LockMgr   *lock.Manager
	NotifyMgr *notify.Manager
	OpMap     *opmanager.OperationMap
	OpManager *opmanager.OpManager

	// HandlerRetry is the default RetryPolicy derived from cfg.Retry,
	// available to operation handlers that wrap their own transient
	// storage calls (pkg/opmanager applies its own fixed policy around
	// the handler invocation itself; this one is for handlers to reuse).
	HandlerRetry retry.Policy
}

// BuildPipeline constructs the store, lock manager, notification manager,
// operation log, and scheduler from cfg, and registers this repository's
// operation handlers. It does not start the scheduler's background
// sweepers: cmd/opctl's one-shot commands run a single scan and exit, so a
// long-lived server process should call p.OpManager.StartSweepers(ctx)
// itself once the pipeline is built. The caller owns the returned
// Pipeline's lifetime: call Close to stop the sweepers (if started) and
// release the store.
func BuildPipeline(ctx context.Context, cfg *Config) (*Pipeline, error) {
	store, err := CreateKVStore(ctx, cfg.KVStore)
	if err != nil {
		return nil, err
	}

	var lockMetrics metrics.LockMetrics
	var opMetrics metrics.OpMetrics
	var notifyMetrics metrics.NotifyMetrics
	if metrics.IsEnabled() {
		lockMetrics = metricsprom.NewLockMetrics()
		opMetrics = metricsprom.NewOpMetrics()
		notifyMetrics = metricsprom.NewNotifyMetrics()
	}

	lockCfg := lock.Config{
		AbandonmentSecs:   cfg.Lock.AbandonmentSecs,
		RenewalSecs:       cfg.Lock.RenewalSecs,
		MaxUpdateAttempts: cfg.Lock.MaxUpdateAttempts,
	}
	lockMgr := lock.NewManager(store, lockCfg, lockMetrics)

	notifyCfg := notify.Config{MaxInlineCommentLen: int(cfg.Notification.MaxInlineCommentLen)}
	notifyMgr := notify.NewManager(store, notifyCfg, notifyMetrics)

	log := oplog.New(store)

	opMap := opmanager.NewOperationMap()
	handlers := ops.NewHandlers(lockMgr, notifyMgr)
	ops.Register(opMap, handlers)

	opCfg := opmanager.Config{
		MaxUsersOutstanding:        cfg.OpManager.MaxUsersOutstanding,
		ScanAbandonedLocksInterval: cfg.OpManager.ScanAbandonedLocksInterval,
		ScanFailedOpsInterval:      cfg.OpManager.ScanFailedOpsInterval,
		QuarantineThreshold:        cfg.OpManager.QuarantineThreshold,
		MinRetryDelay:              cfg.Retry.MinDelay,
		MaxRetryDelay:              cfg.Retry.MaxDelay,
		ScanLimit:                  cfg.OpManager.ScanLimit,
	}
	om := opmanager.New(log, lockMgr, opMap, opCfg, opMetrics)

	instanceID := uuid.NewString()
	logger.Info("operation pipeline built", "instance_id", instanceID, "kvstore", cfg.KVStore.Type)

	return &Pipeline{
		InstanceID: instanceID,
		Store:      store,
		Log:        log,
		LockMgr:    lockMgr,
		NotifyMgr:  notifyMgr,
		OpMap:      opMap,
		OpManager:  om,
		HandlerRetry: retry.Policy{
			MaxTries:   cfg.Retry.MaxTries,
			Timeout:    cfg.Retry.Timeout,
			MinDelay:   cfg.Retry.MinDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			CheckError: retry.AlwaysRetry,
		},
	}, nil
}

// Close stops the scheduler's sweepers and releases the underlying store,
// if the backend holds resources that need releasing (badger, postgres).
func (p *Pipeline) Close() error {
	p.OpManager.Stop()
	if closer, ok := p.Store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
