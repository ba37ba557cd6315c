package config

import (
	"context"
	"fmt"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
	kvbadger "github.com/viewfinder/oppipeline/pkg/kvstore/badger"
	kvmemory "github.com/viewfinder/oppipeline/pkg/kvstore/memory"
	kvpostgres "github.com/viewfinder/oppipeline/pkg/kvstore/postgres"
	"github.com/viewfinder/oppipeline/pkg/metrics"
	metricsprom "github.com/viewfinder/oppipeline/pkg/metrics/prometheus"
)

// CreateKVStore creates a kvstore.Store instance from configuration.
// The returned store backs the operation log, lock, and notification
// packages; callers are responsible for calling Close when done.
func CreateKVStore(ctx context.Context, cfg KVStoreConfig) (kvstore.Store, error) {
	switch cfg.Type {
	case "memory":
		return kvmemory.New(), nil
	case "badger":
		return createBadgerKVStore(ctx, cfg.Badger)
	case "postgres":
		return createPostgresKVStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown kvstore type: %q", cfg.Type)
	}
}

// createBadgerKVStore creates a BadgerDB-backed store, with cache metrics
// sampling attached when metrics collection is enabled.
func createBadgerKVStore(ctx context.Context, cfg BadgerStoreConfig) (kvstore.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kvstore.badger.path is required")
	}
	var cacheMetrics metrics.KVCacheMetrics
	if metrics.IsEnabled() {
		cacheMetrics = metricsprom.NewBadgerMetrics()
	}
	return kvbadger.Open(ctx, kvbadger.Config{Path: cfg.Path, Metrics: cacheMetrics})
}

// createPostgresKVStore creates a PostgreSQL-backed store, running any
// pending golang-migrate migrations first.
func createPostgresKVStore(ctx context.Context, cfg PostgresStoreConfig) (kvstore.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("kvstore.postgres.dsn is required")
	}
	return kvpostgres.Open(ctx, kvpostgres.Config{
		DSN:            cfg.DSN,
		MaxConns:       cfg.MaxConns,
		MigrationsPath: cfg.MigrationsPath,
	})
}
