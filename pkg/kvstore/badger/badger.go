// Package badger implements kvstore.Store on top of an embedded BadgerDB
// database, for single-node deployments that want durability without an
// external database dependency. It uses one mutex-guarded *badger.DB,
// db.Update/db.View transactions, and badger.DefaultIteratorOptions with a
// Prefix for range scans.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

// Config configures the BadgerDB-backed store.
type Config struct {
	// Path is the directory BadgerDB stores its files under.
	Path string

	// InMemory runs BadgerDB without touching disk. Used by tests that want
	// this backend's exact behavior without a temp directory.
	InMemory bool

	// Metrics, when non-nil, receives periodically sampled block/index
	// cache statistics from the underlying database.
	Metrics metrics.KVCacheMetrics

	// MetricsInterval is the cache sampling period. Zero defaults to one
	// minute. Ignored when Metrics is nil.
	MetricsInterval time.Duration
}

// Store implements kvstore.Store on a single *badger.DB. Every table shares
// the same underlying database; table names are folded into the row key so
// tables cannot collide.
type Store struct {
	mu sync.RWMutex
	db *badgerdb.DB

	stopMetrics chan struct{}
	metricsDone sync.WaitGroup
}

var _ kvstore.Store = (*Store)(nil)

// Open opens (creating if necessary) a BadgerDB database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badgerdb.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		// BadgerDB rejects a Dir/ValueDir in disk-less mode.
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}

	s := &Store{db: db}
	if cfg.Metrics != nil {
		interval := cfg.MetricsInterval
		if interval <= 0 {
			interval = time.Minute
		}
		s.stopMetrics = make(chan struct{})
		s.metricsDone.Add(1)
		go s.sampleCacheMetrics(cfg.Metrics, interval)
	}
	return s, nil
}

// sampleCacheMetrics periodically reports the database's cumulative cache
// statistics until Close.
func (s *Store) sampleCacheMetrics(m metrics.KVCacheMetrics, interval time.Duration) {
	defer s.metricsDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMetrics:
			return
		case <-ticker.C:
			if block := s.db.BlockCacheMetrics(); block != nil {
				m.RecordCacheHitRatio("block", block.Ratio())
				m.RecordCacheCounts("block", block.Hits(), block.Misses())
			}
			if index := s.db.IndexCacheMetrics(); index != nil {
				m.RecordCacheHitRatio("index", index.Ratio())
				m.RecordCacheCounts("index", index.Hits(), index.Misses())
			}
		}
	}
}

// rowKey folds the table name into the key so every table lives in the same
// keyspace partitioned by a "<table>\x1f" prefix.
func rowKey(table, key string) []byte {
	return []byte(table + "\x1f" + key)
}

func tablePrefix(table string) []byte {
	return []byte(table + "\x1f")
}

func decodeRow(data []byte) (map[string]any, error) {
	row := make(map[string]any)
	if len(data) == 0 {
		return row, nil
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("badger: decode row: %w", err)
	}
	return row, nil
}

func checkExpected(row map[string]any, expected map[string]kvstore.ExpectedValue) bool {
	for attr, exp := range expected {
		val, exists := row[attr]
		if exp.Absent {
			if exists {
				return false
			}
			continue
		}
		if !exists || !valuesEqual(val, exp.Value) {
			return false
		}
	}
	return true
}

// valuesEqual compares an attribute decoded back from JSON (which collapses
// every number to float64) against the value an ExpectedValue was built
// with (often an int64 or int the caller had in hand).
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func (s *Store) Put(ctx context.Context, table, key string, attrs map[string]any, expected map[string]kvstore.ExpectedValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		row := make(map[string]any)
		item, err := txn.Get(rowKey(table, key))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				row, err = decodeRow(val)
				return err
			}); err != nil {
				return err
			}
		case err == badgerdb.ErrKeyNotFound:
			// row stays empty
		default:
			return fmt.Errorf("badger: get %q/%q: %w", table, key, err)
		}

		if !checkExpected(row, expected) {
			return kvstore.NewConditionFailedError(table, key)
		}

		for k, v := range attrs {
			row[k] = v
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("badger: encode row: %w", err)
		}
		if err := txn.Set(rowKey(table, key), data); err != nil {
			return fmt.Errorf("badger: set %q/%q: %w", table, key, err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, table, key string, out map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(rowKey(table, key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger: get %q/%q: %w", table, key, err)
		}
		found = true
		return item.Value(func(val []byte) error {
			row, err := decodeRow(val)
			if err != nil {
				return err
			}
			for k, v := range row {
				out[k] = v
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *Store) BatchGet(ctx context.Context, table string, keys []string) (map[string]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]map[string]any)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(rowKey(table, key))
			if err == badgerdb.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return fmt.Errorf("badger: get %q/%q: %w", table, key, err)
			}
			if err := item.Value(func(val []byte) error {
				row, err := decodeRow(val)
				if err != nil {
					return err
				}
				result[key] = row
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RangeQuery(ctx context.Context, table, hashKey string, opts kvstore.RangeOptions) ([]kvstore.Row, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := tablePrefix(table)
	hashPrefix := []byte(table + "\x1f" + hashKey + "\x1f")

	var rows []kvstore.Row
	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = hashPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			fullKey := string(item.KeyCopy(nil))
			compositeKey := strings.TrimPrefix(fullKey, string(prefix))
			_, rangeKey, ok := kvstore.DecodeKey(compositeKey)
			if !ok {
				continue
			}
			if opts.RangeKeyPrefix != "" && !strings.HasPrefix(rangeKey, opts.RangeKeyPrefix) {
				continue
			}
			var row map[string]any
			if err := item.Value(func(val []byte) error {
				decoded, err := decodeRow(val)
				if err != nil {
					return err
				}
				row = decoded
				return nil
			}); err != nil {
				return err
			}
			rows = append(rows, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: row})
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	sort.Slice(rows, func(i, j int) bool {
		if opts.Reverse {
			return rows[i].RangeKey > rows[j].RangeKey
		}
		return rows[i].RangeKey < rows[j].RangeKey
	})

	if opts.StartAfter != "" {
		idx := 0
		for idx < len(rows) {
			if opts.Reverse && rows[idx].RangeKey < opts.StartAfter {
				break
			}
			if !opts.Reverse && rows[idx].RangeKey > opts.StartAfter {
				break
			}
			idx++
		}
		rows = rows[idx:]
	}

	var cursor string
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
		cursor = rows[len(rows)-1].RangeKey
	}
	return rows, cursor, nil
}

func (s *Store) Scan(ctx context.Context, table string, filter kvstore.ScanFilter, limit int, startKey string) ([]kvstore.Row, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := tablePrefix(table)
	var rows []kvstore.Row
	var cursor string

	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			fullKey := string(item.KeyCopy(nil))
			compositeKey := strings.TrimPrefix(fullKey, string(prefix))
			if startKey != "" && compositeKey <= startKey {
				continue
			}

			var row map[string]any
			if err := item.Value(func(val []byte) error {
				decoded, err := decodeRow(val)
				if err != nil {
					return err
				}
				row = decoded
				return nil
			}); err != nil {
				return err
			}
			if !matchesFilter(row, filter) {
				continue
			}

			hashKey, rangeKey, _ := kvstore.DecodeKey(compositeKey)
			rows = append(rows, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: row})
			if limit > 0 && len(rows) >= limit {
				cursor = compositeKey
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return rows, cursor, nil
}

func matchesFilter(attrs map[string]any, filter kvstore.ScanFilter) bool {
	for attr, want := range filter.AttrEquals {
		if !valuesEqual(attrs[attr], want) {
			return false
		}
	}
	for attr, want := range filter.AttrLessOrEqual {
		got, ok := toFloat(attrs[attr])
		wantF, wantOk := toFloat(want)
		if !ok || !wantOk || got > wantF {
			return false
		}
	}
	return true
}

func (s *Store) Delete(ctx context.Context, table, key string, expected map[string]kvstore.ExpectedValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		row := make(map[string]any)
		item, err := txn.Get(rowKey(table, key))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				row, err = decodeRow(val)
				return err
			}); err != nil {
				return err
			}
		case err == badgerdb.ErrKeyNotFound:
			// Deleting an absent row is not an error, but expectations on an
			// absent row (all Absent:true) still need to pass.
		default:
			return fmt.Errorf("badger: get %q/%q: %w", table, key, err)
		}

		if !checkExpected(row, expected) {
			return kvstore.NewConditionFailedError(table, key)
		}

		if err := txn.Delete(rowKey(table, key)); err != nil && err != badgerdb.ErrKeyNotFound {
			return fmt.Errorf("badger: delete %q/%q: %w", table, key, err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s.stopMetrics != nil {
		close(s.stopMetrics)
		s.metricsDone.Wait()
		s.stopMetrics = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
