// Package memory implements kvstore.Store as an in-process map. It is used
// for tests and single-node development where persistence is not required.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

// Store is an in-memory implementation of kvstore.Store. All state lives in
// a single process and is lost on restart.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]map[string]any),
	}
}

var _ kvstore.Store = (*Store)(nil)

func (s *Store) table(name string) map[string]map[string]any {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]map[string]any)
		s.tables[name] = t
	}
	return t
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

// valuesEqual coerces numeric values before comparing, so an int64 the
// caller had in hand matches the same quantity regardless of which Go type
// a prior Put stored it as. Keeps this backend's conditional-write
// semantics identical to the backends that round-trip rows through JSON.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func (s *Store) Put(ctx context.Context, table, key string, attrs map[string]any, expected map[string]kvstore.ExpectedValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	row, exists := t[key]
	if !exists {
		row = make(map[string]any)
	}
	if !checkExpected(row, expected) {
		return kvstore.NewConditionFailedError(table, key)
	}

	merged := make(map[string]any, len(row)+len(attrs))
	for k, v := range row {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	t[key] = merged
	return nil
}

func (s *Store) Get(ctx context.Context, table, key string, out map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.tables[table][key]
	if !exists {
		return false, nil
	}
	for k, v := range row {
		out[k] = v
	}
	return true, nil
}

func (s *Store) BatchGet(ctx context.Context, table string, keys []string) (map[string]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[table]
	result := make(map[string]map[string]any)
	for _, key := range keys {
		if row, exists := t[key]; exists {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				cp[k] = v
			}
			result[key] = cp
		}
	}
	return result, nil
}

func (s *Store) RangeQuery(ctx context.Context, table, hashKey string, opts kvstore.RangeOptions) ([]kvstore.Row, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []kvstore.Row
	prefix := hashKey + "\x1f"
	for key, attrs := range s.tables[table] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		_, rangeKey, ok := kvstore.DecodeKey(key)
		if !ok {
			continue
		}
		if opts.RangeKeyPrefix != "" && !strings.HasPrefix(rangeKey, opts.RangeKeyPrefix) {
			continue
		}
		cp := make(map[string]any, len(attrs))
		for k, v := range attrs {
			cp[k] = v
		}
		rows = append(rows, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: cp})
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

	keys := make([]string, 0, len(s.tables[table]))
	for key := range s.tables[table] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var rows []kvstore.Row
	for _, key := range keys {
		if startKey != "" && key <= startKey {
			continue
		}
		attrs := s.tables[table][key]
		if !matchesFilter(attrs, filter) {
			continue
		}
		hashKey, rangeKey, _ := kvstore.DecodeKey(key)
		cp := make(map[string]any, len(attrs))
		for k, v := range attrs {
			cp[k] = v
		}
		rows = append(rows, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: cp})
		if limit > 0 && len(rows) >= limit {
			return rows, key, nil
		}
	}
	return rows, "", nil
}

func matchesFilter(attrs map[string]any, filter kvstore.ScanFilter) bool {
	for attr, want := range filter.AttrEquals {
		if attrs[attr] != want {
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
	default:
		return 0, false
	}
}

func (s *Store) Delete(ctx context.Context, table, key string, expected map[string]kvstore.ExpectedValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	row := t[key]
	if !checkExpected(row, expected) {
		return kvstore.NewConditionFailedError(table, key)
	}
	delete(t, key)
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Reset drops every table's contents, leaving the Store empty as if newly
// created.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]map[string]map[string]any)
}
