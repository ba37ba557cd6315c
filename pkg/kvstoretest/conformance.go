// Package kvstoretest exercises every kvstore.Store backend (memory,
// badger, postgres) against one shared behavioral contract, so a backend
// swap can never silently change the semantics the operation log, lock,
// and notification packages depend on.
package kvstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

// NewStoreFunc constructs a fresh, empty kvstore.Store for one subtest.
// Implementations that hold shared/external state (e.g. a postgres
// database) must clear it before returning.
type NewStoreFunc func(t *testing.T) kvstore.Store

// RunConformanceSuite runs every conformance case against newStore, each
// in its own t.Run subtest so backend-specific failures are easy to spot.
func RunConformanceSuite(t *testing.T, newStore NewStoreFunc) {
	t.Run("PutThenGet", func(t *testing.T) { testPutThenGet(t, newStore) })
	t.Run("GetMissingRowReturnsNotFound", func(t *testing.T) { testGetMissingRow(t, newStore) })
	t.Run("PutRequiresAbsentSucceedsOnce", func(t *testing.T) { testPutAbsentOnce(t, newStore) })
	t.Run("PutRequiresValueMatches", func(t *testing.T) { testPutValueMatch(t, newStore) })
	t.Run("PutMergesAttrsRatherThanReplacing", func(t *testing.T) { testPutMerge(t, newStore) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore) })
	t.Run("DeleteHonorsExpected", func(t *testing.T) { testDeleteExpected(t, newStore) })
	t.Run("RangeQueryOrdersByRangeKey", func(t *testing.T) { testRangeQueryOrder(t, newStore) })
	t.Run("RangeQueryPaginatesWithCursor", func(t *testing.T) { testRangeQueryPagination(t, newStore) })
	t.Run("RangeQueryRespectsPrefix", func(t *testing.T) { testRangeQueryPrefix(t, newStore) })
	t.Run("RangeQueryReverse", func(t *testing.T) { testRangeQueryReverse(t, newStore) })
	t.Run("ScanFiltersByAttrEquals", func(t *testing.T) { testScanAttrEquals(t, newStore) })
	t.Run("ScanFiltersByAttrLessOrEqual", func(t *testing.T) { testScanAttrLessOrEqual(t, newStore) })
	t.Run("BatchGetOmitsMissingKeys", func(t *testing.T) { testBatchGet(t, newStore) })
}

func testPutThenGet(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Put(ctx, "widgets", kvstore.EncodeKey("u1", "r1"), map[string]any{"name": "gizmo"}, nil)
	require.NoError(t, err)

	out := make(map[string]any)
	found, err := s.Get(ctx, "widgets", kvstore.EncodeKey("u1", "r1"), out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "gizmo", out["name"])
}

func testGetMissingRow(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)

	out := make(map[string]any)
	found, err := s.Get(ctx, "widgets", kvstore.EncodeKey("u1", "nope"), out)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, out)
}

func testPutAbsentOnce(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	key := kvstore.EncodeKey("u1", "r1")
	expected := map[string]kvstore.ExpectedValue{"id": {Absent: true}}

	err := s.Put(ctx, "widgets", key, map[string]any{"id": "r1"}, expected)
	require.NoError(t, err)

	err = s.Put(ctx, "widgets", key, map[string]any{"id": "r1"}, expected)
	require.Error(t, err)
	assert.True(t, kvstore.IsConditionFailed(err))
}

func testPutValueMatch(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	key := kvstore.EncodeKey("u1", "r1")

	require.NoError(t, s.Put(ctx, "widgets", key, map[string]any{"version": int64(1)}, nil))

	err := s.Put(ctx, "widgets", key, map[string]any{"version": int64(2)},
		map[string]kvstore.ExpectedValue{"version": {Value: int64(1)}})
	require.NoError(t, err)

	err = s.Put(ctx, "widgets", key, map[string]any{"version": int64(3)},
		map[string]kvstore.ExpectedValue{"version": {Value: int64(1)}})
	require.Error(t, err)
	assert.True(t, kvstore.IsConditionFailed(err))
}

func testPutMerge(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	key := kvstore.EncodeKey("u1", "r1")

	require.NoError(t, s.Put(ctx, "widgets", key, map[string]any{"a": "1"}, nil))
	require.NoError(t, s.Put(ctx, "widgets", key, map[string]any{"b": "2"}, nil))

	out := make(map[string]any)
	found, err := s.Get(ctx, "widgets", key, out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", out["a"])
	assert.Equal(t, "2", out["b"])
}

func testDeleteIdempotent(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	key := kvstore.EncodeKey("u1", "r1")

	require.NoError(t, s.Delete(ctx, "widgets", key, nil))

	require.NoError(t, s.Put(ctx, "widgets", key, map[string]any{"a": "1"}, nil))
	require.NoError(t, s.Delete(ctx, "widgets", key, nil))

	out := make(map[string]any)
	found, err := s.Get(ctx, "widgets", key, out)
	require.NoError(t, err)
	assert.False(t, found)
}

func testDeleteExpected(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	key := kvstore.EncodeKey("u1", "r1")

	require.NoError(t, s.Put(ctx, "widgets", key, map[string]any{"version": int64(1)}, nil))

	err := s.Delete(ctx, "widgets", key, map[string]kvstore.ExpectedValue{"version": {Value: int64(2)}})
	require.Error(t, err)
	assert.True(t, kvstore.IsConditionFailed(err))

	require.NoError(t, s.Delete(ctx, "widgets", key, map[string]kvstore.ExpectedValue{"version": {Value: int64(1)}}))
}

func seedRange(t *testing.T, ctx context.Context, s kvstore.Store, hashKey string, rangeKeys ...string) {
	t.Helper()
	for _, rk := range rangeKeys {
		require.NoError(t, s.Put(ctx, "ops", kvstore.EncodeKey(hashKey, rk), map[string]any{"rk": rk}, nil))
	}
}

func testRangeQueryOrder(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	seedRange(t, ctx, s, "u1", "c", "a", "b")

	rows, cursor, err := s.RangeQuery(ctx, "ops", "u1", kvstore.RangeOptions{})
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, rangeKeys(rows))
}

func testRangeQueryPagination(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	seedRange(t, ctx, s, "u1", "a", "b", "c", "d")

	first, cursor, err := s.RangeQuery(ctx, "ops", "u1", kvstore.RangeOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []string{"a", "b"}, rangeKeys(first))
	require.NotEmpty(t, cursor)

	second, cursor2, err := s.RangeQuery(ctx, "ops", "u1", kvstore.RangeOptions{Limit: 2, StartAfter: cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, rangeKeys(second))
	assert.Empty(t, cursor2)
}

func testRangeQueryPrefix(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	seedRange(t, ctx, s, "u1", "op:1", "op:2", "lock:1")

	rows, _, err := s.RangeQuery(ctx, "ops", "u1", kvstore.RangeOptions{RangeKeyPrefix: "op:"})
	require.NoError(t, err)
	assert.Equal(t, []string{"op:1", "op:2"}, rangeKeys(rows))
}

func testRangeQueryReverse(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)
	seedRange(t, ctx, s, "u1", "a", "b", "c")

	rows, _, err := s.RangeQuery(ctx, "ops", "u1", kvstore.RangeOptions{Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, rangeKeys(rows))
}

func testScanAttrEquals(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Put(ctx, "ops", kvstore.EncodeKey("u1", "r1"), map[string]any{"quarantine": true}, nil))
	require.NoError(t, s.Put(ctx, "ops", kvstore.EncodeKey("u1", "r2"), map[string]any{"quarantine": false}, nil))

	rows, _, err := s.Scan(ctx, "ops", kvstore.ScanFilter{AttrEquals: map[string]any{"quarantine": true}}, 0, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].RangeKey)
}

func testScanAttrLessOrEqual(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Put(ctx, "ops", kvstore.EncodeKey("u1", "r1"), map[string]any{"backoff": int64(100)}, nil))
	require.NoError(t, s.Put(ctx, "ops", kvstore.EncodeKey("u1", "r2"), map[string]any{"backoff": int64(200)}, nil))

	rows, _, err := s.Scan(ctx, "ops", kvstore.ScanFilter{AttrLessOrEqual: map[string]any{"backoff": int64(150)}}, 0, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].RangeKey)
}

func testBatchGet(t *testing.T, newStore NewStoreFunc) {
	ctx := context.Background()
	s := newStore(t)

	k1 := kvstore.EncodeKey("u1", "r1")
	k2 := kvstore.EncodeKey("u1", "r2")
	require.NoError(t, s.Put(ctx, "ops", k1, map[string]any{"v": "1"}, nil))

	result, err := s.BatchGet(ctx, "ops", []string{k1, k2})
	require.NoError(t, err)
	assert.Len(t, result, 1)
	assert.Contains(t, result, k1)
	assert.NotContains(t, result, k2)
}

func rangeKeys(rows []kvstore.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.RangeKey
	}
	return out
}
