//go:build integration

package kvstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	kvbadger "github.com/viewfinder/oppipeline/pkg/kvstore/badger"
)

// TestBadgerStorePersistsAcrossReopen exercises the on-disk path the plain
// conformance test (which runs InMemory) never does: closing and reopening
// a BadgerDB store at the same path must see previously written rows.
func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := kvbadger.Open(ctx, kvbadger.Config{Path: dir})
	require.NoError(t, err)

	key := "u1\x1fr1"
	require.NoError(t, store.Put(ctx, "widgets", key, map[string]any{"name": "gizmo"}, nil))
	require.NoError(t, store.Close())

	reopened, err := kvbadger.Open(ctx, kvbadger.Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	out := make(map[string]any)
	found, err := reopened.Get(ctx, "widgets", key, out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gizmo", out["name"])
}
