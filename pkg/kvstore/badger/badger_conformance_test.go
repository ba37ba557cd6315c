package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
	kvbadger "github.com/viewfinder/oppipeline/pkg/kvstore/badger"
	"github.com/viewfinder/oppipeline/pkg/kvstoretest"
)

func TestBadgerStoreConformance(t *testing.T) {
	kvstoretest.RunConformanceSuite(t, func(t *testing.T) kvstore.Store {
		t.Helper()
		store, err := kvbadger.Open(context.Background(), kvbadger.Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}
