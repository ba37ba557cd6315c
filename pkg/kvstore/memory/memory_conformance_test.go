package memory_test

import (
	"testing"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
	"github.com/viewfinder/oppipeline/pkg/kvstore/memory"
	"github.com/viewfinder/oppipeline/pkg/kvstoretest"
)

func TestMemoryStoreConformance(t *testing.T) {
	kvstoretest.RunConformanceSuite(t, func(t *testing.T) kvstore.Store {
		return memory.New()
	})
}
