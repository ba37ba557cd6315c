// Package ops registers the pipeline's concrete operation handlers:
// user registration, identity linking, and viewpoint sharing/unsharing.
//
// Every handler follows the same shape: an idempotent mutation phase gated
// by an op checkpoint, then a notify phase gated by the same checkpoint,
// so a crash-and-replay never double-applies the mutation or double-sends
// a notification.
package ops

import (
	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

const (
	tableUsers      = "domain_users"
	tableIdentities = "domain_identities"
	tableActivities = "domain_activities"

	metaRangeKey = "meta"
)

// rowKey builds the hash/range composite key domain tables address rows by.
func rowKey(hashKey, rangeKey string) string {
	return kvstore.EncodeKey(hashKey, rangeKey)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
