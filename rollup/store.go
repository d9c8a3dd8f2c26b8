package rollup

import (
	"context"
	"time"

	"github.com/xraph/turnstile/id"
)

// Store defines persistence for rollup buckets.
type Store interface {
	// UpsertBucketDelta adds the delta's aggregates into the stored
	// bucket for the same key, creating it if absent. Count and Sum
	// add, Max takes the greater value, Unique merges via
	// MergeUniqueBytes. The operation must be atomic per bucket so
	// concurrent flushes from multiple processes never lose counts.
	UpsertBucketDelta(ctx context.Context, delta *Bucket) error

	// QueryBuckets returns buckets for the subscription and event type
	// whose start falls in [start, end), ordered by bucket start.
	QueryBuckets(ctx context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) ([]*Bucket, error)
}
