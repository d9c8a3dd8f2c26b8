// Package rollup implements the aggregation engine: per-event
// constant-time accumulators keyed by (subscription, event type, hour
// bucket), flushed to a durable rollup store, and range queries that
// combine closed buckets with live open-bucket state.
package rollup

import (
	"time"

	"github.com/xraph/turnstile/id"
)

// Bucket is one durable rollup row: the aggregates for a subscription
// and event type over a single UTC hour. Buckets are written with
// additive upserts, never overwritten, so the closed-bucket value
// equals a full re-scan of the hour's events.
//
// Unique carries the serialized distinct-signer state (exact set or
// HyperLogLog sketch) so closed buckets remain mergeable across range
// queries.
type Bucket struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	EventType      string            `json:"event_type"`
	BucketStart    time.Time         `json:"bucket_start"`
	Count          int64             `json:"count"`
	Sum            int64             `json:"sum"`
	Max            int64             `json:"max"`
	Unique         []byte            `json:"unique,omitempty"`
}

// Summary is the result of a range query: the four aggregate kinds over
// every bucket in the range, open or closed. Approximate is set once
// any contributing unique state has spilled from the exact set into a
// sketch.
type Summary struct {
	Count       int64  `json:"count"`
	Sum         int64  `json:"sum"`
	Max         int64  `json:"max"`
	Unique      uint64 `json:"unique"`
	Approximate bool   `json:"approximate,omitempty"`
}

// BucketStart truncates t to its containing UTC hour bucket.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
