package event

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/turnstile/id"
)

var (
	// ErrNotFound is returned when no event matches the lookup.
	ErrNotFound = errors.New("event: not found")
	// ErrDedupKeyTaken is returned by InsertEvent when the
	// (subscription, dedup key) pair already has a persisted event.
	ErrDedupKeyTaken = errors.New("event: dedup key already taken")
)

// Store is the durable event store surface consumed by the ingestion
// pipeline and audit lookups.
type Store interface {
	// InsertEvent persists a new event. It returns an already-exists
	// error when the (subscription, dedup key) pair is taken.
	InsertEvent(ctx context.Context, e *Event) error

	// GetEvent returns the full signed record for audit or dispute
	// resolution.
	GetEvent(ctx context.Context, eventID id.EventID) (*Event, error)

	// GetEventByDedupKey returns the event previously stored under the
	// given dedup key within a subscription, if any.
	GetEventByDedupKey(ctx context.Context, subID id.SubscriptionID, dedupKey string) (*Event, error)

	// QueryEvents returns events matching the filter, newest first.
	QueryEvents(ctx context.Context, subID id.SubscriptionID, opts QueryOpts) ([]*Event, error)

	// AnonymizeEvent blanks attributable fields of a persisted event in
	// place. The row is never deleted.
	AnonymizeEvent(ctx context.Context, eventID id.EventID) error

	// ArchiveEvents removes events older than the cutoff from the hot
	// store (they are assumed exported to cold storage first) and
	// returns the number of rows affected.
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)
}

// QueryOpts filters event queries.
type QueryOpts struct {
	Type   string
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
