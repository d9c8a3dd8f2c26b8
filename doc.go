// Package turnstile provides a composable metered-access control core for Go
// applications.
//
// Turnstile is designed as a library, not a service. Import it directly into
// your Go application for maximum performance and flexibility. It provides:
//
//   - Signed usage-event ingestion with exactly-once idempotency
//   - Sub-millisecond quota checks with multi-tier caching
//   - Organizational quota inheritance with per-node override modes
//   - Incremental usage rollups queryable over arbitrary ranges
//   - Reservation protocol for atomic check-and-consume
//   - Pluggable hooks for audit, metrics, and custom reactions
//
// # Quick Start
//
// Create a Turnstile instance with your preferred store:
//
//	import (
//	    "github.com/xraph/turnstile"
//	    "github.com/xraph/turnstile/store/postgres"
//	)
//
//	// Initialize store
//	store, err := postgres.New(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create the engine over an identity registry
//	t := turnstile.New(store, registry)
//
//	// Start (runs migrations, loads config, begins background workers)
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
// # Core Concepts
//
// Organizations form a tree; quota rules attach to a node or directly to a
// subscription, and the effective limit for any event is resolved by folding
// the ancestor chain under each node's inheritance mode:
//
//	rule := &quota.Rule{
//	    OwnerOrg:  orgID,
//	    EventType: "api.call",
//	    Limit:     10000,
//	    Period:    quota.PeriodMonthly,
//	    Overflow:  quota.OverflowBlock,
//	}
//	t.PutRule(ctx, rule)
//
// Events are signed by a registered identity and carry a caller-chosen dedup
// key; resubmitting the same key returns the original outcome instead of
// double counting:
//
//	res := t.Ingest(ctx, ev)
//	switch res.Status {
//	case ingest.StatusCreated:   // counted
//	case ingest.StatusDuplicate: // already counted, res.EventID is the original
//	case ingest.StatusRejected:  // terminal, res.Cause says why
//	}
//
// Checks answer whether an identity may perform one more event:
//
//	d, err := t.Check(ctx, "svc-reports", "api.call")
//	if d.Allowed {
//	    // proceed, then ingest the usage event
//	}
//
// # Performance
//
// Turnstile is optimized for production workloads:
//
//   - Quota checks: < 1ms with cache hit, bounded by one store read on a miss
//   - Event ingestion: durable write plus constant-time aggregation fold
//   - Usage queries: closed buckets from the store merged with live state
//
// All quantities use integer arithmetic. The Money type used for overage
// pricing represents amounts in the smallest currency unit.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	evt_01h2xcejqtf2nbrexx3vqjhp41   // Event ID
//	org_01h2xcejqtf2nbrexx3vqjhp41   // Organization ID
//	rule_01h455vb4pex5vsknk084sn02q  // Rule version ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package turnstile
